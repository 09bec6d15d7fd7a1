package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crm-voice/internal/auth"
	"crm-voice/internal/calllog"
	"crm-voice/internal/config"
	"crm-voice/internal/credentials"
	"crm-voice/internal/registry"

	"github.com/gin-gonic/gin"
)

func newTestEngine(t *testing.T) (*gin.Engine, *auth.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	r := gin.New()
	registerRoutes(r, routeDeps{
		cfg:     config.Config{Device: config.DeviceConfig{ID: "dev-1"}},
		auth:    m,
		health:  func(context.Context) error { return nil },
		creds:   credentials.NewMemoryStore(),
		state:   registry.New(),
		history: calllog.NewService(calllog.NewMemoryRepo()),
	})
	return r, m
}

func get(t *testing.T, r http.Handler, m *auth.Manager, path, deviceID, role string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if m != nil {
		p, err := m.IssuePair(time.Now(), "u1", deviceID, role)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+p.AccessToken)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRoutes_HealthIsPublic(t *testing.T) {
	r, _ := newTestEngine(t)
	if w := get(t, r, nil, "/healthz", "", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := get(t, r, nil, "/readyz", "", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := get(t, r, nil, "/v1/state", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRoutes_StateEnforcesDeviceAndRole(t *testing.T) {
	r, m := newTestEngine(t)

	w := get(t, r, m, "/v1/state", "dev-1", "support")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"banner"`) {
		t.Fatalf("expected state for support, got %d %s", w.Code, w.Body.String())
	}
	if w := get(t, r, m, "/v1/state", "dev-2", "surface"); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for other device, got %d", w.Code)
	}
	if w := get(t, r, m, "/v1/push/registration", "dev-1", "agent"); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for agent on push routes, got %d", w.Code)
	}
}
