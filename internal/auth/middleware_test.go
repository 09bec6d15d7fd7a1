package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crm-voice/internal/config"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	r := gin.New()
	r.GET("/x", RequireAccessToken(m), func(c *gin.Context) {
		dev, err := DeviceID(c.Request.Context())
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, dev)
	})
	return r, m
}

func TestRequireAccessToken_HeaderInjectsDevice(t *testing.T) {
	r, m := newTestRouter(t)
	p, err := m.IssuePair(time.Now(), "u", "dev-1", "surface")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+p.AccessToken)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "dev-1" {
		t.Fatalf("expected 200 dev-1, got %d %q", w.Code, w.Body.String())
	}
}

func TestRequireAccessToken_MissingToken(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireAccessToken_QueryOnlyForUpgrades(t *testing.T) {
	r, m := newTestRouter(t)
	p, _ := m.IssuePair(time.Now(), "u", "dev-1", "observer")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x?access_token="+p.AccessToken, nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for plain request, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x?access_token="+p.AccessToken, nil)
	req.Header.Set("Upgrade", "websocket")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for upgrade, got %d", w.Code)
	}
}
