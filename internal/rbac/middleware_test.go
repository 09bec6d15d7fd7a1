package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"crm-voice/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(deviceID, role string, allowed ...string) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "u", deviceID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, RequireDevice("dev-1"), RequireAnyRole(allowed...), func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireAnyRole_AllowsListedRole(t *testing.T) {
	if code := serve("dev-1", RoleSurface, RoleSurface, RoleAgent); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_HiddenRoleDeniedUnlessAllowed(t *testing.T) {
	if code := serve("dev-1", RoleSupport, RoleSurface); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve("dev-1", RoleSupport, RoleSurface, RoleSupport); code != 200 {
		t.Fatalf("expected 200 when support listed, got %d", code)
	}
}

func TestRequireDevice_Required(t *testing.T) {
	if code := serve("", RoleSurface, RoleSurface); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestRequireDevice_OtherDeviceForbidden(t *testing.T) {
	if code := serve("dev-2", RoleSurface, RoleSurface); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestIsKnownRole(t *testing.T) {
	if !IsKnownRole(RoleObserver) || IsKnownRole("owner") {
		t.Fatalf("unexpected role set")
	}
}
