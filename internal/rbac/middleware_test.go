package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"papercup-core/internal/auth"

	"github.com/gin-gonic/gin"
)

func routerWithRole(role string, allowed ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "u", role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, RequireAnyRole(allowed...), func(c *gin.Context) {
		c.Status(200)
	})
	return r
}

func get(r *gin.Engine) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	if code := get(routerWithRole(RoleAdmin, RoleSupport)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_AllowedRolePasses(t *testing.T) {
	if code := get(routerWithRole(RoleUser, RoleUser, RoleSupport)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_DisallowedRoleDenied(t *testing.T) {
	if code := get(routerWithRole(RoleUser, RoleSupport)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_UnknownRoleDenied(t *testing.T) {
	if code := get(routerWithRole("superuser", RoleUser, "superuser")); code != 403 {
		t.Fatalf("unknown roles must always be denied, got %d", code)
	}
}

func TestRequireAnyRole_MissingRoleUnauthorized(t *testing.T) {
	if code := get(routerWithRole("", RoleUser)); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}
