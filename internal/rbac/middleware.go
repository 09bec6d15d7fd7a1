package rbac

import (
	"net/http"

	"crm-voice/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireDevice enforces the device invariant: the token must be issued for the device this process owns.
func RequireDevice(deviceID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got, err := auth.DeviceID(c.Request.Context())
		if err != nil || got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "device_id required"})
			return
		}
		if got != deviceID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token issued for another device"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// Rules:
// - support is a hidden role, denied unless listed explicitly
// - device binding is enforced via RequireDevice (use it in the chain)
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}

		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
