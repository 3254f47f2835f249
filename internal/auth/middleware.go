package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peerex/internal/logging"
)

const (
	// ContextKeyUserID holds the authenticated user id in the gin context.
	ContextKeyUserID = "authUserID"
	// ContextKeyRole holds the authenticated role.
	ContextKeyRole = "authRole"
)

// Middleware verifies the Authorization header when present and records the
// principal on the gin and request contexts. It never rejects; RequireAuth does.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); header != "" {
			if p, err := m.Verify(header); err == nil {
				c.Set(ContextKeyUserID, p.UserID)
				c.Set(ContextKeyRole, string(p.Role))
				c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), p.UserID))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a verified principal.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects principals whose role differs from role.
func RequireRole(role Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if Role(c.GetString(ContextKeyRole)) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This action requires the " + string(role) + " role.",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsArbiter reports whether the caller holds the arbiter role.
func IsArbiter(c *gin.Context) bool {
	return Role(c.GetString(ContextKeyRole)) == RoleArbiter
}
