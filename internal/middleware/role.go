package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-video/backend/pkg/response"
)

// RequireRole returns a middleware that allows only operators holding one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		role := c.GetString(ContextOperatorRole)
		if role == "" {
			response.Unauthorized(c, "missing operator context")
			c.Abort()
			return
		}
		if _, ok := allowed[role]; !ok {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}
