package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-video/backend/internal/auth"
	"github.com/aura-video/backend/pkg/response"
)

const (
	// ContextOperatorID is the key for the operator ID in gin context.
	ContextOperatorID = "operator_id"
	// ContextOperatorRole is the key for the operator role in gin context.
	ContextOperatorRole = "operator_role"
	// ContextOperatorEmail is the key for the operator email in gin context.
	ContextOperatorEmail = "operator_email"
)

// JWT returns a middleware that validates the bearer token and sets operator claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextOperatorID, claims.OperatorID)
		c.Set(ContextOperatorRole, claims.Role)
		c.Set(ContextOperatorEmail, claims.Email)
		c.Next()
	}
}
