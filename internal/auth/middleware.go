package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenRemoteIO/internal/types"
)

const (
	subjectKey     = "subject"
	permissionsKey = "permissions"
)

// AuthMiddleware validates bearer tokens. The websocket monitor may pass
// the token as ?token= since browsers cannot set headers there.
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			authHeader := c.GetHeader("Authorization")
			if authHeader == "" {
				abort(c, http.StatusUnauthorized, "missing authorization header")
				return
			}

			// Extract token from "Bearer <token>"
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				abort(c, http.StatusUnauthorized, "invalid authorization header format")
				return
			}
			token = parts[1]
		}

		subject, permissions, err := a.ValidateToken(token)
		if err != nil {
			abort(c, http.StatusUnauthorized, err.Error())
			return
		}

		c.Set(subjectKey, subject)
		c.Set(permissionsKey, permissions)
		c.Next()
	}
}

// RequirePermission checks if the caller has the required permission.
// Without AuthMiddleware in the chain every request passes.
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, exists := c.Get(permissionsKey)
		if !exists {
			c.Next()
			return
		}

		for _, p := range perms.([]Permission) {
			if p == required {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, types.NewErrorResponse(
			types.CodeForbidden, "insufficient permissions", gin.H{"required": string(required)}))
	}
}

// Subject returns the authenticated caller, or "" without auth.
func Subject(c *gin.Context) string {
	return c.GetString(subjectKey)
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, types.NewErrorResponse(types.CodeUnauthorized, msg, nil))
}
