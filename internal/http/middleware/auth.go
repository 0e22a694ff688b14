// README: Auth middleware; verifies the bearer token and stores the caller identity on the gin context.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"dispatch/internal/infra"
	"dispatch/internal/types"
)

const (
	ctxCallerUID  = "caller_uid"
	ctxCallerRole = "caller_role"
	ctxCallerName = "caller_name"
)

func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil || token.UID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxCallerUID, token.UID)
		c.Set(ctxCallerRole, string(token.Role()))
		c.Set(ctxCallerName, token.Name())
		c.Next()
	}
}

// CallerUID returns the verified user id, or "" outside Auth.
func CallerUID(c *gin.Context) string {
	return c.GetString(ctxCallerUID)
}

// CallerRole returns the role claim, or "" when the token has none.
func CallerRole(c *gin.Context) string {
	return c.GetString(ctxCallerRole)
}

func CallerActor(c *gin.Context) types.Actor {
	return types.Actor{
		ID:   types.ID(CallerUID(c)),
		Role: types.Role(CallerRole(c)),
		Name: c.GetString(ctxCallerName),
	}
}
