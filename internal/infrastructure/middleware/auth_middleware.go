package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"partymesh/pkg/errors"

	"github.com/gin-gonic/gin"
)

// APITokenMiddleware guards the local API with a static bearer token. An
// empty token disables the check. Browsers cannot set headers on websocket
// upgrades, so the token is also accepted as the "token" query parameter.
func APITokenMiddleware(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	expected := []byte(token)

	return func(c *gin.Context) {
		presented := c.Query("token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				abortUnauthorized(c, "invalid authorization header format")
				return
			}
			presented = parts[1]
		}

		if presented == "" {
			abortUnauthorized(c, "authorization required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			abortUnauthorized(c, "invalid token")
			return
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	appErr := errors.NewUnauthorizedError(message)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
