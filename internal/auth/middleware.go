package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextUserIDKey is where the middleware stores the authenticated
// user id (the token subject) for the order handlers.
const ContextUserIDKey = "user_id"

func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			unauthorized(c, "missing token")
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}
		if claims.Subject == "" {
			unauthorized(c, "token has no subject")
			return
		}

		c.Set(ContextUserIDKey, claims.Subject)
		c.Next()
	}
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": message})
}
