package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/voicedeck/voicedeck/internal/v1/auth"
)

// ClaimsKey is the gin context key under which validated claims are stored.
const ClaimsKey = "claims"

// Auth validates a bearer token when one is present and stores the claims in
// the request context. Requests without a token pass through anonymously; a
// token that fails validation is rejected.
func Auth(validator auth.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if validator == nil {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			c.Next()
			return
		}

		claims, err := validator.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ClaimsKey, claims)
		c.Next()
	}
}
