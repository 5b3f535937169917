package middleware

import (
	"net/http"
	"strings"

	"github.com/Parr-Marketing/Dicksword/internal/core/ports"

	"github.com/gin-gonic/gin"
)

const identityContextKey = "identity"

// AuthMiddleware verifies the bearer token through the authentication
// collaborator and stores the identity binding in the request context.
func AuthMiddleware(verifier ports.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		identity, err := verifier.Verify(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(identityContextKey, identity)
		c.Next()
	}
}
