package middleware

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const queryKeyParam = "api_key"

// AuthMiddleware checks a bearer API key against a bcrypt hash. An empty hash
// disables authentication.
type AuthMiddleware struct {
	hash []byte

	mu       sync.Mutex
	accepted map[string]bool
}

func NewAuthMiddleware(apiKeyHash string) *AuthMiddleware {
	a := &AuthMiddleware{accepted: make(map[string]bool)}
	if apiKeyHash != "" {
		a.hash = []byte(apiKeyHash)
	}
	return a
}

// HashAPIKey returns the value to put in server.api_key_hash for key.
func HashAPIKey(key string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func (a *AuthMiddleware) Enabled() bool {
	return len(a.hash) > 0
}

// getKeyFromRequest reads the Authorization header, falling back to the
// api_key query parameter for websocket clients that cannot set headers.
func (a *AuthMiddleware) getKeyFromRequest(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return c.Query(queryKeyParam)
}

func (a *AuthMiddleware) valid(key string) bool {
	a.mu.Lock()
	ok := a.accepted[key]
	a.mu.Unlock()
	if ok {
		return true
	}

	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(key)); err != nil {
		return false
	}

	a.mu.Lock()
	a.accepted[key] = true
	a.mu.Unlock()
	return true
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}

		key := a.getKeyFromRequest(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		if !a.valid(key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}

		c.Set("authenticated", true)
		c.Next()
	}
}
