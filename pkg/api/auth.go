package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// userIDKey is the gin context key the auth middleware stores the
// authenticated user id under.
const userIDKey = "auth_user_id"

// ErrInvalidToken is returned by authenticators for unknown or expired
// tokens.
var ErrInvalidToken = errors.New("invalid token")

// Authenticator validates bearer tokens. Token issuance belongs to the
// external auth collaborator; the service only verifies.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// StaticAuthenticator validates against a fixed token-to-user table, for
// deployments where the auth collaborator provisions long-lived service
// tokens via configuration.
type StaticAuthenticator struct {
	tokens map[string]string
}

// NewStaticAuthenticator builds an authenticator over a token -> user map.
func NewStaticAuthenticator(tokens map[string]string) *StaticAuthenticator {
	return &StaticAuthenticator{tokens: tokens}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	userID, ok := a.tokens[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return userID, nil
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}

// authMiddleware rejects requests without a valid bearer token and stores
// the resolved user id on the context.
func authMiddleware(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		userID, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// authedUser returns the user id set by authMiddleware.
func authedUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}
