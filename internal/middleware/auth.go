package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"stockdesk/internal/pkg/response"
	"stockdesk/internal/pkg/token"
)

// Business codes sent with 401 responses.
const (
	CodeUnauthorized = 40101
	CodeTokenInvalid = 40102
	CodeTokenExpired = 40103
)

const userIDKey = "user_id"

// TokenValidator checks an access token and returns its identity.
type TokenValidator interface {
	ValidateToken(tok string) (*token.Claims, error)
}

// TokenAuth requires a valid bearer token and stores its identity under
// "user_id". WebSocket upgrades may pass the token as ?token=.
func TokenAuth(v TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearerToken(c)
		if !ok {
			response.AbortWithError(c, http.StatusUnauthorized, CodeUnauthorized, "Authorization required")
			return
		}

		claims, err := v.ValidateToken(tok)
		if err != nil {
			if errors.Is(err, token.ErrExpired) {
				response.AbortWithError(c, http.StatusUnauthorized, CodeTokenExpired, "Token expired")
				return
			}
			response.AbortWithError(c, http.StatusUnauthorized, CodeTokenInvalid, "Invalid token")
			return
		}

		c.Set(userIDKey, claims.Identity)
		c.Next()
	}
}

// UserID returns the identity stored by TokenAuth.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if q := c.Query("token"); q != "" {
			return q, true
		}
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}
