package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// APIKeyHeader carries the shared device key on upload requests.
const APIKeyHeader = "API-KEY"

type contextKey string

const userIDKey contextKey = "authUserID"

// GetUserID retrieves the authenticated subject from context.
func GetUserID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(userIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// JWTMiddleware validates bearer tokens and injects user identity.
func JWTMiddleware(secret, audience string) gin.HandlerFunc {
	v := newValidator(secret, audience)

	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		subject, err := v.subject(tokenString)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		setUserID(c, subject)
		c.Next()
	}
}

// OptionalJWTMiddleware injects the user identity when a valid bearer token is
// present and lets anonymous requests through. A malformed or invalid token is
// still rejected.
func OptionalJWTMiddleware(secret, audience string) gin.HandlerFunc {
	v := newValidator(secret, audience)

	return func(c *gin.Context) {
		header := c.Request.Header.Get("Authorization")
		if header == "" {
			c.Next()
			return
		}

		tokenString, err := extractBearerToken(header)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}
		subject, err := v.subject(tokenString)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		setUserID(c, subject)
		c.Next()
	}
}

// APIKeyMiddleware rejects requests whose API-KEY header does not match key.
// An empty key disables the check.
func APIKeyMiddleware(key string) gin.HandlerFunc {
	key = strings.TrimSpace(key)

	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		provided := c.Request.Header.Get(APIKeyHeader)
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			unauthorized(c, "invalid api key")
			return
		}
		c.Next()
	}
}

type validator struct {
	secret   string
	audience string
}

func newValidator(secret, audience string) validator {
	return validator{
		secret:   strings.TrimSpace(secret),
		audience: strings.TrimSpace(audience),
	}
}

func (v validator) subject(tokenString string) (string, error) {
	if v.secret == "" {
		return "", errors.New("missing JWT secret")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(v.secret), nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}

	if v.audience != "" && !containsAudience(claims.Audience, v.audience) {
		return "", errors.New("invalid audience")
	}

	if claims.Subject == "" {
		return "", errors.New("missing subject")
	}
	return claims.Subject, nil
}

func setUserID(c *gin.Context, subject string) {
	ctx := context.WithValue(c.Request.Context(), userIDKey, subject)
	c.Request = c.Request.WithContext(ctx)
	c.Set(string(userIDKey), subject)
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}
