package router

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingCredentials is returned when a request carries no identity at all.
var ErrMissingCredentials = errors.New("missing credentials")

// Authenticator resolves the owner of a request. With a secret configured it
// requires an HS256 bearer token whose subject is the owner id; without one
// it trusts the X-User-ID header set by an upstream gateway.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an Authenticator. An empty secret selects header mode.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate returns the owner id of r.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		ownerID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if ownerID == "" {
			return "", ErrMissingCredentials
		}
		return ownerID, nil
	}

	token := bearerToken(r)
	if token == "" {
		return "", ErrMissingCredentials
	}
	return a.validateToken(token)
}

func (a *Authenticator) validateToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", fmt.Errorf("token expired: %w", err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return "", fmt.Errorf("malformed token: %w", err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return "", fmt.Errorf("invalid token signature: %w", err)
		}
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("token is not valid")
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for browser websocket clients.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
