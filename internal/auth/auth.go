// Package auth extracts the caller's identity from externally issued
// bearer tokens. Token issuance belongs to the identity service, not to
// this one.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoIdentity is returned when a request carries no usable identity.
var ErrNoIdentity = errors.New("auth: missing caller identity")

// usernameClaim is the claim the token service writes the username into.
const usernameClaim = "unique_name"

// UsernameFromRequest verifies the bearer token on a request and returns
// the caller's username. The token is read from the Authorization header
// or, for WebSocket upgrades where browsers cannot set headers, from the
// access_token query parameter.
func UsernameFromRequest(r *http.Request, secret string) (string, error) {
	raw := tokenFromRequest(r)
	if raw == "" {
		return "", ErrNoIdentity
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return "", ErrNoIdentity
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrNoIdentity
	}
	username, ok := claims[usernameClaim].(string)
	if !ok || username == "" {
		return "", ErrNoIdentity
	}
	return strings.ToLower(username), nil
}

func tokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}
