package auth

import (
	"net/http"
	"strings"
)

const bearerPrefix = "bearer "

// TokenFromRequest extracts a bearer token from the Authorization header, or
// from the token query parameter used by websocket upgrades.
func TokenFromRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):]), nil
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// ValidateRequest extracts and validates the request token.
func (i *TokenIssuer) ValidateRequest(r *http.Request) (Claims, error) {
	token, err := TokenFromRequest(r)
	if err != nil {
		return Claims{}, err
	}
	return i.ValidateToken(token)
}
