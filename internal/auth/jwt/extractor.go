package jwt

import (
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// ExtractBearer returns the token from an Authorization header value.
// The scheme is matched case-insensitively.
func ExtractBearer(value string) (string, error) {
	if value == "" {
		return "", ErrMissingToken
	}
	if len(value) < len(bearerPrefix) || !strings.EqualFold(value[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrInvalidPrefix
	}
	token := strings.TrimSpace(value[len(bearerPrefix):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// BearerToken extracts the bearer token from the request's Authorization header.
func BearerToken(r *http.Request) (string, error) {
	return ExtractBearer(r.Header.Get("Authorization"))
}
