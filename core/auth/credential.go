// Package auth extracts caller credentials and optionally verifies them.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// ErrUnauthorized reports a missing, malformed, or rejected credential.
var ErrUnauthorized = errors.New("unauthorized")

// BearerToken returns the token following "Bearer " in the Authorization
// header. The token is returned verbatim for forwarding upstream.
func BearerToken(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrUnauthorized
	}
	return ParseBearer(r.Header.Get("Authorization"))
}

// ParseBearer extracts the token from a raw Authorization header value.
func ParseBearer(header string) (string, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", ErrUnauthorized
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", ErrUnauthorized
	}
	return token, nil
}
