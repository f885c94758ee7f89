package auth

import (
	"net/http"
	"strings"
)

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the `token` query parameter for clients (browsers opening
// a WebSocket) that cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		scheme, token, ok := strings.Cut(authHeader, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
