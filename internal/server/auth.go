package server

import (
	"crypto/subtle"
	"net/http"
)

// APIKeyHeader carries the API key on HTTP requests.
const APIKeyHeader = "X-API-Key"

// apiKeyQuery carries the API key on WebSocket upgrades, where browsers
// cannot set headers.
const apiKeyQuery = "api_key"

// Authorized reports whether r carries key. An empty key authorizes every
// request.
func Authorized(r *http.Request, key string) bool {
	if key == "" {
		return true
	}
	provided := r.Header.Get(APIKeyHeader)
	if provided == "" {
		provided = r.URL.Query().Get(apiKeyQuery)
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(key)) == 1
}

// RequireAPIKey returns middleware that rejects requests without the
// current API key. key is read on every request so a changed key applies
// immediately.
func RequireAPIKey(key func() string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !Authorized(r, key()) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
}
