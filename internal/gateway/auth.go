package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/go-amplifier/internal/audit"
)

// AuthMiddleware validates a bearer token from the Authorization header.
// An empty token disables authentication.
type AuthMiddleware struct {
	token string
}

func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: strings.TrimSpace(token)}
}

// Wrap wraps an http.Handler with token checking. /health and CORS
// preflights are always let through.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if am.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			audit.Record(r.Context(), audit.ActionAuthReject, r.URL.Path, "Deny", "missing token")
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token", nil)
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(am.token)) != 1 {
			audit.Record(r.Context(), audit.ActionAuthReject, r.URL.Path, "Deny", "invalid token")
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Invalid bearer token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey extracts a token from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key query param.
// The query form serves EventSource and WebSocket clients that cannot set headers.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}
