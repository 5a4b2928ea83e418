package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/bytedance/sonic"
)

// ModeAPIKey is the only mode that enforces a key.
const ModeAPIKey = "apikey"

// QueryParam carries the key for clients that cannot set headers, such as
// browser WebSocket connections.
const QueryParam = "api_key"

// APIKey returns HTTP middleware that enforces API key authentication.
//
// Behaviour:
//   - If mode != "apikey" or key == "", all requests pass through.
//   - Otherwise the key is read from header, falling back to the api_key
//     query parameter, and compared to key in constant time.
//   - A missing or incorrect key is answered with 401 and a JSON error body.
func APIKey(mode, header, key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if mode != ModeAPIKey || key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(header)
			if got == "" {
				got = r.URL.Query().Get(QueryParam)
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				slog.Debug("auth: rejected request", "path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				sonic.ConfigDefault.NewEncoder(w).Encode(map[string]string{"error": "invalid api key"}) //nolint:errcheck
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
