package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireKey returns middleware that admits a request only when it carries
// apiKey as a Bearer token or in X-API-Key. An empty apiKey disables the
// check. It guards the operator routes (market creation, settlement runs).
func RequireKey(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			switch {
			case token == "":
				writeUnauthorized(w, "missing authentication token")
			case subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1:
				writeUnauthorized(w, "invalid authentication token")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func extractToken(r *http.Request) string {
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", `Bearer realm="streambet"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
