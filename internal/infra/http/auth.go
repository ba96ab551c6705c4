package http

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AdminAuthMiddleware проверяет токен административного API.
// Токен передаётся в заголовке Authorization: Bearer <token>.
func AdminAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "admin token is not configured", http.StatusForbidden)
				return
			}
			header := r.Header.Get("Authorization")
			provided := strings.TrimPrefix(header, "Bearer ")
			if provided == header || provided == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
