package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
)

// InternalAuthMiddleware guards operator routes with the X-Internal-API-Key header.
// An empty key disables the check.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	requiredKey = strings.TrimSpace(requiredKey)
	if requiredKey == "" {
		log.Printf("level=warn component=api msg=\"INTERNAL_API_KEY not set; operator routes are unauthenticated\"")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || !keysEqual(provided, requiredKey) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// BankTokenMiddleware requires the clearinghouse shared secret in X-API-TOKEN. Unlike the
// internal key it is never optional.
func BankTokenMiddleware(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := strings.TrimSpace(r.Header.Get("X-API-TOKEN"))
			if provided == "" {
				writeFailure(w, r, http.StatusUnauthorized, "Missing X-API-TOKEN")
				return
			}
			if token == "" || !keysEqual(provided, token) {
				writeFailure(w, r, http.StatusUnauthorized, "Invalid API token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func keysEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
