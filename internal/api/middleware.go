package api

import (
	"net/http"
	"strconv"

	"github.com/visp-platform/session-broker/internal/ratelimit"
)

// OwnerHeader carries the verified user identity set by the edge server.
// Everything upstream of this broker is authenticated; the header is
// trusted as-is.
const OwnerHeader = "X-Forwarded-User"

// OwnerFromRequest returns the authenticated owner identity.
func OwnerFromRequest(r *http.Request) string {
	return r.Header.Get(OwnerHeader)
}

// RequireOwner rejects control requests that arrive without an identity.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if OwnerFromRequest(r) == "" {
			writeError(w, http.StatusUnauthorized, "missing authenticated user identity")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware enforces the per-owner request budget on
// session-creating endpoints.
func RateLimitMiddleware(limiter *ratelimit.Limiter, requestsPerHour int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := OwnerFromRequest(r)

			if !limiter.Allow(owner) {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens(owner))))
			next.ServeHTTP(w, r)
		})
	}
}
