package middleware

import (
	"net/http"

	"github.com/ruralpay/payments-core/internal/services"
	"golang.org/x/time/rate"
)

// RateLimit caps the request rate across all callers. The gateway retries
// rejected deliveries, so shedding load here loses nothing.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = int(rps) + 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				services.SendErrorResponse(w, "too many requests", http.StatusTooManyRequests, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
