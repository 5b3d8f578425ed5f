package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/reviewloop/backend/internal/api/response"
)

// ActorFunc extracts the limiter actor from a request.
type ActorFunc func(r *http.Request) string

// ByIP keys the limiter on the client address.
func ByIP(r *http.Request) string {
	return ClientIP(r)
}

// Middleware returns HTTP middleware that answers 429 with message once the
// limiter denies the request.
func Middleware(l *Limiter, actor ActorFunc, message string) func(http.Handler) http.Handler {
	if message == "" {
		message = "Too many requests. Please try again later."
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(r.Context(), actor(r))
			setHeaders(w, d)

			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(int64(d.Window.Seconds()), 10))
				response.JSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"error":   "rate_limit_exceeded",
					"message": message,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, d Decision) {
	if d.Degraded {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
}

// ClientIP extracts the client IP from the request. Behind a proxy the
// rightmost X-Forwarded-For entry is the one the proxy appended; entries to
// its left come from the client and are not trusted.
func ClientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if i := strings.LastIndexByte(xff, ','); i >= 0 {
			xff = strings.TrimSpace(xff[i+1:])
		}
		if xff != "" {
			return xff
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
