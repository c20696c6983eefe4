package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"sdngate/pkg/httpx"
	"sdngate/pkg/identity"
)

// KeyFunc picks the bucket a request counts against.
type KeyFunc func(r *http.Request) string

// CallerKey buckets by asserted user, falling back to the remote address.
func CallerKey(r *http.Request) string {
	if rc, ok := identity.FromContext(r.Context()); ok && rc.User != "" {
		return "user:" + rc.User
	}
	if u := r.Header.Get(identity.HeaderUser); u != "" {
		return "user:" + u
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware answers 429 rate_limited once key exceeds limit in the window.
func Middleware(l Limiter, limit int, key KeyFunc, onReject func(r *http.Request)) func(http.Handler) http.Handler {
	if key == nil {
		key = CallerKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(r.Context(), key(r), limit)
			if !d.Allowed {
				if onReject != nil {
					onReject(r)
				}
				wait := d.RetryAfter(time.Now().UTC())
				w.Header().Set("Retry-After", retryAfterSeconds(wait))
				httpx.WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"error":        "rate_limited",
					"retryAfterMs": wait.Milliseconds(),
					"ts":           httpx.Now(),
					"reqId":        identity.RequestID(r.Context()),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
