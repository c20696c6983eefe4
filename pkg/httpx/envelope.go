package httpx

import (
	"encoding/json"
	"net/http"
	"time"
)

// TimestampLayout is millisecond-precision UTC, e.g. 2026-01-02T02:04:05.006Z.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes the minimal {"error": msg} body.
func Error(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]interface{}{"error": msg})
}

func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func Now() string {
	return Timestamp(time.Now())
}

// SecurityHeadersMiddleware marks every response as non-cacheable and not
// frameable.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range securityHeaders {
			w.Header().Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

var securityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"Referrer-Policy":        "no-referrer",
	"Cache-Control":          "no-store",
}
