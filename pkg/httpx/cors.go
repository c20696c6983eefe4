package httpx

import (
	"net/http"
	"strings"
)

var (
	// CORSMethods and CORSHeaders are advertised on every allowed response.
	CORSMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	CORSHeaders = []string{"Authorization", "Content-Type", "Accept", "X-User", "X-Email", "X-Groups"}
)

// CORSPolicy is a credentialed origin allowlist. "*" allows any origin by
// echoing it back.
type CORSPolicy struct {
	origins   map[string]bool
	anyOrigin bool
	methods   string
	headers   string
}

func NewCORSPolicy(origins []string) *CORSPolicy {
	p := &CORSPolicy{
		origins: map[string]bool{},
		methods: strings.Join(CORSMethods, ","),
		headers: strings.Join(CORSHeaders, ","),
	}
	for _, o := range origins {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			p.anyOrigin = true
		default:
			p.origins[o] = true
		}
	}
	return p
}

// Allows reports whether origin may read responses.
func (p *CORSPolicy) Allows(origin string) bool {
	return origin != "" && (p.anyOrigin || p.origins[origin])
}

// Handler answers preflights itself with 204. An unlisted origin gets no
// Access-Control-Allow-* headers, so the browser refuses the response; the
// request itself still reaches next.
func (p *CORSPolicy) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		h := w.Header()
		h.Add("Vary", "Origin")
		if p.Allows(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if p.Allows(origin) {
				h.Set("Access-Control-Allow-Methods", p.methods)
				h.Set("Access-Control-Allow-Headers", p.headers)
				h.Set("Access-Control-Max-Age", "600")
			}
			h.Set("Content-Length", "0")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware builds a CORSPolicy from a comma-separated origin list.
func CORSMiddleware(allowedOrigins string) func(http.Handler) http.Handler {
	return NewCORSPolicy(strings.Split(allowedOrigins, ",")).Handler
}
