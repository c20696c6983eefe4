// Package identity models the caller attributes an identity-terminating
// perimeter proxy asserts on each request. Nothing here verifies those
// headers; they are trusted as supplied.
package identity

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderUser      = "X-User"
	HeaderEmail     = "X-Email"
	HeaderGroups    = "X-Groups"
	HeaderRequestID = "X-Request-Id"
)

// RequestContext is built once per inbound request and never mutated.
type RequestContext struct {
	Method        string
	Path          string
	User          string
	Email         string
	Groups        []string
	Authenticated bool
	Secure        bool
	RequestID     string
	Start         time.Time
}

type contextKey string

const requestContextKey contextKey = "sdngate.request"

// ParseGroups splits a comma-delimited group header, lower-cases each entry
// and strips leading slashes (Keycloak-style "/admins" becomes "admins").
func ParseGroups(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		g := strings.ToLower(strings.TrimSpace(part))
		g = strings.TrimLeft(g, "/")
		if g == "" {
			continue
		}
		out = append(out, g)
	}
	return out
}

// FromRequest builds a RequestContext. trustProxy controls whether
// X-Forwarded-Proto may mark the transport as secure.
func FromRequest(r *http.Request, trustProxy bool) RequestContext {
	reqID := strings.TrimSpace(r.Header.Get(HeaderRequestID))
	if reqID == "" {
		reqID = uuid.NewString()
	}
	return RequestContext{
		Method:        r.Method,
		Path:          r.URL.RequestURI(),
		User:          r.Header.Get(HeaderUser),
		Email:         r.Header.Get(HeaderEmail),
		Groups:        ParseGroups(r.Header.Get(HeaderGroups)),
		Authenticated: r.Header.Get("Authorization") != "",
		Secure:        IsSecure(r, trustProxy),
		RequestID:     reqID,
		Start:         time.Now().UTC(),
	}
}

// IsSecure reports whether the caller reached us over TLS.
func IsSecure(r *http.Request, trustProxy bool) bool {
	if r.TLS != nil {
		return true
	}
	if !trustProxy {
		return false
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	if i := strings.Index(proto, ","); i >= 0 {
		proto = proto[:i]
	}
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}

// Protocol mirrors IsSecure as a scheme name.
func Protocol(r *http.Request, trustProxy bool) string {
	if IsSecure(r, trustProxy) {
		return "https"
	}
	return "http"
}

// HasAnyGroup reports whether have intersects want. Comparison is
// case-insensitive; an empty want set always matches.
func (rc RequestContext) HasAnyGroup(want ...string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(rc.Groups))
	for _, g := range rc.Groups {
		set[g] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[strings.ToLower(strings.TrimSpace(w))]; ok {
			return true
		}
	}
	return false
}

func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

func FromContext(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey).(RequestContext)
	return rc, ok
}

// RequestID returns the correlation id stored on ctx, or "".
func RequestID(ctx context.Context) string {
	rc, _ := FromContext(ctx)
	return rc.RequestID
}

// Middleware attaches a RequestContext to every request.
func Middleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := FromRequest(r, trustProxy)
			next.ServeHTTP(w, r.WithContext(WithRequestContext(r.Context(), rc)))
		})
	}
}
