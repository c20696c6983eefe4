// Package auth is the gate in front of every proxied and administrative
// route. It only checks that a bearer credential is present and that the
// asserted groups intersect a required set; token validation belongs to the
// perimeter proxy and the upstream controller.
package auth

import (
	"net/http"
	"strings"

	"sdngate/pkg/httpx"
	"sdngate/pkg/identity"
)

const (
	ReasonUnauthorized = "unauthorized"
	ReasonForbidden    = "forbidden"

	bearerPrefix = "Bearer "
)

// RejectFunc observes a short-circuited request.
type RejectFunc func(r *http.Request, reason string)

type Option func(*options)

type options struct {
	onReject RejectFunc
}

// WithRejectHook registers fn to be called whenever the gate rejects a request.
func WithRejectHook(fn RejectFunc) Option {
	return func(o *options) {
		o.onReject = fn
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// HasBearer reports whether the Authorization header carries a bearer
// credential. The prefix match is case-sensitive.
func HasBearer(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Authorization"), bearerPrefix)
}

// RequireBearer answers 401 before anything else runs when no bearer
// credential is present.
func RequireBearer(opts ...Option) func(http.Handler) http.Handler {
	o := buildOptions(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasBearer(r) {
				if o.onReject != nil {
					o.onReject(r, ReasonUnauthorized)
				}
				httpx.WriteJSON(w, http.StatusUnauthorized, map[string]interface{}{
					"error":   ReasonUnauthorized,
					"message": "Authentication required (Bearer token)",
					"ts":      httpx.Now(),
					"reqId":   requestContext(r).RequestID,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAnyGroup answers 403 unless the caller belongs to at least one of
// wanted. The envelope names both the required and the observed groups.
func RequireAnyGroup(wanted []string, opts ...Option) func(http.Handler) http.Handler {
	o := buildOptions(opts)
	need := append([]string(nil), wanted...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := requestContext(r)
			if !rc.HasAnyGroup(need...) {
				if o.onReject != nil {
					o.onReject(r, ReasonForbidden)
				}
				have := rc.Groups
				if have == nil {
					have = []string{}
				}
				httpx.WriteJSON(w, http.StatusForbidden, map[string]interface{}{
					"error":       ReasonForbidden,
					"need_any_of": need,
					"have":        have,
					"ts":          httpx.Now(),
					"reqId":       rc.RequestID,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestContext(r *http.Request) identity.RequestContext {
	if rc, ok := identity.FromContext(r.Context()); ok {
		return rc
	}
	return identity.FromRequest(r, false)
}
