package policy

import (
	"context"
	"net/http"

	"sdngate/pkg/httpx"
	"sdngate/pkg/identity"
)

// Decider is satisfied by *Client.
type Decider interface {
	Decide(ctx context.Context, in Input) (bool, string)
}

// ObserveFunc sees every verdict the middleware receives.
type ObserveFunc func(r *http.Request, allowed bool, reason string)

// Enforce consults d for every request and answers 403 forbidden_by_policy
// unless the verdict is allow.
func Enforce(d Decider, trustProxy bool, observe ObserveFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, ok := identity.FromContext(r.Context())
			if !ok {
				rc = identity.FromRequest(r, trustProxy)
			}
			allowed, reason := d.Decide(r.Context(), InputFrom(rc))
			if observe != nil {
				observe(r, allowed, reason)
			}
			if !allowed {
				httpx.WriteJSON(w, http.StatusForbidden, map[string]interface{}{
					"error": "forbidden_by_policy",
					"by":    "opa",
					"ts":    httpx.Now(),
					"reqId": rc.RequestID,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
