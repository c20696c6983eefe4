package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"sdngate/pkg/audit"
	"sdngate/pkg/auth"
	"sdngate/pkg/config"
	"sdngate/pkg/httpx"
	"sdngate/pkg/identity"
	"sdngate/pkg/logging"
	"sdngate/pkg/metrics"
	"sdngate/pkg/overlay"
	"sdngate/pkg/policy"
	"sdngate/pkg/ratelimit"
	"sdngate/pkg/statebus"
	"sdngate/pkg/stream"
	"sdngate/pkg/telemetry"
)

type Server struct {
	Config      config.Config
	Log         logrus.FieldLogger
	Metrics     *metrics.Registry
	Policy      policy.Decider
	Forwarder   http.Handler
	Provisioner overlayRunner
	Limiter     ratelimit.Limiter
	Events      *stream.Hub
	Audit       auditStore
	Publisher   statebus.Publisher
}

type overlayRunner interface {
	Allow(ctx context.Context) overlay.Result
	Lock(ctx context.Context) overlay.Result
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, id string) (audit.Record, error)
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Routes builds the inbound surface. Proxy routes run bearer, rate limit and
// policy in that order; admin routes run bearer, the group guard and then the
// policy oracle unless AdminPolicyCheck is off.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(identity.Middleware(s.Config.TrustProxy))
	r.Use(logging.RequestLogger(s.Log))
	r.Use(s.recoverer)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.CORSMiddleware(s.Config.CORSOrigins))
	r.NotFound(s.notFound)
	r.MethodNotAllowed(s.notFound)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", handleReady)
	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	reject := auth.WithRejectHook(func(_ *http.Request, reason string) {
		s.Metrics.IncGateRejection(reason)
	})

	enforce := policy.Enforce(s.Policy, s.Config.TrustProxy, func(_ *http.Request, allowed bool, reason string) {
		s.Metrics.IncPolicyDecision(allowed, reason)
	})

	r.Group(func(g chi.Router) {
		g.Use(auth.RequireBearer(reject))
		if s.Limiter != nil {
			g.Use(ratelimit.Middleware(s.Limiter, s.Config.RateLimitPerMinute, ratelimit.CallerKey, func(*http.Request) {
				s.Metrics.IncGateRejection("rate_limited")
			}))
		}
		g.Use(enforce)
		for _, prefix := range []string{"/proxy", "/api/proxy"} {
			g.Handle(prefix, s.Forwarder)
			g.Handle(prefix+"/*", s.Forwarder)
		}
	})

	r.Group(func(g chi.Router) {
		g.Use(auth.RequireBearer(reject))
		g.Use(auth.RequireAnyGroup(s.Config.AdminGroups, reject))
		if s.Config.AdminPolicyCheck {
			g.Use(enforce)
		}
		g.Post("/api/admin/overlay/allow", s.handleOverlay(overlay.ActionAllow))
		g.Post("/api/admin/overlay/lock", s.handleOverlay(overlay.ActionLock))
		g.Get("/api/admin/overlay/events", stream.Handler(s.Events, config.SplitList(s.Config.WSOrigins)))
		g.Get("/api/admin/overlay/audit/{id}", s.handleAuditGet)
		g.Get("/metrics", s.withGauges(s.Metrics.Handler()))
		g.Get("/metrics/prometheus", s.withGauges(s.Metrics.PrometheusHandler()))
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rc, ok := identity.FromContext(r.Context())
	if !ok {
		rc = identity.FromRequest(r, s.Config.TrustProxy)
	}
	user := rc.User
	if user == "" {
		user = "Anonymous"
	}
	email := rc.Email
	if email == "" {
		email = "unknown@example.com"
	}
	groups := rc.Groups
	if groups == nil {
		groups = []string{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "OK",
		"authenticated": auth.HasBearer(r),
		"secure":        rc.Secure,
		"protocol":      identity.Protocol(r, s.Config.TrustProxy),
		"user":          user,
		"email":         email,
		"groups":        groups,
		"timestamp":     httpx.Now(),
		"service":       serviceName,
	})
}

func handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleOverlay runs one provisioning pass. The pass is detached from the
// caller's cancellation so a dropped client cannot stop it between writes.
// With auditing on, the record id is fixed up front and returned as auditId.
func (s *Server) handleOverlay(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithoutCancel(r.Context())
		auditID := ""
		if s.Audit != nil {
			auditID = uuid.NewString()
			ctx = audit.WithID(ctx, auditID)
		}
		ctx, span := telemetry.StartSpan(ctx, "overlay."+action,
			attribute.String("overlay.action", action),
			attribute.Int("overlay.nodes", len(s.Config.NodeIDs)),
		)
		var res overlay.Result
		if action == overlay.ActionAllow {
			res = s.Provisioner.Allow(ctx)
		} else {
			res = s.Provisioner.Lock(ctx)
		}
		telemetry.EndSpan(span, res.Err)

		if !res.OK() {
			s.Log.WithFields(logrus.Fields{
				"req_id": identity.RequestID(r.Context()),
				"action": action,
				"node":   res.Failed,
			}).WithError(res.Err).Error("overlay operation failed")
			body := map[string]interface{}{
				"ok":    false,
				"error": res.Err.Error(),
			}
			if auditID != "" {
				body["auditId"] = auditID
			}
			httpx.WriteJSON(w, http.StatusBadGateway, body)
			return
		}
		body := map[string]interface{}{"ok": true, "nodes": res.Nodes}
		if action == overlay.ActionAllow {
			body["applied"] = res.Applied
		} else {
			body["cleared"] = true
		}
		if auditID != "" {
			body["auditId"] = auditID
		}
		httpx.WriteJSON(w, http.StatusOK, body)
	}
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "audit disabled")
		return
	}
	rec, err := s.Audit.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusNotFound, "audit record not found")
		return
	}
	if err != nil {
		s.Log.WithError(err).Warn("audit lookup failed")
		httpx.Error(w, http.StatusInternalServerError, "audit lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":         rec.ID,
		"reqId":      rec.RequestID,
		"action":     rec.Action,
		"actor":      rec.Actor,
		"email":      rec.ActorEmail,
		"groups":     rec.Groups,
		"nodes":      rec.Nodes,
		"ok":         rec.OK,
		"failedNode": rec.FailedNode,
		"error":      rec.Error,
		"durationMs": rec.DurationMS,
		"createdAt":  httpx.Timestamp(rec.CreatedAt),
	})
}

func (s *Server) withGauges(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Events != nil {
			s.Metrics.SetGauge("ws_subscribers", float64(s.Events.Subscribers()))
		}
		h(w, r)
	}
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.Log.WithFields(logrus.Fields{
				"req_id": identity.RequestID(r.Context()),
				"panic":  fmt.Sprint(rec),
			}).Error("unhandled panic")
			httpx.WriteJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"error":     "internal_error",
				"message":   "Internal server error",
				"timestamp": httpx.Now(),
				"reqId":     identity.RequestID(r.Context()),
			})
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":     "not_found",
		"message":   "Route " + r.URL.RequestURI() + " not found",
		"timestamp": httpx.Now(),
		"reqId":     identity.RequestID(r.Context()),
	})
}

// metricsMiddleware keys stats by route pattern so proxied paths do not
// explode the endpoint set.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)
		pattern := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			pattern = rctx.RoutePattern()
		}
		if pattern == "" {
			pattern = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		key := r.Method + " " + pattern
		s.Metrics.Observe(key, status, elapsed)
		s.Metrics.ObserveLatency(key, elapsed)
	})
}
