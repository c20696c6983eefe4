package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"sdngate/pkg/audit"
	"sdngate/pkg/identity"
	"sdngate/pkg/overlay"
	"sdngate/pkg/statebus"
	"sdngate/pkg/stream"
)

const sideEffectTimeout = 3 * time.Second

// observers fan a finished provisioning pass out to metrics, the websocket
// hub and, when configured, the audit trail and the Kafka topic. None of them
// can change the response the caller gets.
func (s *Server) observers() []overlay.Observer {
	obs := []overlay.Observer{s.observeMetrics, s.broadcast}
	if s.Audit != nil {
		obs = append(obs, s.recordAudit)
	}
	if s.Publisher != nil {
		obs = append(obs, s.publishEvent)
	}
	return obs
}

func (s *Server) observeMetrics(_ context.Context, res overlay.Result) {
	s.Metrics.IncOverlay(res.Action, res.OK())
	s.Metrics.ObserveProvision(res.Duration)
}

func (s *Server) broadcast(ctx context.Context, res overlay.Result) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(stream.NewEvent(stream.TypeOverlay, payloadFor(ctx, res)))
}

func (s *Server) recordAudit(ctx context.Context, res overlay.Result) {
	rc, _ := identity.FromContext(ctx)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	rec := audit.FromResult(rc, res)
	if id := audit.IDFromContext(ctx); id != "" {
		rec.ID = id
	}
	if err := s.Audit.Append(ctx, rec); err != nil {
		s.Log.WithFields(logrus.Fields{"req_id": rc.RequestID, "action": res.Action}).WithError(err).Warn("audit append failed")
	}
}

func (s *Server) publishEvent(ctx context.Context, res overlay.Result) {
	rc, _ := identity.FromContext(ctx)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := statebus.PublishJSON(ctx, s.Publisher, res.Action, payloadFor(ctx, res)); err != nil {
		s.Log.WithFields(logrus.Fields{"req_id": rc.RequestID, "action": res.Action}).WithError(err).Warn("overlay event publish failed")
	}
}

func payloadFor(ctx context.Context, res overlay.Result) stream.OverlayPayload {
	rc, _ := identity.FromContext(ctx)
	p := stream.PayloadFrom(res, rc.User, rc.RequestID)
	p.AuditID = audit.IDFromContext(ctx)
	return p
}
