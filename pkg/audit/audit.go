// Package audit records every administrative overlay operation in Postgres:
// who asked, what was attempted, on which nodes, and how it ended.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"sdngate/pkg/identity"
	"sdngate/pkg/overlay"
)

const schema = `
CREATE TABLE IF NOT EXISTS overlay_audit (
	id          UUID PRIMARY KEY,
	request_id  TEXT NOT NULL,
	action      TEXT NOT NULL,
	actor       TEXT NOT NULL,
	actor_email TEXT NOT NULL,
	groups      JSONB NOT NULL,
	nodes       JSONB NOT NULL,
	ok          BOOLEAN NOT NULL,
	failed_node TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
)`

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	ID         string
	RequestID  string
	Action     string
	Actor      string
	ActorEmail string
	Groups     []string
	Nodes      []string
	OK         bool
	FailedNode string
	Error      string
	DurationMS int64
	CreatedAt  time.Time
}

type ctxKey struct{}

// WithID carries the record id chosen for the operation running under ctx, so
// the caller can return it before the record is written.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func IDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// FromResult builds the record for one overlay operation.
func FromResult(rc identity.RequestContext, res overlay.Result) Record {
	rec := Record{
		ID:         uuid.NewString(),
		RequestID:  rc.RequestID,
		Action:     res.Action,
		Actor:      rc.User,
		ActorEmail: rc.Email,
		Groups:     rc.Groups,
		Nodes:      res.Nodes,
		OK:         res.OK(),
		FailedNode: res.Failed,
		DurationMS: res.Duration.Milliseconds(),
		CreatedAt:  res.Started,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return rec
}

func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.DB.Exec(ctx, schema)
	return err
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w == nil || w.DB == nil {
		return errors.New("audit writer not configured")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	groups, err := json.Marshal(nonNil(rec.Groups))
	if err != nil {
		return err
	}
	nodes, err := json.Marshal(nonNil(rec.Nodes))
	if err != nil {
		return err
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO overlay_audit
		(id, request_id, action, actor, actor_email, groups, nodes, ok, failed_node, error, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.ID, rec.RequestID, rec.Action, rec.Actor, rec.ActorEmail, groups, nodes, rec.OK, rec.FailedNode, rec.Error, rec.DurationMS, rec.CreatedAt)
	return err
}

// Get loads one record by id. Ids that are not UUIDs cannot exist and
// report pgx.ErrNoRows without a query.
func (w *Writer) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	if _, err := uuid.Parse(id); err != nil {
		return rec, pgx.ErrNoRows
	}
	var groups, nodes json.RawMessage
	row := w.DB.QueryRow(ctx, `
		SELECT id, request_id, action, actor, actor_email, groups, nodes, ok, failed_node, error, duration_ms, created_at
		FROM overlay_audit WHERE id=$1
	`, id)
	if err := row.Scan(&rec.ID, &rec.RequestID, &rec.Action, &rec.Actor, &rec.ActorEmail, &groups, &nodes, &rec.OK, &rec.FailedNode, &rec.Error, &rec.DurationMS, &rec.CreatedAt); err != nil {
		return rec, err
	}
	if err := json.Unmarshal(groups, &rec.Groups); err != nil {
		return rec, err
	}
	if err := json.Unmarshal(nodes, &rec.Nodes); err != nil {
		return rec, err
	}
	return rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
