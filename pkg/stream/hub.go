// Package stream fans overlay events out to websocket subscribers.
package stream

import (
	"encoding/json"
	"sync"
	"time"

	"sdngate/pkg/overlay"
)

const (
	TypeReady   = "ready"
	TypeOverlay = "overlay"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OverlayPayload is the data carried by an overlay event.
type OverlayPayload struct {
	Action     string   `json:"action"`
	OK         bool     `json:"ok"`
	Nodes      []string `json:"nodes"`
	Applied    []string `json:"applied,omitempty"`
	Cleared    bool     `json:"cleared,omitempty"`
	FailedNode string   `json:"failedNode,omitempty"`
	Error      string   `json:"error,omitempty"`
	Actor      string   `json:"actor,omitempty"`
	RequestID  string   `json:"reqId,omitempty"`
	AuditID    string   `json:"auditId,omitempty"`
	DurationMS int64    `json:"durationMs"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// PayloadFrom flattens a provisioner result.
func PayloadFrom(res overlay.Result, actor, reqID string) OverlayPayload {
	p := OverlayPayload{
		Action:     res.Action,
		OK:         res.OK(),
		Nodes:      res.Nodes,
		Applied:    res.Applied,
		Cleared:    res.Cleared,
		FailedNode: res.Failed,
		Actor:      actor,
		RequestID:  reqID,
		DurationMS: res.Duration.Milliseconds(),
	}
	if p.Nodes == nil {
		p.Nodes = []string{}
	}
	if res.Err != nil {
		p.Error = res.Err.Error()
	}
	return p
}

func NewOverlayEvent(res overlay.Result, actor, reqID string) Event {
	return NewEvent(TypeOverlay, PayloadFrom(res, actor, reqID))
}

type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish never blocks; slow subscribers miss events.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
