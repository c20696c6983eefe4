// Package metrics keeps in-process counters for the gateway and renders them
// as JSON or Prometheus text.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu         sync.RWMutex
	endpoint   map[string]*EndpointStat
	decision   map[string]int64
	rejection  map[string]int64
	overlay    map[string]int64
	upstream   map[string]int64
	gauges     map[string]float64
	provision  LatencyStat
	Histograms *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt        string                  `json:"generated_at"`
	Endpoints          map[string]EndpointStat `json:"endpoints"`
	PolicyDecisions    map[string]int64        `json:"policy_decisions"`
	GateRejections     map[string]int64        `json:"gate_rejections"`
	OverlayOperations  map[string]int64        `json:"overlay_operations"`
	UpstreamStatus     map[string]int64        `json:"upstream_status"`
	Gauges             map[string]float64      `json:"gauges"`
	ProvisionLatencyMS LatencyStat             `json:"overlay_provision_latency_ms"`
	Histograms         []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		decision:   map[string]int64{},
		rejection:  map[string]int64{},
		overlay:    map[string]int64{},
		upstream:   map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func labelPair(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if b == "" {
		b = "unknown"
	}
	return a + "|" + b
}

func splitPair(key string) (string, string) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], "unknown"
}

// IncPolicyDecision counts an oracle verdict and the reason it was reached.
func (r *Registry) IncPolicyDecision(allowed bool, reason string) {
	verdict := "deny"
	if allowed {
		verdict = "allow"
	}
	key := labelPair(verdict, reason)
	r.mu.Lock()
	r.decision[key]++
	r.mu.Unlock()
}

// IncGateRejection counts an auth gate short-circuit (unauthorized, forbidden,
// rate_limited).
func (r *Registry) IncGateRejection(reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.rejection[reason]++
	r.mu.Unlock()
}

// IncOverlay counts an overlay operation by action and outcome.
func (r *Registry) IncOverlay(action string, ok bool) {
	if strings.TrimSpace(action) == "" {
		return
	}
	outcome := "failed"
	if ok {
		outcome = "ok"
	}
	key := labelPair(action, outcome)
	r.mu.Lock()
	r.overlay[key]++
	r.mu.Unlock()
}

// IncUpstreamStatus counts forwarded responses by status class ("2xx", "5xx")
// or "transport" for failures without a status.
func (r *Registry) IncUpstreamStatus(status int) {
	class := "transport"
	if status > 0 {
		class = fmt.Sprintf("%dxx", status/100)
	}
	r.mu.Lock()
	r.upstream[class]++
	r.mu.Unlock()
}

func (r *Registry) ObserveProvision(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.Histograms.ObserveDuration("overlay_provision", d)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provision.Count++
	r.provision.TotalMS += ms
	r.provision.LastMS = ms
	if ms > r.provision.MaxMS {
		r.provision.MaxMS = ms
	}
	r.provision.AvgMS = float64(r.provision.TotalMS) / float64(r.provision.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:        time.Now().UTC().Format(time.RFC3339),
		Endpoints:          make(map[string]EndpointStat, len(r.endpoint)),
		PolicyDecisions:    copyCounts(r.decision),
		GateRejections:     copyCounts(r.rejection),
		OverlayOperations:  copyCounts(r.overlay),
		UpstreamStatus:     copyCounts(r.upstream),
		Gauges:             make(map[string]float64, len(r.gauges)),
		ProvisionLatencyMS: r.provision,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func writeHeader(b *strings.Builder, name, kind, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}

		writeHeader(b, "sdngate_endpoint_count", "counter", "total requests by endpoint")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "sdngate_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		writeHeader(b, "sdngate_endpoint_error_count", "counter", "total endpoint responses with status >= 400")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "sdngate_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		writeHeader(b, "sdngate_endpoint_avg_millis", "gauge", "endpoint average latency in milliseconds")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "sdngate_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		writeHeader(b, "sdngate_endpoint_max_millis", "gauge", "endpoint max latency in milliseconds")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "sdngate_endpoint_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}

		writeHeader(b, "sdngate_policy_decision_total", "counter", "policy oracle verdicts by outcome and reason")
		for _, key := range SortedKeys(snap.PolicyDecisions) {
			verdict, reason := splitPair(key)
			fmt.Fprintf(b, "sdngate_policy_decision_total{verdict=%q,reason=%q} %d\n", verdict, reason, snap.PolicyDecisions[key])
		}
		writeHeader(b, "sdngate_gate_rejection_total", "counter", "requests rejected before reaching a handler")
		for _, reason := range SortedKeys(snap.GateRejections) {
			fmt.Fprintf(b, "sdngate_gate_rejection_total{reason=%q} %d\n", reason, snap.GateRejections[reason])
		}
		writeHeader(b, "sdngate_overlay_operation_total", "counter", "overlay allow/lock operations by outcome")
		for _, key := range SortedKeys(snap.OverlayOperations) {
			action, outcome := splitPair(key)
			fmt.Fprintf(b, "sdngate_overlay_operation_total{action=%q,outcome=%q} %d\n", action, outcome, snap.OverlayOperations[key])
		}
		writeHeader(b, "sdngate_upstream_response_total", "counter", "forwarded responses by status class")
		for _, class := range SortedKeys(snap.UpstreamStatus) {
			fmt.Fprintf(b, "sdngate_upstream_response_total{class=%q} %d\n", class, snap.UpstreamStatus[class])
		}
		writeHeader(b, "sdngate_gauge", "gauge", "operational gauge metrics")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "sdngate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}

		writeHeader(b, "sdngate_overlay_provision_latency_ms", "gauge", "overlay provisioning latency in ms")
		fmt.Fprintf(b, "sdngate_overlay_provision_latency_ms{stat=%q} %d\n", "last", snap.ProvisionLatencyMS.LastMS)
		fmt.Fprintf(b, "sdngate_overlay_provision_latency_ms{stat=%q} %.3f\n", "avg", snap.ProvisionLatencyMS.AvgMS)
		fmt.Fprintf(b, "sdngate_overlay_provision_latency_ms{stat=%q} %d\n", "max", snap.ProvisionLatencyMS.MaxMS)

		if len(snap.Histograms) > 0 {
			writeHeader(b, "sdngate_latency_seconds", "histogram", "latency histogram")
		}
		for _, h := range snap.Histograms {
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "sdngate_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "sdngate_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "sdngate_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "sdngate_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
