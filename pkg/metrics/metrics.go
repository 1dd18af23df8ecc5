// Package metrics keeps in-process counters for the broker and renders
// them as JSON or Prometheus text.
package metrics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu        sync.RWMutex
	endpoint  map[string]*EndpointStat
	outcome   map[string]int64
	reason    map[string]int64
	approval  map[string]int64
	gauges    map[string]float64
	upstreams *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Outcomes    map[string]int64        `json:"gateway_outcomes"`
	Reasons     map[string]int64        `json:"credential_rejections"`
	Approvals   map[string]int64        `json:"approval_transitions"`
	Gauges      map[string]float64      `json:"gauges"`
	Upstreams   []HistogramSnapshot     `json:"upstream_latency,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:  map[string]*EndpointStat{},
		outcome:   map[string]int64{},
		reason:    map[string]int64{},
		approval:  map[string]int64{},
		gauges:    map[string]float64{},
		upstreams: NewHistogramRegistry(),
	}
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

// IncOutcome counts one gateway request by its final outcome.
func (r *Registry) IncOutcome(outcome string) {
	inc(r, r.outcome, outcome)
}

// IncRejection counts a credential rejection by reason.
func (r *Registry) IncRejection(reason string) {
	inc(r, r.reason, reason)
}

// AddApprovals counts approval requests reaching status.
func (r *Registry) AddApprovals(status string, delta int64) {
	status = strings.TrimSpace(status)
	if status == "" || delta <= 0 {
		return
	}
	r.mu.Lock()
	r.approval[status] += delta
	r.mu.Unlock()
}

func (r *Registry) ObserveUpstream(route string, d time.Duration) {
	r.upstreams.ObserveDuration(route, d)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func inc(r *Registry, m map[string]int64, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:    copyCounts(r.outcome),
		Reasons:     copyCounts(r.reason),
		Approvals:   copyCounts(r.approval),
		Gauges:      make(map[string]float64, len(r.gauges)),
		Upstreams:   r.upstreams.Snapshots(),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Middleware records latency and status per route pattern.
func (r *Registry) Middleware(name func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, req)
			key := req.Method + " " + req.URL.Path
			if name != nil {
				if n := name(req); n != "" {
					key = req.Method + " " + n
				}
			}
			r.Observe(key, rec.status, time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Hijack is needed by websocket upgrades, which assert http.Hijacker on the
// writer directly.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(s.ResponseWriter).Hijack()
	if err == nil {
		s.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (s *statusRecorder) Flush() {
	_ = http.NewResponseController(s.ResponseWriter).Flush()
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

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP broker_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE broker_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "broker_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP broker_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE broker_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "broker_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP broker_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE broker_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "broker_endpoint_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}
		b.WriteString("# HELP broker_gateway_requests_total gateway requests by outcome\n")
		b.WriteString("# TYPE broker_gateway_requests_total counter\n")
		for _, k := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "broker_gateway_requests_total{outcome=%q} %d\n", k, snap.Outcomes[k])
		}
		b.WriteString("# HELP broker_credential_rejections_total credential rejections by reason\n")
		b.WriteString("# TYPE broker_credential_rejections_total counter\n")
		for _, k := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "broker_credential_rejections_total{reason=%q} %d\n", k, snap.Reasons[k])
		}
		b.WriteString("# HELP broker_approvals_total approval requests by resulting status\n")
		b.WriteString("# TYPE broker_approvals_total counter\n")
		for _, k := range SortedKeys(snap.Approvals) {
			fmt.Fprintf(b, "broker_approvals_total{status=%q} %d\n", k, snap.Approvals[k])
		}
		b.WriteString("# HELP broker_gauge operational gauge metrics\n")
		b.WriteString("# TYPE broker_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "broker_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		if len(snap.Upstreams) > 0 {
			b.WriteString("# HELP broker_upstream_latency_seconds upstream latency by route\n")
			b.WriteString("# TYPE broker_upstream_latency_seconds histogram\n")
		}
		for _, h := range snap.Upstreams {
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "broker_upstream_latency_seconds_bucket{route=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "broker_upstream_latency_seconds_bucket{route=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "broker_upstream_latency_seconds_sum{route=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "broker_upstream_latency_seconds_count{route=%q} %d\n", h.Name, h.Count)
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
