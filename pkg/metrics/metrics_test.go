package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncOutcome("success")
	r.IncOutcome("success")
	r.IncOutcome(" ")
	r.IncRejection("expired")
	r.AddApprovals("expired", 3)
	r.AddApprovals("approved", 0)
	r.SetGauge("approvals_pending", 2)
	r.SetGauge("", 9)
	r.ObserveUpstream("openai-chat", 120*time.Millisecond)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
	if !ok || ep.Count != 2 || ep.ErrorCount != 1 || ep.MaxMillis != 35 || ep.LastStatusCode != 503 {
		t.Fatalf("unexpected endpoint stat: %+v", ep)
	}
	if snap.Outcomes["success"] != 2 || len(snap.Outcomes) != 1 {
		t.Fatalf("unexpected outcomes: %v", snap.Outcomes)
	}
	if snap.Reasons["expired"] != 1 {
		t.Fatalf("unexpected rejections: %v", snap.Reasons)
	}
	if snap.Approvals["expired"] != 3 || len(snap.Approvals) != 1 {
		t.Fatalf("unexpected approvals: %v", snap.Approvals)
	}
	if snap.Gauges["approvals_pending"] != 2 || len(snap.Gauges) != 1 {
		t.Fatalf("unexpected gauges: %v", snap.Gauges)
	}
	if len(snap.Upstreams) != 1 || snap.Upstreams[0].Count != 1 {
		t.Fatalf("unexpected upstreams: %+v", snap.Upstreams)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected key order: %v", keys)
	}
}

func TestHandlers(t *testing.T) {
	r := NewRegistry()
	r.IncOutcome("forbidden")
	r.IncRejection("revoked")
	r.ObserveUpstream("github", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), `"gateway_outcomes"`) {
		t.Fatalf("unexpected json metrics: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`broker_gateway_requests_total{outcome="forbidden"} 1`,
		`broker_credential_rejections_total{reason="revoked"} 1`,
		`broker_upstream_latency_seconds_count{route="github"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("prometheus output missing %q:\n%s", want, body)
		}
	}
}

func TestMiddleware(t *testing.T) {
	r := NewRegistry()
	h := r.Middleware(func(*http.Request) string { return "/v1/things/{id}" })(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/things/42", nil))
	stat, ok := r.Snapshot().Endpoints["GET /v1/things/{id}"]
	if !ok || stat.LastStatusCode != http.StatusTeapot || stat.ErrorCount != 1 {
		t.Fatalf("unexpected middleware stat: %+v ok=%v", stat, ok)
	}

	plain := r.Middleware(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	plain.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if stat := r.Snapshot().Endpoints["GET /healthz"]; stat.LastStatusCode != http.StatusOK {
		t.Fatalf("default status must be 200, got %+v", stat)
	}
}

func TestMiddlewarePassesHijackThrough(t *testing.T) {
	reg := NewRegistry()
	h := reg.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "no hijack", http.StatusNotImplemented)
			return
		}
		conn, rw, err := hj.Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = rw.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: test\r\nConnection: Upgrade\r\n\r\n")
		_ = rw.Flush()
	}))
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/upgrade", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101 through recorder, got %d", resp.StatusCode)
	}
	if got := reg.Snapshot().Endpoints["GET /upgrade"]; got.LastStatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101 recorded, got %+v", got)
	}
}

func TestMiddlewareFlushes(t *testing.T) {
	reg := NewRegistry()
	h := reg.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("chunk\n"))
		w.(http.Flusher).Flush()
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if !rec.Flushed {
		t.Fatal("expected flush to reach the underlying writer")
	}
}
