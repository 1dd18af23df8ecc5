package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func sampleDecision(s sdktrace.Sampler) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       oteltrace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Name:          "telemetry-test",
	}).Decision
}

func TestParseSampler(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, arg string
		want      sdktrace.SamplingDecision
	}{
		{"always_off", "", sdktrace.Drop},
		{"always_on", "", sdktrace.RecordAndSample},
		{"traceidratio", "2", sdktrace.RecordAndSample},
		{"traceidratio", "-1", sdktrace.Drop},
		{"parentbased", "0", sdktrace.Drop},
		{"unknown", "", sdktrace.RecordAndSample},
	}
	for _, tc := range cases {
		if got := sampleDecision(parseSampler(tc.name, tc.arg)); got != tc.want {
			t.Fatalf("parseSampler(%q,%q) decision %v want %v", tc.name, tc.arg, got, tc.want)
		}
	}
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	headers := parseHeaders("k1=v1, k2 = v2,broken, , =bad")
	if len(headers) != 2 || headers["k1"] != "v1" || headers["k2"] != "v2" {
		t.Fatalf("unexpected headers %#v", headers)
	}
	if got := parseHeaders("   "); got != nil {
		t.Fatalf("expected nil for empty header string, got %v", got)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", " collector:4318 ")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-team=keys")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "bad")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_REQUIRED", "")
	cfg := FromEnv("broker")
	if cfg.Endpoint != "collector:4318" || cfg.Headers["x-team"] != "keys" || !cfg.Insecure || cfg.Required {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Timeout != 5*time.Second {
		t.Fatalf("expected default timeout, got %v", cfg.Timeout)
	}
	if cfg.Sampler == nil {
		t.Fatal("expected sampler")
	}
}

func TestInitWithoutExporterAndInstrumentClient(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "telemetry-test"})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	client := InstrumentClient(nil)
	if client == nil || client.Transport == nil || client.Timeout != 30*time.Second {
		t.Fatalf("unexpected default client %+v", client)
	}
	existing := &http.Client{Transport: http.DefaultTransport}
	if InstrumentClient(existing) != existing {
		t.Fatal("expected instrumentation to mutate and return same client")
	}
	if Tracer("gateway") == nil {
		t.Fatal("expected tracer")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	for _, name := range []string{"gateway", "   "} {
		handler := HTTPMiddleware(name)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", rr.Code)
		}
	}
	if serviceName(" ") != defaultServiceName {
		t.Fatal("blank service name must use the default")
	}
}

func TestInitExporterRequiredVsOptional(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	shutdown, err := Init(ctx, Config{ServiceName: "optional", Endpoint: "localhost:4318"})
	if err != nil {
		t.Fatalf("optional exporter should fall back without error, got %v", err)
	}
	_ = shutdown(context.Background())

	if _, err := Init(ctx, Config{ServiceName: "required", Endpoint: "localhost:4318", Required: true}); err == nil {
		t.Fatal("required exporter must return its init error")
	}
}

func TestInitExporterSuccess(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/traces") {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()
	u, err := url.Parse(collector.URL)
	if err != nil {
		t.Fatalf("parse collector url: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdown, err := Init(ctx, Config{
		Endpoint: u.Host,
		Headers:  map[string]string{"x-test": "1"},
		Insecure: true,
		Timeout:  time.Second,
		Required: true,
	})
	if err != nil {
		t.Fatalf("expected exporter init success, got %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestNewExporterFeedsBatcher(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	exporter, err := newExporter(ctx, Config{Endpoint: "127.0.0.1:4318", Insecure: true})
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	if err := tp.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
