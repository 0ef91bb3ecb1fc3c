package telemetry

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

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

	if got := sampleDecision(parseSampler("always_off", "")); got != sdktrace.Drop {
		t.Fatalf("always_off must drop, got %v", got)
	}
	if got := sampleDecision(parseSampler("always_on", "")); got != sdktrace.RecordAndSample {
		t.Fatalf("always_on must sample, got %v", got)
	}
	if got := sampleDecision(parseSampler("traceidratio", "2")); got != sdktrace.RecordAndSample {
		t.Fatalf("ratio should clamp to 1 and sample, got %v", got)
	}
	if got := sampleDecision(parseSampler("traceidratio", "-1")); got != sdktrace.Drop {
		t.Fatalf("ratio should clamp to 0 and drop, got %v", got)
	}
	if got := sampleDecision(parseSampler("", "")); got != sdktrace.RecordAndSample {
		t.Fatalf("default sampler should sample at ratio 1, got %v", got)
	}
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	headers := parseHeaders("k1=v1, k2 = v2,broken, =bad")
	if len(headers) != 2 || headers["k1"] != "v1" || headers["k2"] != "v2" {
		t.Fatalf("unexpected headers: %#v", headers)
	}
	if got := parseHeaders("  "); got != nil {
		t.Fatalf("expected nil for blank header string, got %v", got)
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("TELEMETRY_TEST_INT", "42")
	if got := envInt("TELEMETRY_TEST_INT", 1); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("TELEMETRY_TEST_INT", "bad")
	if got := envInt("TELEMETRY_TEST_INT", 7); got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}
}

func TestInitWithoutExporter(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_REQUIRED", "false")
	shutdown, err := Init(context.Background(), "")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitRequiredExporterFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host := ln.Addr().String()
	_ = ln.Close()

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://"+host)
	t.Setenv("OTEL_REQUIRED", "true")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Init(ctx, "coordinatord-test"); err == nil {
		t.Fatal("required=true must surface exporter init failure")
	}

	t.Setenv("OTEL_REQUIRED", "false")
	shutdown, err := Init(ctx, "coordinatord-test")
	if err != nil {
		t.Fatalf("required=false should fall back, got %v", err)
	}
	_ = shutdown(context.Background())
}

func TestInstrumentClient(t *testing.T) {
	client := InstrumentClient(nil)
	if client == nil || client.Transport == nil {
		t.Fatal("expected instrumented client with transport")
	}
	existing := &http.Client{Transport: http.DefaultTransport}
	if got := InstrumentClient(existing); got != existing {
		t.Fatal("expected same client back")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	handler := HTTPMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}
