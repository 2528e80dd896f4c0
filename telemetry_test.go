package consignd

import (
	"context"
	"net/http"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:5000", otlpTarget{protocol: "grpc", endpoint: "collector:5000", insecure: true}},
		{"grpc://otel", otlpTarget{protocol: "grpc", endpoint: "otel:4317", insecure: true}},
		{"grpcs://otel:443", otlpTarget{protocol: "grpc", endpoint: "otel:443"}},
		{"http://otel/v1/traces/", otlpTarget{protocol: "http", endpoint: "otel:4318", path: "/v1/traces", insecure: true}},
		{"https://otel.example.com", otlpTarget{protocol: "http", endpoint: "otel.example.com:4318"}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("resolve %q: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("resolve %q = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
	for _, raw := range []string{"", "ftp://otel", "http://"} {
		if _, err := resolveOTLPTarget(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), telemetryConfig{}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if bundle != nil {
		t.Fatalf("expected nil bundle when nothing is configured")
	}
	if bundle.MetricsAddr() != nil {
		t.Fatalf("nil bundle should report no metrics address")
	}
	if err := bundle.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil bundle shutdown: %v", err)
	}
}

func TestSetupTelemetryProfilingNeedsMetrics(t *testing.T) {
	_, err := setupTelemetry(context.Background(), telemetryConfig{enableProfilingMetrics: true}, pslog.NoopLogger())
	if err == nil {
		t.Fatalf("expected error when profiling metrics are enabled without a metrics listener")
	}
}

func TestSetupTelemetryPprof(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), telemetryConfig{pprofListen: "127.0.0.1:0"}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bundle.Shutdown(ctx)
	})
	if bundle.MetricsAddr() != nil {
		t.Fatalf("metrics should be disabled")
	}
	resp, err := http.Get("http://" + bundle.pprofLn.Addr().String() + "/debug/pprof/")
	if err != nil {
		t.Fatalf("pprof request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected pprof status %d", resp.StatusCode)
	}
}
