package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/YaganovValera/dune-sync/pkg/logger"
)

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"no endpoint", Config{ServiceName: "dune-sync"}, true},
		{"no service", Config{Endpoint: "otel:4317"}, true},
		{"sampler above one", Config{Endpoint: "otel:4317", ServiceName: "dune-sync", SamplerRatio: 1.5}, true},
		{"ok", Config{Endpoint: "otel:4317", ServiceName: "dune-sync", SamplerRatio: 0.25}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.validate(); (err != nil) != tc.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	if cfg.Timeout != 5*time.Second || cfg.ReconnectPeriod != 5*time.Second || cfg.SamplerRatio != 1 {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestInitTracer_DisabledIsNoop(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{Endpoint: ""}, logger.NewNop())
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestInitTracer_EnabledRequiresEndpoint(t *testing.T) {
	if _, err := InitTracer(context.Background(), Config{Enabled: true, ServiceName: "x"}, logger.NewNop()); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}

func TestProvider_RecordsResourceAttributes(t *testing.T) {
	res, err := newResource(Config{ServiceName: "dune-sync", ServiceVersion: "v1.2.3", Mode: "run"})
	if err != nil {
		t.Fatalf("newResource() error = %v", err)
	}
	exp := tracetest.NewInMemoryExporter()
	tp := newProvider(sdktrace.NewSimpleSpanProcessor(exp), res, 1)

	_, span := tp.Tracer("test").Start(context.Background(), "Runner.Run")
	span.End()
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "Runner.Run" {
		t.Fatalf("spans = %+v", spans)
	}
	want := map[attribute.Key]string{
		"service.name":    "dune-sync",
		"service.version": "v1.2.3",
		"dune_sync.mode":  "run",
	}
	got := map[attribute.Key]string{}
	for _, kv := range spans[0].Resource.Attributes() {
		got[kv.Key] = kv.Value.Emit()
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("resource %s = %q, want %q", k, got[k], v)
		}
	}
}
