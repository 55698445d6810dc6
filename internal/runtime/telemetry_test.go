package runtime

import (
	"context"
	"testing"

	"github.com/loqalabs/loqa-interpreter/internal/config"
)

func TestResourceAttributesDescribeInterpreter(t *testing.T) {
	cfg := config.Default()
	cfg.RuntimeName = "trade-desk"
	cfg.Interpreter.DefaultLanguage = "sr-RS"
	cfg.Interpreter.DefaultCurrency = "rsd"

	got := make(map[string]string)
	for _, kv := range resourceAttributes(cfg) {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	want := map[string]string{
		"service.name":                 "trade-desk",
		"deployment.environment":       "development",
		"interpreter.default_language": "sr-RS",
		"interpreter.default_currency": "RSD",
		"interpreter.translation_mode": "mock",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("attribute %s = %q, want %q", k, got[k], v)
		}
	}
}

func TestStdoutTracesAreOptIn(t *testing.T) {
	cfg := config.Default()
	if kind := selectTraceExporter(cfg); kind != exporterNone {
		t.Fatalf("expected no trace exporter by default, got %s", kind)
	}
	cfg.Telemetry.StdoutTraces = true
	if kind := selectTraceExporter(cfg); kind != exporterStdout {
		t.Fatalf("expected stdout exporter when enabled, got %s", kind)
	}
	cfg.Telemetry.OTLPEndpoint = "collector:4317"
	if kind := selectTraceExporter(cfg); kind != exporterOTLP {
		t.Fatalf("expected otlp to take precedence, got %s", kind)
	}
}

func TestSetupTelemetryWithoutExporter(t *testing.T) {
	shutdown, _, err := setupTelemetry(config.Default(), testLogger())
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
