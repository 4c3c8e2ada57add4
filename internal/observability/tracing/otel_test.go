package tracing

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := Init(context.Background(), DefaultConfig("prescription-api"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.tp != nil {
		t.Error("expected no sdk provider when disabled")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestProviderRecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	p, err := NewProvider(DefaultConfig("lifecycle-worker"), sdktrace.WithSpanProcessor(rec))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.Tracer("lifecycle").Start(context.Background(), "lifecycle.dispense")
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 || ended[0].Name() != "lifecycle.dispense" {
		t.Fatalf("ended spans = %v", ended)
	}
	var service string
	for _, kv := range ended[0].Resource().Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	if service != "lifecycle-worker" {
		t.Errorf("service.name = %q", service)
	}
}

func TestZeroSampleRateDropsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	cfg := DefaultConfig("rxctl")
	cfg.SampleRate = 0
	p, err := NewProvider(cfg, sdktrace.WithSpanProcessor(rec))
	if err != nil {
		t.Fatal(err)
	}
	_, span := p.Tracer("t").Start(context.Background(), "dropped")
	span.End()
	if n := len(rec.Ended()); n != 0 {
		t.Errorf("recorded %d spans", n)
	}
}
