package redpanda

import (
	"context"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
)

func TestDefaultTopicConfigs(t *testing.T) {
	configs := DefaultTopicConfigs(0)
	want := map[string]bool{
		TopicPrescriptionEvents:   true,
		TopicRegistrySyncRequests: true,
		TopicDeadLetter:           true,
	}
	if len(configs) != len(want) {
		t.Fatalf("got %d topics, want %d", len(configs), len(want))
	}
	for _, c := range configs {
		if !want[c.Name] {
			t.Errorf("unexpected topic %q", c.Name)
		}
		if c.ReplicationFactor != 1 || c.Partitions < 1 {
			t.Errorf("%s: partitions=%d replication=%d", c.Name, c.Partitions, c.ReplicationFactor)
		}
	}

	for _, c := range DefaultTopicConfigs(3) {
		if c.ReplicationFactor != 3 {
			t.Errorf("%s: replication=%d, want 3", c.Name, c.ReplicationFactor)
		}
	}
}

func TestTraceHeadersRoundTrip(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Topic: TopicRegistrySyncRequests}
	injectTraceHeaders(ctx, record)

	carrier := headerCarrier{record: record}
	if got := carrier.Get("traceparent"); got != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Fatalf("traceparent = %q", got)
	}

	extracted := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	if extracted.TraceID() != traceID || !extracted.IsRemote() {
		t.Errorf("extracted span context = %+v", extracted)
	}
}

func TestHeaderCarrierSetReplaces(t *testing.T) {
	record := &kgo.Record{}
	c := headerCarrier{record: record}
	c.Set("k", "a")
	c.Set("k", "b")
	if len(record.Headers) != 1 || c.Get("k") != "b" {
		t.Errorf("headers = %+v", record.Headers)
	}
	if keys := c.Keys(); len(keys) != 1 || keys[0] != "k" {
		t.Errorf("keys = %v", keys)
	}
}
