// Package redpanda streams lifecycle events and registry sync requests over
// Kafka-compatible brokers using franz-go.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlife/internal/domain/prescription"
)

// ProducerConfig holds configuration for the producer
type ProducerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// LingerMS is the time to wait before sending a batch
	LingerMS int64
	// Compression is the batch codec: lz4, snappy, gzip, zstd or none
	Compression string
	// RequiredAcks is -1 for all in-sync replicas, 1 for leader, 0 for none
	RequiredAcks int16
	// MaxRetries is the number of retries for a failed record
	MaxRetries int
	// RetryBackoffMS is the base backoff between retries
	RetryBackoffMS int64
}

// DefaultProducerConfig returns durable defaults. Audit events are low
// volume, so latency wins over batching.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:        []string{"localhost:9092"},
		LingerMS:       5,
		Compression:    "lz4",
		RequiredAcks:   -1,
		MaxRetries:     5,
		RetryBackoffMS: 100,
	}
}

// Producer writes records to the brokers
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	sent   atomic.Int64
	failed atomic.Int64
}

// NewProducer creates a producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(time.Duration(cfg.LingerMS) * time.Millisecond),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return time.Duration(cfg.RetryBackoffMS) * time.Millisecond * time.Duration(attempt+1)
		}),
	}

	switch cfg.RequiredAcks {
	case 0:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}

	switch cfg.Compression {
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// Publish writes one record and waits for the broker acknowledgement
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "redpanda.publish",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("key", key),
			attribute.Int("value_size", len(value)),
		))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	injectTraceHeaders(ctx, record)

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	p.sent.Add(1)
	p.logger.Debug("record produced",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	return nil
}

// publishAsync buffers a record; failures are reported to onErr
func (p *Producer) publishAsync(ctx context.Context, topic, key string, value []byte, onErr func(error)) {
	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	injectTraceHeaders(ctx, record)
	p.client.Produce(context.WithoutCancel(ctx), record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.failed.Add(1)
			onErr(err)
			return
		}
		p.sent.Add(1)
	})
}

// SyncRequest asks the lifecycle worker to submit a prescription to the registry
type SyncRequest struct {
	RequestID      string    `json:"request_id"`
	PrescriptionID string    `json:"prescription_id"`
	RequestedBy    string    `json:"requested_by,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
}

// RequestSync enqueues a registry sync request keyed by prescription id
func (p *Producer) RequestSync(ctx context.Context, prescriptionID, requestedBy string) (string, error) {
	req := SyncRequest{
		RequestID:      uuid.New().String(),
		PrescriptionID: prescriptionID,
		RequestedBy:    requestedBy,
		RequestedAt:    time.Now().UTC(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	if err := p.Publish(ctx, TopicRegistrySyncRequests, prescriptionID, body); err != nil {
		return "", err
	}
	return req.RequestID, nil
}

// Flush blocks until buffered records are sent
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Close flushes and closes the producer
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("flush on close failed", zap.Error(err))
	}
	p.client.Close()
}

// ProducerStats holds producer counters
type ProducerStats struct {
	MessagesSent int64
	ErrorCount   int64
}

// Stats returns producer counters
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{MessagesSent: p.sent.Load(), ErrorCount: p.failed.Load()}
}

// EventSink publishes audit events straight to a topic without the outbox.
// Delivery is asynchronous; failures are logged.
type EventSink struct {
	producer *Producer
	topic    string
	logger   *zap.Logger
}

// NewEventSink creates a direct Kafka audit sink
func NewEventSink(producer *Producer, topic string, logger *zap.Logger) *EventSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventSink{producer: producer, topic: topic, logger: logger}
}

// Record publishes the event keyed by prescription id
func (s *EventSink) Record(ctx context.Context, event *prescription.Event) {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("encode audit event", zap.String("event_id", event.ID), zap.Error(err))
		return
	}
	s.producer.publishAsync(ctx, s.topic, event.AggregateID, body, func(err error) {
		s.logger.Error("audit event not delivered",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.EventType)),
			zap.Error(err))
	})
}
