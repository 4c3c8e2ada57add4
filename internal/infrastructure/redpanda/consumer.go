package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeout is the group session timeout
	SessionTimeout time.Duration
	// StartOffset is "earliest" or "latest"
	StartOffset string
	// MaxAttempts bounds handler calls per record before it is skipped
	MaxAttempts int
	// RetryBackoff is the base delay between handler attempts
	RetryBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for the registry sync consumer
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "lifecycle-worker",
		Topics:         []string{TopicRegistrySyncRequests},
		SessionTimeout: 30 * time.Second,
		StartOffset:    "earliest",
		MaxAttempts:    3,
		RetryBackoff:   500 * time.Millisecond,
	}
}

// MessageHandler is called for each consumed message. A returned error is
// retried up to MaxAttempts; after that the record is skipped and committed.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is a consumed Kafka record
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Consumer reads records in a consumer group. Only records the handler has
// finished with are marked for commit.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	handler MessageHandler
	logger  *zap.Logger
	tracer  trace.Tracer

	processed atomic.Int64
	failed    atomic.Int64
}

// NewConsumer creates a consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	if cfg.StartOffset == "latest" {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
	}, nil
}

// Run polls until ctx is cancelled, then commits marked offsets and closes
// the client
func (c *Consumer) Run(ctx context.Context) error {
	defer c.close()

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, record := range p.Records {
				if ctx.Err() != nil {
					return
				}
				c.process(ctx, record)
			}
		})
	}
}

func (c *Consumer) process(ctx context.Context, record *kgo.Record) {
	ctx = extractTraceContext(ctx, record)
	ctx, span := c.tracer.Start(ctx, "redpanda.consume",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Timestamp: record.Timestamp,
	}
	var err error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if err = c.handler(ctx, msg); err == nil {
			break
		}
		c.logger.Warn("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < c.config.MaxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.config.RetryBackoff * time.Duration(attempt)):
			}
		}
	}
	if err != nil {
		c.failed.Add(1)
		span.RecordError(err)
		c.logger.Error("message skipped after retries",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
	} else {
		c.processed.Add(1)
	}

	c.client.MarkCommitRecords(record)
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("offset commit failed", zap.Int64("offset", record.Offset), zap.Error(err))
	}
}

func (c *Consumer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("commit on shutdown failed", zap.Error(err))
	}
	c.client.Close()
}

// ConsumerStats holds consumer counters
type ConsumerStats struct {
	Processed int64
	Failed    int64
}

// Stats returns consumer counters
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{Processed: c.processed.Load(), Failed: c.failed.Load()}
}
