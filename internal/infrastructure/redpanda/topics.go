package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names used by the lifecycle engine
const (
	TopicPrescriptionEvents   = "prescription.events"
	TopicRegistrySyncRequests = "registry.sync.requests"
	TopicDeadLetter           = "dead.letter"
)

// TopicConfig describes a topic to create
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topics the engine needs. Replication is 1
// for single-broker development clusters; pass a higher factor in production.
func DefaultTopicConfigs(replication int16) []TopicConfig {
	if replication <= 0 {
		replication = 1
	}
	ptr := func(s string) *string { return &s }

	return []TopicConfig{
		{
			// audit events are kept for regulatory review
			Name:              TopicPrescriptionEvents,
			Partitions:        6,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":     ptr("-1"),
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              TopicRegistrySyncRequests,
			Partitions:        3,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":   ptr("86400000"), // 1 day
				"cleanup.policy": ptr("delete"),
			},
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        1,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms": ptr("2592000000"), // 30 days
			},
		},
	}
}

// Admin wraps kadm for topic management
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// TopicResult reports what EnsureTopics did for one topic
type TopicResult struct {
	Name       string
	Partitions int32
	Created    bool
}

// EnsureTopics creates each topic that does not already exist
func (a *Admin) EnsureTopics(ctx context.Context, configs []TopicConfig) ([]TopicResult, error) {
	results := make([]TopicResult, 0, len(configs))
	for _, cfg := range configs {
		resp, err := a.client.CreateTopic(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err == nil {
			err = resp.Err
		}
		switch {
		case err == nil:
			a.logger.Info("topic created", zap.String("topic", cfg.Name), zap.Int32("partitions", cfg.Partitions))
			results = append(results, TopicResult{Name: cfg.Name, Partitions: cfg.Partitions, Created: true})
		case errors.Is(err, kerr.TopicAlreadyExists):
			a.logger.Debug("topic exists", zap.String("topic", cfg.Name))
			results = append(results, TopicResult{Name: cfg.Name, Partitions: cfg.Partitions})
		default:
			return results, fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}
	}
	return results, nil
}

// ListTopics returns topic names, sorted
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	names := topics.Names()
	sort.Strings(names)
	return names, nil
}

// GroupLag returns per-topic total lag for a consumer group
func (a *Admin) GroupLag(ctx context.Context, groupID string) (map[string]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("describe group lag: %w", err)
	}
	out := make(map[string]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for _, p := range partitions {
				out[topic] += p.Lag
			}
		}
	})
	return out, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck pings the brokers
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping brokers: %w", err)
	}
	return nil
}
