package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// DefaultTopic receives trust audit events.
const DefaultTopic = "trust.audit.events"

// Passing these to EnsureTopic leaves partition count and replication to the broker.
const (
	BrokerDefaultPartitions  int32 = -1
	BrokerDefaultReplication int16 = -1
)

// Publisher delivers one entry to the broker.
type Publisher interface {
	Publish(ctx context.Context, e *Entry) error
	Close()
}

// KafkaConfig configures the franz-go producer.
type KafkaConfig struct {
	Brokers         string // comma-separated seed brokers
	Topic           string
	Retries         int
	DeliveryTimeout time.Duration
}

// KafkaPublisher publishes entries synchronously with all-ISR acks.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafkaPublisher connects a producer to cfg.Brokers.
func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	brokers := splitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 5
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(retries),
		kgo.ProducerLinger(5 * time.Millisecond),
		kgo.DefaultProduceTopic(topic),
		kgo.AllowAutoTopicCreation(),
	}
	if cfg.DeliveryTimeout > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &KafkaPublisher{client: client, topic: topic, logger: logger}, nil
}

// Publish sends e keyed by its aggregate ID so one account's events stay ordered.
func (k *KafkaPublisher) Publish(ctx context.Context, e *Entry) error {
	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(e.AggregateID),
		Value: e.Payload,
		Headers: []kgo.RecordHeader{
			{Key: "entry_id", Value: []byte(e.ID.String())},
			{Key: "aggregate_type", Value: []byte(e.AggregateType)},
			{Key: "event_type", Value: []byte(e.EventType)},
		},
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

// EnsureTopic creates the topic if it does not exist yet.
func (k *KafkaPublisher) EnsureTopic(ctx context.Context, partitions int32, replication int16) error {
	adm := kadm.NewClient(k.client)
	resp, err := adm.CreateTopics(ctx, partitions, replication, nil, k.topic)
	if err != nil {
		return fmt.Errorf("create topic: %w", err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// Ping checks broker connectivity.
func (k *KafkaPublisher) Ping(ctx context.Context) error {
	return k.client.Ping(ctx)
}

// Close flushes buffered records and closes the client.
func (k *KafkaPublisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.client.Flush(ctx); err != nil {
		k.logger.Warn("kafka flush on close failed", "error", err)
	}
	k.client.Close()
}

// NoopPublisher accepts and discards every entry; used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, *Entry) error { return nil }
func (NoopPublisher) Close()                                {}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
