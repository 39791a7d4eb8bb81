package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaPublisher produces events to <prefix>.<topic>, keyed so that all
// events for one voucher or beneficiary land on the same partition.
type KafkaPublisher struct {
	client *kgo.Client
	prefix string
	logger *slog.Logger
}

// KafkaOptions configures topic naming and bootstrap.
type KafkaOptions struct {
	Brokers     []string
	TopicPrefix string
	Partitions  int32
	Replication int16
}

// NewKafkaPublisher connects to the brokers and ensures every topic exists.
func NewKafkaPublisher(ctx context.Context, opts KafkaOptions, logger *slog.Logger) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(opts.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	p := &KafkaPublisher{client: client, prefix: opts.TopicPrefix, logger: logger}
	if err := p.ensureTopics(ctx, opts.Partitions, opts.Replication); err != nil {
		client.Close()
		return nil, err
	}
	return p, nil
}

func (p *KafkaPublisher) topicName(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

func (p *KafkaPublisher) ensureTopics(ctx context.Context, partitions int32, replication int16) error {
	if partitions <= 0 {
		partitions = 1
	}
	if replication <= 0 {
		replication = 1
	}
	admin := kadm.NewClient(p.client)

	names := make([]string, 0, len(Topics))
	for _, t := range Topics {
		names = append(names, p.topicName(t))
	}
	existing, err := admin.ListTopics(ctx, names...)
	if err != nil {
		return fmt.Errorf("list kafka topics: %w", err)
	}

	var missing []string
	for _, name := range names {
		if d, ok := existing[name]; !ok || d.Err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	resp, err := admin.CreateTopics(ctx, partitions, replication, nil, missing...)
	if err != nil {
		return fmt.Errorf("create kafka topics: %w", err)
	}
	for _, r := range resp.Sorted() {
		if r.Err != nil {
			return fmt.Errorf("create kafka topic %s: %w", r.Topic, r.Err)
		}
		p.logger.Info("created kafka topic", "topic", r.Topic, "partitions", partitions)
	}
	return nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	value, err := encode(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topicName(event.Topic),
		Key:   []byte(event.Key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce %s: %w", event.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}
