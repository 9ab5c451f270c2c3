package notify

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/FairForge/pgwarden/internal/ha"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes notifications to a topic keyed by cluster, so the
// events of one cluster stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink builds a sink writing to cfg.Topic.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka: brokers and topic are required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  1,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}}, nil
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Send implements Sink.
func (s *KafkaSink) Send(ctx context.Context, body []byte, n ha.Notification, _ int) error {
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.Cluster),
		Value: body,
		Time:  n.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_kind", Value: []byte(n.EventKind)},
			{Key: "event_id", Value: []byte(n.ID)},
		},
	})
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error { return s.writer.Close() }
