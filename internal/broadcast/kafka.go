package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the kafka-go writer call used by the mirror.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaMirror copies every progress event to a Kafka topic for downstream
// consumers. Messages are keyed by document id so one document's events
// stay ordered within a partition.
type KafkaMirror struct {
	writer MessageWriter
	logger *slog.Logger
}

// NewKafkaWriter builds the writer used in production. Writes are async:
// delivery failures are logged by the completion callback.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	logger := slog.Default().With("component", "broadcast.kafka")
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka mirror delivery failed", "messages", len(msgs), "topic", topic, "error", err)
			}
		},
	}
}

// NewKafkaMirror creates a KafkaMirror over w.
func NewKafkaMirror(w MessageWriter) *KafkaMirror {
	return &KafkaMirror{writer: w, logger: slog.Default().With("component", "broadcast.kafka")}
}

func (m *KafkaMirror) Publish(ctx context.Context, e Event) error {
	msg, err := eventMessage(e)
	if err != nil {
		return err
	}
	if err := m.writer.WriteMessages(ctx, msg); err != nil {
		m.logger.Warn("kafka mirror write failed", "document", e.DocumentID, "error", err)
		return fmt.Errorf("writing event to kafka: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (m *KafkaMirror) Close() error {
	return m.writer.Close()
}

func eventMessage(e Event) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encoding event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(e.DocumentID),
		Value: value,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "stage", Value: []byte(e.Stage)},
			{Key: "status", Value: []byte(e.Status)},
		},
	}, nil
}
