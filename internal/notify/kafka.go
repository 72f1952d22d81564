// Package notify publishes ingestion notifications to an observer topic.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/segmentio/kafka-go"
)

// PublishTimeout bounds a single notification so a slow broker cannot stall a record.
const PublishTimeout = 5 * time.Second

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes one JSON message per notification, keyed by subject.
type Kafka struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
	now    func() time.Time
}

// NewKafka creates a notifier writing to topic on the given brokers.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka notifier needs brokers and a topic")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		MaxAttempts:            2,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}
	return newKafka(w, topic), nil
}

func newKafka(w messageWriter, topic string) *Kafka {
	return &Kafka{
		writer: w,
		topic:  topic,
		logger: slog.Default().With("component", "kafka-notifier", "topic", topic),
		now:    time.Now,
	}
}

// Notify publishes subject and message. The returned error is informational:
// callers treat notification as best-effort.
func (k *Kafka) Notify(ctx context.Context, subject, message string) error {
	value, err := json.Marshal(models.NotificationMessage{
		Subject:     subject,
		Message:     message,
		PublishedAt: k.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(subject),
		Value: value,
		Headers: []kafka.Header{
			{Key: "subject", Value: []byte(subject)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing notification to %s: %w", k.topic, err)
	}
	k.logger.Debug("Notification published.", "subject", subject, "valueSize", len(value))
	return nil
}

// Close flushes pending writes and closes the underlying writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
