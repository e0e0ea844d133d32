package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/optvault/vault-engine/internal/metrics"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by event type.
// Writes are batched in the background; Publish only enqueues.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		Async:        true,
		Completion:   delivered,
	}
	return &KafkaPublisher{writer: w}
}

// Publish hands e to the writer. Delivery failures surface in delivered.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		slog.Warn("kafka event not encodable", "type", e.Type, "err", err)
		return
	}

	err = p.writer.WriteMessages(context.WithoutCancel(ctx), kafka.Message{
		Key:   []byte(e.Type),
		Value: value,
		Time:  e.Time,
	})
	if err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		slog.Error("kafka enqueue failed", "type", e.Type, "id", e.ID, "err", err)
	}
}

// delivered runs on the writer's goroutine once a batch is acknowledged or
// has failed.
func delivered(msgs []kafka.Message, err error) {
	if err != nil {
		metrics.EventsPublished.WithLabelValues("error").Add(float64(len(msgs)))
		for _, m := range msgs {
			slog.Error("kafka publish failed", "type", string(m.Key), "err", err)
		}
		return
	}
	metrics.EventsPublished.WithLabelValues("ok").Add(float64(len(msgs)))
}

// Close flushes pending batches and shuts down the Kafka writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
