package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/hive-corporation/threshold-gate/internal/core/domain"
)

// ErrEmitterClosed is returned by Emit after Close
var ErrEmitterClosed = errors.New("emitter is closed")

// KafkaWriter is the subset of *kafka.Writer used by KafkaEmitter
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEmitter publishes triggers to a topic keyed by alert uid, so all
// triggers of one alert land on the same partition in order.
type KafkaEmitter struct {
	writer KafkaWriter
	topic  string
	closed atomic.Bool
	log    zerolog.Logger
}

// NewKafkaEmitter creates a synchronous writer for topic
func NewKafkaEmitter(brokers []string, topic string, log zerolog.Logger) (*KafkaEmitter, error) {
	if len(brokers) == 0 {
		return nil, domain.ConfigError("kafka emitter", "at least one broker is required")
	}
	if topic == "" {
		return nil, domain.ConfigError("kafka emitter", "topic is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // Partition by alert uid
		BatchSize:    1,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		Async:        false, // Sync for reliability
	}

	return NewKafkaEmitterWithWriter(writer, topic, log), nil
}

// NewKafkaEmitterWithWriter wraps an existing writer
func NewKafkaEmitterWithWriter(writer KafkaWriter, topic string, log zerolog.Logger) *KafkaEmitter {
	return &KafkaEmitter{writer: writer, topic: topic, log: log}
}

// Emit publishes one event
func (k *KafkaEmitter) Emit(ctx context.Context, eventName string, payload domain.TriggerPayload) error {
	if k.closed.Load() {
		return ErrEmitterClosed
	}

	data, err := json.Marshal(Envelope{EventName: eventName, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to serialize trigger: %w", err)
	}

	tc := payload.TriggerContext
	msg := kafka.Message{
		Key:   []byte(payload.Source.UID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_name", Value: []byte(eventName)},
			{Key: "trigger_id", Value: []byte(tc.TriggerID)},
			{Key: "trigger_type", Value: []byte(tc.TriggerType)},
		},
		Time: tc.TriggeredAt,
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", k.topic, err)
	}

	k.log.Debug().
		Str("topic", k.topic).
		Str("alert_uid", payload.Source.UID).
		Str("trigger_id", tc.TriggerID).
		Msg("trigger published")
	return nil
}

// Close flushes and closes the writer
func (k *KafkaEmitter) Close() error {
	if k.closed.Swap(true) {
		return nil // Already closed
	}
	return k.writer.Close()
}
