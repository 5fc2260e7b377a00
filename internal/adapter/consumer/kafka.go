package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/hive-corporation/threshold-gate/internal/core/domain"
	"github.com/hive-corporation/threshold-gate/internal/core/ports"
)

// KafkaConfig holds the notification topic subscription settings
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Validate checks the subscription settings
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return domain.ConfigError("kafka source", "at least one broker is required")
	}
	if c.Topic == "" {
		return domain.ConfigError("kafka source", "topic is required")
	}
	if c.GroupID == "" {
		return domain.ConfigError("kafka source", "group id is required")
	}
	return nil
}

// KafkaReader is the subset of *kafka.Reader used by KafkaSource
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource reads notifications from a consumer group. The offset of a
// notification is committed by Ack, once the gate has finished with it.
// An unacknowledged notification is left for the next group member.
type KafkaSource struct {
	reader  KafkaReader
	pending *kafka.Message
	closed  atomic.Bool
	log     zerolog.Logger
}

// NewKafkaSource joins the consumer group
func NewKafkaSource(cfg KafkaConfig, log zerolog.Logger) (*KafkaSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: 0, // Synchronous commits
		StartOffset:    kafka.FirstOffset,
	})

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Str("group_id", cfg.GroupID).
		Msg("kafka source subscribed")

	return NewKafkaSourceWithReader(reader, log), nil
}

// NewKafkaSourceWithReader wraps an existing reader
func NewKafkaSourceWithReader(reader KafkaReader, log zerolog.Logger) *KafkaSource {
	return &KafkaSource{reader: reader, log: log}
}

// KafkaDialer returns a dialer that opens a fresh KafkaSource
func KafkaDialer(cfg KafkaConfig, log zerolog.Logger) ports.SourceDialer {
	return func(ctx context.Context) (ports.NotificationSource, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewKafkaSource(cfg, log)
	}
}

// Next blocks for the next notification
func (s *KafkaSource) Next(ctx context.Context) (domain.Notification, error) {
	if s.closed.Load() {
		return domain.Notification{}, io.EOF
	}

	if s.pending != nil {
		// a later commit covers this offset too
		s.log.Debug().
			Int("partition", s.pending.Partition).
			Int64("offset", s.pending.Offset).
			Msg("previous notification was not acknowledged")
		s.pending = nil
	}

	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			return domain.Notification{}, io.EOF
		}
		return domain.Notification{}, err
	}
	s.pending = &msg

	n := Decode(msg.Value)
	s.log.Debug().
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Str("alert_uid", n.AlertUID).
		Msg("notification received")
	return n, nil
}

// Ack commits the offset of the last notification returned by Next
func (s *KafkaSource) Ack(ctx context.Context) error {
	if s.pending == nil {
		return nil
	}
	if err := s.reader.CommitMessages(ctx, *s.pending); err != nil {
		return fmt.Errorf("commit offset %d: %w", s.pending.Offset, err)
	}
	s.pending = nil
	return nil
}

// Close leaves the group. An unacknowledged notification is not committed.
func (s *KafkaSource) Close() error {
	if s.closed.Swap(true) {
		return nil // Already closed
	}

	if s.pending != nil {
		s.log.Info().
			Int("partition", s.pending.Partition).
			Int64("offset", s.pending.Offset).
			Msg("leaving unfinished notification for redelivery")
		s.pending = nil
	}

	return s.reader.Close()
}
