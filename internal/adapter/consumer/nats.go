package consumer

import (
	"context"
	"errors"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/hive-corporation/threshold-gate/internal/core/domain"
	"github.com/hive-corporation/threshold-gate/internal/core/ports"
)

// NATSConfig holds the notification subject subscription settings.
// A non-empty Queue joins a queue group so replicas share the stream.
type NATSConfig struct {
	URL     string
	Subject string
	Queue   string
}

// NATSSource reads notifications from a synchronous NATS subscription
type NATSSource struct {
	conn *nats.Conn
	sub  *nats.Subscription
	log  zerolog.Logger
}

// NewNATSSource connects and subscribes
func NewNATSSource(cfg NATSConfig, log zerolog.Logger) (*NATSSource, error) {
	if cfg.URL == "" {
		return nil, domain.ConfigError("nats source", "url is required")
	}
	if cfg.Subject == "" {
		return nil, domain.ConfigError("nats source", "subject is required")
	}

	conn, err := nats.Connect(cfg.URL, nats.Name("threshold-gate"))
	if err != nil {
		return nil, domain.NewError(domain.KindTransport, "nats connect", err)
	}

	var sub *nats.Subscription
	if cfg.Queue != "" {
		sub, err = conn.QueueSubscribeSync(cfg.Subject, cfg.Queue)
	} else {
		sub, err = conn.SubscribeSync(cfg.Subject)
	}
	if err != nil {
		conn.Close()
		return nil, domain.NewError(domain.KindTransport, "nats subscribe", err)
	}

	log.Info().
		Str("url", conn.ConnectedUrlRedacted()).
		Str("subject", cfg.Subject).
		Str("queue", cfg.Queue).
		Msg("nats source subscribed")

	return &NATSSource{conn: conn, sub: sub, log: log}, nil
}

// NATSDialer returns a dialer that opens a fresh NATSSource
func NATSDialer(cfg NATSConfig, log zerolog.Logger) ports.SourceDialer {
	return func(ctx context.Context) (ports.NotificationSource, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewNATSSource(cfg, log)
	}
}

// Next blocks for the next message
func (s *NATSSource) Next(ctx context.Context) (domain.Notification, error) {
	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		return domain.Notification{}, mapNATSError(err)
	}
	return Decode(msg.Data), nil
}

// Ack is a no-op: core NATS subscriptions have no delivery acknowledgement
func (s *NATSSource) Ack(context.Context) error { return nil }

// Close unsubscribes and closes the connection
func (s *NATSSource) Close() error {
	if s.sub != nil && s.sub.IsValid() {
		if err := s.sub.Unsubscribe(); err != nil {
			s.log.Warn().Err(err).Msg("nats unsubscribe failed")
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}

// mapNATSError turns end-of-subscription conditions into io.EOF
func mapNATSError(err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrBadSubscription),
		errors.Is(err, nats.ErrConnectionDraining):
		return io.EOF
	default:
		return err
	}
}
