package consumer

import (
	"context"
	"io"
	"sync"

	"github.com/hive-corporation/threshold-gate/internal/core/domain"
)

// Decode parses a raw notification payload
func Decode(data []byte) domain.Notification {
	return domain.ParseNotification(data)
}

// ChanSource serves notifications from a channel. Closing the channel ends
// the subscription with io.EOF. It backs local replays and tests.
type ChanSource struct {
	ch        <-chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// NewChanSource wraps ch
func NewChanSource(ch <-chan []byte) *ChanSource {
	return &ChanSource{ch: ch, done: make(chan struct{})}
}

// Next blocks until a payload arrives, ch is closed, or ctx is done
func (s *ChanSource) Next(ctx context.Context) (domain.Notification, error) {
	select {
	case <-ctx.Done():
		return domain.Notification{}, ctx.Err()
	case <-s.done:
		return domain.Notification{}, io.EOF
	case data, ok := <-s.ch:
		if !ok {
			return domain.Notification{}, io.EOF
		}
		return Decode(data), nil
	}
}

// Ack is a no-op; channel payloads are never redelivered
func (s *ChanSource) Ack(context.Context) error { return nil }

// Close ends the subscription
func (s *ChanSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
