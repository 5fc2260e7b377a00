package ports

import (
	"context"
	"time"

	"github.com/hive-corporation/threshold-gate/internal/core/domain"
)

// StateStore persists AlertTrack records keyed by alert uid.
// All methods must be safe for concurrent use, including across processes.
type StateStore interface {
	// Get returns the current record, or nil, nil when none exists.
	Get(ctx context.Context, alertUID string) (*domain.AlertTrack, error)

	// Upsert atomically writes a record. When expectedVersion is non-nil
	// it must equal the stored version (0 meaning "no record"), otherwise
	// domain.ErrStaleVersion is returned.
	Upsert(ctx context.Context, alertUID string, fields domain.TrackFields, expectedVersion *int64) (*domain.AlertTrack, error)

	// SweepOlderThan removes records whose LastTriggeredAt is strictly
	// before cutoff and returns how many were removed.
	SweepOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	Stats(ctx context.Context) (domain.StoreStats, error)
	Close() error
}

// AlertAPI retrieves alert details and event counts from the vendor API
type AlertAPI interface {
	FetchAlert(ctx context.Context, alertUID string) (*domain.Alert, error)

	// CountEvents fails open: any error yields 0.
	CountEvents(ctx context.Context, alertUID string, since time.Time) int

	Close() error
}

// NotificationSource is a pull-based stream of alert-updated notifications.
// Next blocks until a notification is available; io.EOF signals the end
// of the subscription.
//
// Ack marks the notification last returned by Next as finished. A
// notification that is never acknowledged may be redelivered to the next
// subscription; Close does not acknowledge it.
type NotificationSource interface {
	Next(ctx context.Context) (domain.Notification, error)
	Ack(ctx context.Context) error
	Close() error
}

// SourceDialer opens a fresh subscription
type SourceDialer func(ctx context.Context) (NotificationSource, error)

// Emitter forwards trigger events downstream
type Emitter interface {
	Emit(ctx context.Context, eventName string, payload domain.TriggerPayload) error
}

// Metrics is the counter and gauge surface of the gate
type Metrics interface {
	ThresholdCheck(triggered bool)
	Filtered(reason string)
	Forwarded(reason string)
	SetStateSize(n int)
}

// TriggerRepository keeps an audit trail of emitted triggers
type TriggerRepository interface {
	RecordTrigger(ctx context.Context, rec domain.TriggerRecord) error
	FindSince(ctx context.Context, since time.Time, limit int) ([]domain.TriggerRecord, error)
	FindByAlert(ctx context.Context, alertUID string, limit int) ([]domain.TriggerRecord, error)
}
