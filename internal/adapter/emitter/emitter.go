package emitter

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/hive-corporation/threshold-gate/internal/core/domain"
	"github.com/hive-corporation/threshold-gate/internal/core/ports"
)

// Envelope is the wire shape of a downstream event
type Envelope struct {
	EventName string                `json:"event_name"`
	Payload   domain.TriggerPayload `json:"payload"`
}

// Multi fans an event out to every emitter. All emitters are attempted;
// failures are joined.
type Multi []ports.Emitter

// Emit forwards to each emitter in order
func (m Multi) Emit(ctx context.Context, eventName string, payload domain.TriggerPayload) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, eventName, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogEmitter writes triggers to the log. It is the fallback when no
// downstream transport is configured.
type LogEmitter struct {
	log zerolog.Logger
}

// NewLogEmitter creates a LogEmitter
func NewLogEmitter(log zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

// Emit logs the trigger at info level
func (l *LogEmitter) Emit(_ context.Context, eventName string, payload domain.TriggerPayload) error {
	tc := payload.TriggerContext
	l.log.Info().
		Str("event_name", eventName).
		Str("trigger_id", tc.TriggerID).
		Str("alert_uid", payload.Source.UID).
		Str("alert_short_id", payload.Source.ShortID).
		Str("rule_name", payload.Source.Rule.Name).
		Str("reason", tc.Reason).
		Int("new_events", tc.NewEvents).
		Int("previous_count", tc.PreviousCount).
		Int("current_count", tc.CurrentCount).
		Msg("alert threshold met")
	return nil
}
