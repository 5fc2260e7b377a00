package domain

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Trigger reasons
const (
	ReasonFirstOccurrence = "first_occurrence"
	ReasonVolume          = "volume_threshold"
	ReasonTime            = "time_threshold"
	ReasonNoNewEvents     = "no_new_events"
	ReasonNoThresholdMet  = "no_threshold_met"
)

const (
	// TriggerType tags every downstream trigger emitted by the gate
	TriggerType = "alert_events_threshold"
	// EventAlertThresholdMet is the downstream event name
	EventAlertThresholdMet = "alert_threshold_met"
)

// ThresholdConfig holds the gate's decision parameters. It is built once
// at startup and never mutated afterwards.
type ThresholdConfig struct {
	RuleFilter            string   `yaml:"rule_filter" json:"rule_filter,omitempty"`
	RuleNamesFilter       []string `yaml:"rule_names_filter" json:"rule_names_filter,omitempty"`
	EventCountThreshold   int      `yaml:"event_count_threshold" json:"event_count_threshold"`
	TimeWindowHours       int      `yaml:"time_window_hours" json:"time_window_hours"`
	EnableVolumeThreshold bool     `yaml:"enable_volume_threshold" json:"enable_volume_threshold"`
	EnableTimeThreshold   bool     `yaml:"enable_time_threshold" json:"enable_time_threshold"`
	CheckIntervalSeconds  int      `yaml:"check_interval_seconds" json:"check_interval_seconds"`
	StateCleanupDays      int      `yaml:"state_cleanup_days" json:"state_cleanup_days"`
}

// DefaultThresholdConfig returns the documented defaults
func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		EventCountThreshold:   100,
		TimeWindowHours:       1,
		EnableVolumeThreshold: true,
		EnableTimeThreshold:   true,
		CheckIntervalSeconds:  60,
		StateCleanupDays:      30,
	}
}

// Validate enforces the option constraints
func (c ThresholdConfig) Validate() error {
	const op = "threshold config"

	if c.RuleFilter != "" && len(c.RuleNamesFilter) > 0 {
		return ConfigError(op, "rule_filter and rule_names_filter are mutually exclusive")
	}
	if c.EventCountThreshold < 1 {
		return ConfigError(op, "event_count_threshold must be >= 1, got %d", c.EventCountThreshold)
	}
	if c.TimeWindowHours < 1 || c.TimeWindowHours > 168 {
		return ConfigError(op, "time_window_hours must be within 1-168, got %d", c.TimeWindowHours)
	}
	if !c.EnableVolumeThreshold && !c.EnableTimeThreshold {
		return ConfigError(op, "at least one of enable_volume_threshold or enable_time_threshold must be true")
	}
	if c.CheckIntervalSeconds < 10 || c.CheckIntervalSeconds > 3600 {
		return ConfigError(op, "check_interval_seconds must be within 10-3600, got %d", c.CheckIntervalSeconds)
	}
	if c.StateCleanupDays < 1 || c.StateCleanupDays > 365 {
		return ConfigError(op, "state_cleanup_days must be within 1-365, got %d", c.StateCleanupDays)
	}
	if c.StateCleanupDays*24 < c.TimeWindowHours {
		return ConfigError(op, "state_cleanup_days (%d) must cover time_window_hours (%d)", c.StateCleanupDays, c.TimeWindowHours)
	}
	return nil
}

// CheckInterval is CheckIntervalSeconds as a duration
func (c ThresholdConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// CleanupAge is the inactivity age after which a record is swept
func (c ThresholdConfig) CleanupAge() time.Duration {
	return time.Duration(c.StateCleanupDays) * 24 * time.Hour
}

// TriggerContext explains a threshold decision. TriggeredAt, TriggerType
// and TriggerID are filled in by the gate when the trigger is emitted.
type TriggerContext struct {
	TriggerID       string    `json:"trigger_id,omitempty"`
	TriggeredAt     time.Time `json:"triggered_at"`
	TriggerType     string    `json:"trigger_type,omitempty"`
	Reason          string    `json:"reason"`
	NewEvents       int       `json:"new_events"`
	PreviousCount   int       `json:"previous_count"`
	CurrentCount    int       `json:"current_count"`
	TimeWindowHours *int      `json:"time_window_hours,omitempty"`
}

// Decision is the outcome of Evaluate
type Decision struct {
	Trigger bool
	Context TriggerContext
}

// EventCounter returns the number of events attached to an alert since
// the given instant. Implementations must fail open and return 0 on error.
type EventCounter func(ctx context.Context, alertUID string, since time.Time) int

// Evaluate decides whether an alert update warrants a trigger. It never
// mutates prior and calls counter at most once, only when the time
// predicate is enabled and there are new events.
func Evaluate(ctx context.Context, alert Alert, prior *AlertTrack, cfg ThresholdConfig, counter EventCounter, now time.Time) Decision {
	current := alert.EventsCount

	if prior == nil {
		return Decision{
			Trigger: true,
			Context: TriggerContext{
				Reason:       ReasonFirstOccurrence,
				NewEvents:    current,
				CurrentCount: current,
			},
		}
	}

	previous := prior.LastTriggeredEventCount
	newEvents := current - previous
	result := TriggerContext{
		NewEvents:     newEvents,
		PreviousCount: previous,
		CurrentCount:  current,
	}

	if newEvents <= 0 {
		result.Reason = ReasonNoNewEvents
		return Decision{Context: result}
	}

	var met []string

	if cfg.EnableVolumeThreshold && newEvents >= cfg.EventCountThreshold {
		met = append(met, ReasonVolume)
	}

	if cfg.EnableTimeThreshold {
		hours := cfg.TimeWindowHours
		result.TimeWindowHours = &hours

		since := now.Add(-time.Duration(hours) * time.Hour)
		if counter != nil && counter(ctx, alert.UID, since) > 0 {
			met = append(met, ReasonTime)
		}
	}

	if len(met) == 0 {
		result.Reason = ReasonNoThresholdMet
		return Decision{Context: result}
	}

	result.Reason = strings.Join(met, ",")
	return Decision{Trigger: true, Context: result}
}

// TriggerPayload is the body of the downstream alert_threshold_met event
type TriggerPayload struct {
	Alert          json.RawMessage `json:"alert"`
	TriggerContext TriggerContext  `json:"trigger_context"`

	// Source is the decoded alert the payload was built from
	Source Alert `json:"-"`
}

// NewTriggerPayload forwards the raw alert document when available
func NewTriggerPayload(alert Alert, tc TriggerContext) TriggerPayload {
	body := alert.Raw
	if len(body) == 0 {
		body, _ = json.Marshal(alert)
	}
	return TriggerPayload{Alert: body, TriggerContext: tc, Source: alert}
}
