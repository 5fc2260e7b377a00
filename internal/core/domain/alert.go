package domain

import (
	"encoding/json"
	"time"
)

// Rule identifies the detection rule that raised an alert
type Rule struct {
	UID  string `json:"uuid"`
	Name string `json:"name"`
}

// Alert is the subset of the vendor alert document the gate relies on.
// Unknown fields are ignored; Raw keeps the full document so it can be
// forwarded downstream untouched.
type Alert struct {
	UID         string          `json:"uuid"`
	ShortID     string          `json:"short_id"`
	Rule        Rule            `json:"rule"`
	EventsCount int             `json:"events_count"`
	Raw         json.RawMessage `json:"-"`
}

// UnmarshalJSON accepts both "uuid" and "uid" as the alert identifier
func (a *Alert) UnmarshalJSON(data []byte) error {
	var wire struct {
		UUID    string `json:"uuid"`
		UID     string `json:"uid"`
		ShortID string `json:"short_id"`
		Rule    struct {
			UUID string `json:"uuid"`
			UID  string `json:"uid"`
			Name string `json:"name"`
		} `json:"rule"`
		EventsCount int `json:"events_count"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	a.UID = firstNonEmpty(wire.UUID, wire.UID)
	a.ShortID = wire.ShortID
	a.Rule = Rule{
		UID:  firstNonEmpty(wire.Rule.UUID, wire.Rule.UID),
		Name: wire.Rule.Name,
	}
	a.EventsCount = wire.EventsCount
	if a.EventsCount < 0 {
		a.EventsCount = 0
	}
	a.Raw = append(a.Raw[:0], data...)
	return nil
}

// AlertTrack is the persisted tracking record for an alert that triggered
// at least once.
type AlertTrack struct {
	AlertUID                string    `json:"alert_uid"`
	AlertShortID            string    `json:"alert_short_id"`
	RuleUID                 string    `json:"rule_uid"`
	RuleName                string    `json:"rule_name"`
	LastTriggeredAt         time.Time `json:"last_triggered_at"`
	LastTriggeredEventCount int       `json:"last_triggered_event_count"`
	TotalTriggers           int       `json:"total_triggers"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
	Version                 int64     `json:"version"`
}

// TrackFields are the caller-supplied fields of an upsert. CreatedAt,
// UpdatedAt and Version are owned by the store.
type TrackFields struct {
	AlertShortID            string
	RuleUID                 string
	RuleName                string
	LastTriggeredAt         time.Time
	LastTriggeredEventCount int
	TotalTriggers           int
}

// StoreMetadata describes the persisted state document
type StoreMetadata struct {
	Version     string     `json:"version"`
	LastSweepAt *time.Time `json:"last_sweep_at"`
}

// StoreStats is a point-in-time summary of the state store
type StoreStats struct {
	Count         int        `json:"count"`
	SchemaVersion string     `json:"schema_version"`
	LastSweepAt   *time.Time `json:"last_sweep_at,omitempty"`
}

// TriggerRecord is an audit row written for every emitted trigger
type TriggerRecord struct {
	ID           string    `json:"id"`
	AlertUID     string    `json:"alert_uid"`
	AlertShortID string    `json:"alert_short_id"`
	RuleName     string    `json:"rule_name"`
	Reason       string    `json:"reason"`
	NewEvents    int       `json:"new_events"`
	CurrentCount int       `json:"current_count"`
	TriggeredAt  time.Time `json:"triggered_at"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
