package domain

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

var evalNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// countingCounter returns a fixed total and records how often it was called
type countingCounter struct {
	total int
	calls int
	since time.Time
}

func (c *countingCounter) count(_ context.Context, _ string, since time.Time) int {
	c.calls++
	c.since = since
	return c.total
}

func volumeOnly(threshold int) ThresholdConfig {
	cfg := DefaultThresholdConfig()
	cfg.EventCountThreshold = threshold
	cfg.EnableTimeThreshold = false
	return cfg
}

func timeOnly() ThresholdConfig {
	cfg := DefaultThresholdConfig()
	cfg.EnableVolumeThreshold = false
	return cfg
}

func TestEvaluate_FirstOccurrence(t *testing.T) {
	counter := &countingCounter{total: 10}
	alert := Alert{UID: "A", EventsCount: 5, Rule: Rule{Name: "R"}}

	d := Evaluate(context.Background(), alert, nil, DefaultThresholdConfig(), counter.count, evalNow)

	if !d.Trigger {
		t.Fatal("expected first occurrence to trigger")
	}
	if d.Context.Reason != ReasonFirstOccurrence {
		t.Errorf("expected reason %q, got %q", ReasonFirstOccurrence, d.Context.Reason)
	}
	if d.Context.NewEvents != 5 || d.Context.PreviousCount != 0 || d.Context.CurrentCount != 5 {
		t.Errorf("unexpected counts: %+v", d.Context)
	}
	if counter.calls != 0 {
		t.Errorf("event counter should not be consulted on first occurrence, got %d calls", counter.calls)
	}
}

func TestEvaluate_NoNewEventsSkipsCounter(t *testing.T) {
	tests := []struct {
		name     string
		previous int
		current  int
	}{
		{"unchanged", 10, 10},
		{"counter decreased", 50, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := &countingCounter{total: 3}
			prior := &AlertTrack{AlertUID: "A", LastTriggeredEventCount: tt.previous, Version: 1, TotalTriggers: 1}

			d := Evaluate(context.Background(), Alert{UID: "A", EventsCount: tt.current}, prior, DefaultThresholdConfig(), counter.count, evalNow)

			if d.Trigger {
				t.Error("expected no trigger")
			}
			if d.Context.Reason != ReasonNoNewEvents {
				t.Errorf("expected reason %q, got %q", ReasonNoNewEvents, d.Context.Reason)
			}
			if counter.calls != 0 {
				t.Errorf("expected no counter calls, got %d", counter.calls)
			}
		})
	}
}

func TestEvaluate_VolumeBoundary(t *testing.T) {
	const threshold = 100
	prior := &AlertTrack{LastTriggeredEventCount: 5, Version: 1, TotalTriggers: 1}

	tests := []struct {
		name      string
		newEvents int
		want      bool
	}{
		{"one below threshold", threshold - 1, false},
		{"at threshold", threshold, true},
		{"above threshold", threshold + 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert := Alert{UID: "A", EventsCount: prior.LastTriggeredEventCount + tt.newEvents}
			d := Evaluate(context.Background(), alert, prior, volumeOnly(threshold), nil, evalNow)

			if d.Trigger != tt.want {
				t.Fatalf("expected trigger=%v, got %v (%+v)", tt.want, d.Trigger, d.Context)
			}
			if tt.want && d.Context.Reason != ReasonVolume {
				t.Errorf("expected reason %q, got %q", ReasonVolume, d.Context.Reason)
			}
			if !tt.want && d.Context.Reason != ReasonNoThresholdMet {
				t.Errorf("expected reason %q, got %q", ReasonNoThresholdMet, d.Context.Reason)
			}
			if d.Context.TimeWindowHours != nil {
				t.Error("time window should be unset when the time predicate is disabled")
			}
		})
	}
}

func TestEvaluate_TimeBoundary(t *testing.T) {
	prior := &AlertTrack{LastTriggeredEventCount: 100, Version: 1, TotalTriggers: 1}
	alert := Alert{UID: "A", EventsCount: 101}

	tests := []struct {
		total int
		want  bool
	}{
		{0, false},
		{1, true},
		{3, true},
	}

	for _, tt := range tests {
		counter := &countingCounter{total: tt.total}
		d := Evaluate(context.Background(), alert, prior, timeOnly(), counter.count, evalNow)

		if d.Trigger != tt.want {
			t.Errorf("count=%d: expected trigger=%v, got %v", tt.total, tt.want, d.Trigger)
		}
		if counter.calls != 1 {
			t.Errorf("count=%d: expected exactly one counter call, got %d", tt.total, counter.calls)
		}
		if want := evalNow.Add(-time.Hour); !counter.since.Equal(want) {
			t.Errorf("expected window start %v, got %v", want, counter.since)
		}
		if d.Context.TimeWindowHours == nil || *d.Context.TimeWindowHours != 1 {
			t.Errorf("expected time_window_hours=1, got %v", d.Context.TimeWindowHours)
		}
	}
}

func TestEvaluate_TimeOnlyTrigger(t *testing.T) {
	counter := &countingCounter{total: 3}
	prior := &AlertTrack{LastTriggeredEventCount: 100, Version: 1, TotalTriggers: 1}

	d := Evaluate(context.Background(), Alert{UID: "A", EventsCount: 101}, prior, timeOnly(), counter.count, evalNow)

	if !d.Trigger {
		t.Fatal("expected time-only trigger")
	}
	if d.Context.Reason != ReasonTime {
		t.Errorf("expected reason %q, got %q", ReasonTime, d.Context.Reason)
	}
	if d.Context.NewEvents != 1 {
		t.Errorf("expected new_events=1, got %d", d.Context.NewEvents)
	}
}

func TestEvaluate_BothPredicatesJoinReasons(t *testing.T) {
	counter := &countingCounter{total: 7}
	cfg := DefaultThresholdConfig()
	cfg.EventCountThreshold = 10
	prior := &AlertTrack{LastTriggeredEventCount: 0, Version: 1, TotalTriggers: 1}

	d := Evaluate(context.Background(), Alert{UID: "A", EventsCount: 25}, prior, cfg, counter.count, evalNow)

	if !d.Trigger {
		t.Fatal("expected trigger")
	}
	if d.Context.Reason != "volume_threshold,time_threshold" {
		t.Errorf("unexpected reason %q", d.Context.Reason)
	}
}

func TestEvaluate_DoesNotMutatePrior(t *testing.T) {
	prior := &AlertTrack{AlertUID: "A", LastTriggeredEventCount: 5, TotalTriggers: 1, Version: 1}
	snapshot := *prior

	Evaluate(context.Background(), Alert{UID: "A", EventsCount: 500}, prior, DefaultThresholdConfig(), func(context.Context, string, time.Time) int { return 1 }, evalNow)

	if *prior != snapshot {
		t.Errorf("prior mutated: before %+v after %+v", snapshot, *prior)
	}
}

func TestThresholdConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ThresholdConfig)
		wantErr bool
	}{
		{"defaults", func(*ThresholdConfig) {}, false},
		{"both filters", func(c *ThresholdConfig) { c.RuleFilter = "x"; c.RuleNamesFilter = []string{"y"} }, true},
		{"zero threshold", func(c *ThresholdConfig) { c.EventCountThreshold = 0 }, true},
		{"window too small", func(c *ThresholdConfig) { c.TimeWindowHours = 0 }, true},
		{"window max", func(c *ThresholdConfig) { c.TimeWindowHours = 168 }, false},
		{"window too large", func(c *ThresholdConfig) { c.TimeWindowHours = 169 }, true},
		{"no predicate", func(c *ThresholdConfig) { c.EnableTimeThreshold = false; c.EnableVolumeThreshold = false }, true},
		{"interval too small", func(c *ThresholdConfig) { c.CheckIntervalSeconds = 9 }, true},
		{"interval too large", func(c *ThresholdConfig) { c.CheckIntervalSeconds = 3601 }, true},
		{"cleanup zero", func(c *ThresholdConfig) { c.StateCleanupDays = 0 }, true},
		{"cleanup too large", func(c *ThresholdConfig) { c.StateCleanupDays = 366 }, true},
		{"cleanup shorter than window", func(c *ThresholdConfig) { c.StateCleanupDays = 1; c.TimeWindowHours = 48 }, true},
		{"cleanup equals window", func(c *ThresholdConfig) { c.StateCleanupDays = 2; c.TimeWindowHours = 48 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultThresholdConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsKind(err, KindConfig) {
				t.Errorf("expected config error kind, got %v", err)
			}
		})
	}
}

func TestNewTriggerPayload_ForwardsRawAlert(t *testing.T) {
	raw := []byte(`{"uuid":"A","short_id":"ALx","extra":{"k":1}}`)
	var alert Alert
	if err := alert.UnmarshalJSON(raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	p := NewTriggerPayload(alert, TriggerContext{Reason: ReasonFirstOccurrence})
	if string(p.Alert) != string(raw) {
		t.Errorf("expected raw alert to be forwarded, got %s", p.Alert)
	}
	if p.Source.UID != "A" {
		t.Errorf("expected source uid A, got %q", p.Source.UID)
	}
}

func TestTriggerContext_JSON(t *testing.T) {
	hours := 1
	tc := TriggerContext{
		TriggerID:       "t-1",
		TriggeredAt:     evalNow,
		TriggerType:     TriggerType,
		Reason:          ReasonVolume,
		NewEvents:       100,
		PreviousCount:   5,
		CurrentCount:    105,
		TimeWindowHours: &hours,
	}

	data, err := json.Marshal(tc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"triggered_at":"2024-06-01T12:00:00Z"`) {
		t.Errorf("expected RFC 3339 triggered_at, got %s", data)
	}

	// the window is only reported for time-based decisions
	tc.TimeWindowHours = nil
	data, err = json.Marshal(tc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "time_window_hours") {
		t.Errorf("expected time_window_hours to be omitted, got %s", data)
	}
	if !strings.Contains(string(data), `"triggered_at"`) {
		t.Errorf("expected triggered_at to be present, got %s", data)
	}
}
