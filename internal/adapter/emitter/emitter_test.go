package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hive-corporation/threshold-gate/internal/core/domain"
	"github.com/hive-corporation/threshold-gate/internal/core/ports"
)

var (
	_ ports.Emitter = Multi(nil)
	_ ports.Emitter = (*LogEmitter)(nil)
	_ ports.Emitter = (*KafkaEmitter)(nil)
	_ ports.Emitter = (*SlackEmitter)(nil)
)

func samplePayload(t *testing.T) domain.TriggerPayload {
	t.Helper()
	var alert domain.Alert
	require.NoError(t, json.Unmarshal([]byte(`{"uuid":"A","short_id":"ALabc","rule":{"name":"R"},"events_count":105}`), &alert))

	window := 1
	return domain.NewTriggerPayload(alert, domain.TriggerContext{
		TriggerID:       "trig-1",
		TriggeredAt:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		TriggerType:     domain.TriggerType,
		Reason:          "volume_threshold,time_threshold",
		NewEvents:       100,
		PreviousCount:   5,
		CurrentCount:    105,
		TimeWindowHours: &window,
	})
}

type recordingEmitter struct {
	events []string
	err    error
}

func (r *recordingEmitter) Emit(_ context.Context, eventName string, _ domain.TriggerPayload) error {
	r.events = append(r.events, eventName)
	return r.err
}

func TestMulti_AttemptsEveryEmitter(t *testing.T) {
	first := &recordingEmitter{err: errors.New("first down")}
	second := &recordingEmitter{}
	third := &recordingEmitter{err: errors.New("third down")}

	err := Multi{first, second, third}.Emit(context.Background(), domain.EventAlertThresholdMet, samplePayload(t))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "first down")
	assert.Contains(t, err.Error(), "third down")
	for _, e := range []*recordingEmitter{first, second, third} {
		assert.Equal(t, []string{domain.EventAlertThresholdMet}, e.events)
	}
}

func TestMulti_Empty(t *testing.T) {
	assert.NoError(t, Multi{}.Emit(context.Background(), "x", domain.TriggerPayload{}))
}

func TestLogEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(zerolog.New(&buf))

	require.NoError(t, e.Emit(context.Background(), domain.EventAlertThresholdMet, samplePayload(t)))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "alert threshold met", line["message"])
	assert.Equal(t, "A", line["alert_uid"])
	assert.Equal(t, "trig-1", line["trigger_id"])
	assert.Equal(t, "volume_threshold,time_threshold", line["reason"])
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaEmitter(t *testing.T) {
	w := &fakeWriter{}
	e := NewKafkaEmitterWithWriter(w, "alerts.triggers", zerolog.Nop())

	require.NoError(t, e.Emit(context.Background(), domain.EventAlertThresholdMet, samplePayload(t)))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "A", string(msg.Key), "messages are keyed by alert uid")

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, domain.EventAlertThresholdMet, headers["event_name"])
	assert.Equal(t, "trig-1", headers["trigger_id"])
	assert.Equal(t, domain.TriggerType, headers["trigger_type"])

	var env struct {
		EventName string `json:"event_name"`
		Payload   struct {
			Alert          map[string]any `json:"alert"`
			TriggerContext map[string]any `json:"trigger_context"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.Equal(t, domain.EventAlertThresholdMet, env.EventName)
	assert.Equal(t, "ALabc", env.Payload.Alert["short_id"])
	assert.Equal(t, "volume_threshold,time_threshold", env.Payload.TriggerContext["reason"])
	assert.Equal(t, float64(100), env.Payload.TriggerContext["new_events"])
	assert.Equal(t, float64(1), env.Payload.TriggerContext["time_window_hours"])
	assert.Equal(t, "alert_events_threshold", env.Payload.TriggerContext["trigger_type"])
}

func TestKafkaEmitter_WriteErrorAndClose(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	e := NewKafkaEmitterWithWriter(w, "alerts.triggers", zerolog.Nop())

	err := e.Emit(context.Background(), domain.EventAlertThresholdMet, samplePayload(t))
	assert.ErrorContains(t, err, "leader not available")

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.True(t, w.closed)
	assert.ErrorIs(t, e.Emit(context.Background(), "x", samplePayload(t)), ErrEmitterClosed)
}

func TestNewKafkaEmitter_Validation(t *testing.T) {
	_, err := NewKafkaEmitter(nil, "t", zerolog.Nop())
	assert.True(t, domain.IsKind(err, domain.KindConfig))

	_, err = NewKafkaEmitter([]string{"localhost:9092"}, "", zerolog.Nop())
	assert.True(t, domain.IsKind(err, domain.KindConfig))
}

func TestSlackEmitter(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer xoxb-test" {
			t.Errorf("unexpected Authorization header %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	s := NewSlackEmitter("xoxb-test", "#soc")
	s.endpoint = server.URL

	require.NoError(t, s.Emit(context.Background(), domain.EventAlertThresholdMet, samplePayload(t)))

	assert.Equal(t, "#soc", got.Channel)
	assert.Contains(t, got.Text, "ALabc")
	require.NotEmpty(t, got.Blocks)
	assert.Equal(t, "header", got.Blocks[0].Type)

	var fields []string
	for _, f := range got.Blocks[1].Fields {
		fields = append(fields, f.Text)
	}
	joined := strings.Join(fields, "\n")
	assert.Contains(t, joined, "volume_threshold, time_threshold")
	assert.Contains(t, joined, "105 (+100 since last trigger)")
}

func TestSlackEmitter_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"http error", http.StatusInternalServerError, ``, "status 500"},
		{"api error", http.StatusOK, `{"ok":false,"error":"channel_not_found"}`, "channel_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			s := NewSlackEmitter("xoxb-test", "#soc")
			s.endpoint = server.URL

			err := s.Emit(context.Background(), domain.EventAlertThresholdMet, samplePayload(t))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
