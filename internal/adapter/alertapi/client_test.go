package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hive-corporation/threshold-gate/internal/core/domain"
)

// fastRetry keeps the linear backoff short in tests
func fastRetry() ResilientClientConfig {
	return ResilientClientConfig{
		EnableCircuitBreaker: true,
		MaxFailures:          5,
		CircuitTimeout:       time.Minute,
		MaxAttempts:          3,
		BaseDelay:            time.Millisecond,
	}
}

func newTestClient(t *testing.T, url string, rc ResilientClientConfig) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: url, APIKey: "secret", Timeout: 5 * time.Second, Resilience: rc}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing base url", Config{APIKey: "k"}},
		{"missing api key", Config{BaseURL: "https://api.example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg, zerolog.Nop())
			if !domain.IsKind(err, domain.KindConfig) {
				t.Errorf("expected config error, got %v", err)
			}
		})
	}
}

func TestFetchAlert_Success(t *testing.T) {
	body := `{"uuid":"A","short_id":"ALabc","rule":{"uuid":"r1","name":"R"},"events_count":5,"extra":1}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/v1/sic/alerts/A" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		for _, param := range []string{"stix", "comments", "countermeasures", "history"} {
			if got := r.URL.Query().Get(param); got != "false" {
				t.Errorf("expected %s=false, got %q", param, got)
			}
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("unexpected Accept header %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != "threshold-gate/"+Version {
			t.Errorf("unexpected User-Agent header %q", got)
		}
		w.Write([]byte(body))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL+"/", fastRetry())
	alert, err := c.FetchAlert(context.Background(), "A")
	if err != nil {
		t.Fatalf("FetchAlert: %v", err)
	}

	if alert.UID != "A" || alert.ShortID != "ALabc" || alert.Rule.Name != "R" || alert.EventsCount != 5 {
		t.Errorf("unexpected alert %+v", alert)
	}
	if string(alert.Raw) != body {
		t.Errorf("raw body not preserved: %s", alert.Raw)
	}
}

func TestFetchAlert_Retry5xx(t *testing.T) {
	var attempts int32

	// fails twice then succeeds
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"uuid":"A","events_count":1}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, fastRetry())
	if _, err := c.FetchAlert(context.Background(), "A"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestFetchAlert_RetriesExhausted(t *testing.T) {
	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, fastRetry())
	_, err := c.FetchAlert(context.Background(), "A")

	if !domain.IsKind(err, domain.KindTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected wrapped 503, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", got)
	}
}

func TestFetchAlert_ClientErrorsNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   domain.ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, domain.KindAuth},
		{"forbidden", http.StatusForbidden, domain.KindAuth},
		{"not found", http.StatusNotFound, domain.KindTransport},
		{"bad request", http.StatusBadRequest, domain.KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, fastRetry())
			_, err := c.FetchAlert(context.Background(), "A")

			if !domain.IsKind(err, tt.kind) {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
			if got := atomic.LoadInt32(&attempts); got != 1 {
				t.Errorf("expected a single attempt, got %d", got)
			}
		})
	}
}

func TestFetchAlert_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"array", `[{"uuid":"A"}]`},
		{"missing uid", `{"short_id":"ALx","events_count":3}`},
		{"not json", `<html>oops</html>`},
		{"empty", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, fastRetry())
			_, err := c.FetchAlert(context.Background(), "A")

			if !domain.IsKind(err, domain.KindProtocol) {
				t.Errorf("expected protocol error, got %v", err)
			}
			if got := atomic.LoadInt32(&attempts); got != 1 {
				t.Errorf("protocol errors must not be retried, got %d attempts", got)
			}
		})
	}
}

func TestFetchAlert_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	rc := fastRetry()
	rc.BaseDelay = time.Hour
	c := newTestClient(t, server.URL, rc)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.FetchAlert(ctx, "A")
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("retry backoff should stop when the context is done")
	}
}

func TestFetchAlert_CircuitOpens(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	rc := fastRetry()
	rc.MaxAttempts = 1
	rc.MaxFailures = 2
	c := newTestClient(t, server.URL, rc)

	for i := 0; i < 2; i++ {
		c.FetchAlert(context.Background(), "A")
	}
	_, err := c.FetchAlert(context.Background(), "A")

	if !domain.IsKind(err, domain.KindTransport) {
		t.Errorf("expected transport error from open breaker, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Errorf("expected the open breaker to short-circuit, got %d attempts", got)
	}
}

func TestFetchAlert_ClientErrorsDoNotTripBreaker(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	rc := fastRetry()
	rc.MaxFailures = 1
	c := newTestClient(t, server.URL, rc)

	for i := 0; i < 3; i++ {
		c.FetchAlert(context.Background(), "A")
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("404s should reach the server every time, got %d attempts", got)
	}
}

func TestCountEvents(t *testing.T) {
	since := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/events/search" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Filter struct {
				AlertUID  string `json:"alert_uid"`
				CreatedAt struct {
					Gte string `json:"gte"`
				} `json:"created_at"`
			} `json:"filter"`
			Size *int `json:"size"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Filter.AlertUID != "A" {
			t.Errorf("unexpected alert_uid %q", body.Filter.AlertUID)
		}
		if body.Filter.CreatedAt.Gte != "2024-06-01T11:00:00Z" {
			t.Errorf("unexpected gte %q", body.Filter.CreatedAt.Gte)
		}
		if body.Size == nil || *body.Size != 0 {
			t.Errorf("expected size 0, got %v", body.Size)
		}
		w.Write([]byte(`{"total":3,"items":[]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, fastRetry())
	if got := c.CountEvents(context.Background(), "A", since); got != 3 {
		t.Errorf("expected 3, got %d", got)
	}
}

func TestCountEvents_FailOpen(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) }},
		{"unauthorized", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) }},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`nope`)) }},
		{"missing total", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"items":[]}`)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				tt.handler(w, r)
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, fastRetry())
			if got := c.CountEvents(context.Background(), "A", time.Now()); got != 0 {
				t.Errorf("expected fail-open 0, got %d", got)
			}
			if got := atomic.LoadInt32(&attempts); got != 1 {
				t.Errorf("count must not be retried, got %d attempts", got)
			}
		})
	}
}

func TestCountEvents_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := newTestClient(t, url, fastRetry())
	if got := c.CountEvents(context.Background(), "A", time.Now()); got != 0 {
		t.Errorf("expected fail-open 0, got %d", got)
	}
}

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{base: 5 * time.Second}

	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("step %d: got %v, want %v", i+1, got, w)
		}
	}

	b.Reset()
	if got := b.NextBackOff(); got != 5*time.Second {
		t.Errorf("after reset: got %v, want 5s", got)
	}
}
