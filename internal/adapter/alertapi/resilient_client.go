package alertapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/hive-corporation/threshold-gate/internal/adapter/metrics"
)

// HTTPError is a non-2xx response. The body has already been consumed.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// ResilientClient wraps an HTTP client with circuit breaker and retry logic
type ResilientClient struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	config  ResilientClientConfig
	log     zerolog.Logger
}

// ResilientClientConfig holds configuration for the resilient client
type ResilientClientConfig struct {
	// Circuit breaker settings
	EnableCircuitBreaker bool
	MaxFailures          uint32
	CircuitTimeout       time.Duration

	// Retry settings. Attempt n waits BaseDelay*n before attempt n+1.
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultResilientClientConfig returns default configuration values
func DefaultResilientClientConfig() ResilientClientConfig {
	return ResilientClientConfig{
		EnableCircuitBreaker: true,
		MaxFailures:          5,
		CircuitTimeout:       60 * time.Second,
		MaxAttempts:          3,
		BaseDelay:            5 * time.Second,
	}
}

// NewResilientClient creates a new resilient HTTP client
func NewResilientClient(timeout time.Duration, config ResilientClientConfig, log zerolog.Logger) *ResilientClient {
	client := &http.Client{
		Timeout: timeout,
	}

	var breaker *gobreaker.CircuitBreaker
	if config.EnableCircuitBreaker {
		settings := gobreaker.Settings{
			Name:        "alert-api",
			MaxRequests: 1,
			Interval:    0, // Don't reset counts automatically
			Timeout:     config.CircuitTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= config.MaxFailures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state changed")
				if to == gobreaker.StateOpen {
					metrics.RecordAPIError("circuit_open")
				}
			},
		}
		breaker = gobreaker.NewCircuitBreaker(settings)
	}

	return &ResilientClient{
		client:  client,
		breaker: breaker,
		config:  config,
		log:     log,
	}
}

// Do executes an HTTP request with circuit breaker and retry logic.
// Responses with status >= 400 are returned as *HTTPError.
func (c *ResilientClient) Do(req *http.Request) (*http.Response, error) {
	// If circuit breaker is disabled, just do the request with retry
	if c.breaker == nil {
		return c.doWithRetry(req)
	}

	// 4xx answers mean the upstream is healthy; they are passed around the
	// breaker so they do not count as failures
	var clientErr error
	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.doWithRetry(req)
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode < 500 {
			clientErr = err
			return nil, nil
		}
		return resp, err
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.RecordAPIError("circuit_open")
			return nil, fmt.Errorf("circuit breaker is open: %w", err)
		}
		return nil, err
	}
	if clientErr != nil {
		return nil, clientErr
	}

	return result.(*http.Response), nil
}

// DoOnce executes a single attempt without retry or circuit breaker
func (c *ResilientClient) DoOnce(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.RecordAPIError("connection")
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, c.consumeError(resp)
	}
	return resp, nil
}

// CloseIdleConnections releases pooled connections
func (c *ResilientClient) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// doWithRetry executes an HTTP request with linear backoff retry logic
func (c *ResilientClient) doWithRetry(req *http.Request) (*http.Response, error) {
	// If a single attempt is configured, skip the backoff machinery
	if c.config.MaxAttempts <= 1 {
		return c.DoOnce(req)
	}

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body.Close()
	}

	retryBackoff := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{base: c.config.BaseDelay}, uint64(c.config.MaxAttempts-1)),
		req.Context(),
	)

	var resp *http.Response
	var lastErr error
	attempt := 0

	operation := func() error {
		attempt++
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		var err error
		resp, err = c.client.Do(req)
		if err != nil {
			lastErr = err
			metrics.RecordAPIError("connection")
			if req.Context().Err() != nil {
				return backoff.Permanent(err)
			}
			c.logRetry(req, attempt, err)
			return err // Retry
		}

		if c.shouldRetry(resp) {
			lastErr = c.consumeError(resp)
			c.logRetry(req, attempt, lastErr)
			return lastErr // Retry
		}

		if resp.StatusCode >= 400 {
			lastErr = c.consumeError(resp)
			return backoff.Permanent(lastErr) // Don't retry 4xx
		}

		return nil
	}

	if err := backoff.Retry(operation, retryBackoff); err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("request failed after %d attempts: %w", attempt, lastErr)
	}

	return resp, nil
}

func (c *ResilientClient) logRetry(req *http.Request, attempt int, err error) {
	if attempt >= c.config.MaxAttempts {
		return
	}
	c.log.Warn().
		Err(err).
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("attempt", attempt).
		Int("max_attempts", c.config.MaxAttempts).
		Msg("alert API request failed, retrying")
}

// shouldRetry reports whether a response status is transient
func (c *ResilientClient) shouldRetry(resp *http.Response) bool {
	return resp != nil && resp.StatusCode >= 500
}

// consumeError drains and closes the body and records the error metric
func (c *ResilientClient) consumeError(resp *http.Response) error {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	c.recordErrorFromResponse(resp)
	return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
}

// recordErrorFromResponse records the appropriate error metric based on response status
func (c *ResilientClient) recordErrorFromResponse(resp *http.Response) {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		metrics.RecordAPIError("auth")
	case http.StatusTooManyRequests:
		metrics.RecordAPIError("rate_limit")
	case http.StatusRequestTimeout:
		metrics.RecordAPIError("timeout")
	default:
		if resp.StatusCode >= 500 {
			metrics.RecordAPIError("server_error")
		} else {
			metrics.RecordAPIError("http_error")
		}
	}
}

// linearBackOff waits base*n after the n-th failed attempt
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.base * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
