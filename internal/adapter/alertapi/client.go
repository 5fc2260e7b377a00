package alertapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hive-corporation/threshold-gate/internal/adapter/metrics"
	"github.com/hive-corporation/threshold-gate/internal/core/domain"
)

const (
	// DefaultTimeout bounds every HTTP call
	DefaultTimeout = 30 * time.Second

	// maxBodySize caps how much of a response is read
	maxBodySize = 10 << 20
)

// Version is reported in the User-Agent header; set at build time
var Version = "dev"

// Config holds the alert API connection settings
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	Resilience ResilientClientConfig
}

// Client talks to the vendor alert and event search endpoints
type Client struct {
	baseURL string
	apiKey  string
	http    *ResilientClient
	log     zerolog.Logger
}

// NewClient creates a client. BaseURL and APIKey are required.
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, domain.ConfigError("alert api", "base_url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, domain.ConfigError("alert api", "invalid base_url: %v", err)
	}
	if cfg.APIKey == "" {
		return nil, domain.ConfigError("alert api", "api_key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    NewResilientClient(cfg.Timeout, cfg.Resilience, log),
		log:     log,
	}, nil
}

// FetchAlert retrieves a single alert document
func (c *Client) FetchAlert(ctx context.Context, alertUID string) (*domain.Alert, error) {
	const op = "fetch alert"

	endpoint := fmt.Sprintf("%s/v1/sic/alerts/%s?stix=false&comments=false&countermeasures=false&history=false",
		c.baseURL, url.PathEscape(alertUID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, domain.NewError(domain.KindTransport, op, err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, domain.NewError(domain.KindTransport, op, fmt.Errorf("read body: %w", err))
	}

	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		metrics.RecordAPIError("parse")
		return nil, domain.NewError(domain.KindProtocol, op, errors.New("response is not a JSON object"))
	}

	var alert domain.Alert
	if err := json.Unmarshal(body, &alert); err != nil {
		metrics.RecordAPIError("parse")
		return nil, domain.NewError(domain.KindProtocol, op, fmt.Errorf("decode alert: %w", err))
	}
	if alert.UID == "" {
		metrics.RecordAPIError("parse")
		return nil, domain.NewError(domain.KindProtocol, op, errors.New("alert has no uid"))
	}

	return &alert, nil
}

type eventSearchRequest struct {
	Filter eventSearchFilter `json:"filter"`
	Size   int               `json:"size"`
}

type eventSearchFilter struct {
	AlertUID  string     `json:"alert_uid"`
	CreatedAt timeFilter `json:"created_at"`
}

type timeFilter struct {
	Gte string `json:"gte"`
}

type eventSearchResponse struct {
	Total *int `json:"total"`
}

// CountEvents returns the number of events attached to the alert since the
// given instant. It makes a single attempt and returns 0 on any failure.
func (c *Client) CountEvents(ctx context.Context, alertUID string, since time.Time) int {
	total, err := c.countEvents(ctx, alertUID, since)
	if err != nil {
		c.log.Warn().
			Err(err).
			Str("alert_uid", alertUID).
			Time("since", since).
			Msg("event count failed, assuming no recent events")
		return 0
	}
	return total
}

func (c *Client) countEvents(ctx context.Context, alertUID string, since time.Time) (int, error) {
	payload, err := json.Marshal(eventSearchRequest{
		Filter: eventSearchFilter{
			AlertUID:  alertUID,
			CreatedAt: timeFilter{Gte: since.UTC().Format(time.RFC3339)},
		},
		Size: 0,
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/events/search", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.DoOnce(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var out eventSearchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&out); err != nil {
		metrics.RecordAPIError("parse")
		return 0, fmt.Errorf("decode event search response: %w", err)
	}
	if out.Total == nil {
		metrics.RecordAPIError("parse")
		return 0, errors.New("event search response has no total")
	}
	if *out.Total < 0 {
		return 0, nil
	}
	return *out.Total, nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "threshold-gate/"+Version)
}

// classify maps an HTTP or transport failure to a domain error kind
func classify(op string, err error) error {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return domain.NewError(domain.KindAuth, op, err)
		}
	}
	return domain.NewError(domain.KindTransport, op, err)
}
