// Package metricsapi is the REST client for the live metrics provider that
// supplies ground truth to the settlement oracle.
package metricsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/streambet/internal/crypto"
	"github.com/alanyoungcy/streambet/internal/domain"
)

// Config configures the client.
type Config struct {
	BaseURL string
	Auth    crypto.APIAuth
	Timeout time.Duration
	// Retries is how many extra attempts a 5xx or transport failure gets.
	Retries    int
	RetryDelay time.Duration
}

// Reading is the provider's response for one metric.
type Reading struct {
	Entity     string    `json:"entity"`
	Metric     string    `json:"metric"`
	Value      *float64  `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// Client implements domain.MetricSource.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

// GetMetricValue returns the current value of metric for entity. Unknown
// entities, unknown metrics and readings without a value all yield
// domain.ErrMetricUnavailable.
func (c *Client) GetMetricValue(ctx context.Context, entity, metric string) (float64, error) {
	r, err := c.Reading(ctx, entity, metric)
	if err != nil {
		return 0, err
	}
	if r.Value == nil {
		return 0, fmt.Errorf("metricsapi: %s/%s has no value: %w", entity, metric, domain.ErrMetricUnavailable)
	}
	return *r.Value, nil
}

// Reading fetches the full reading for entity and metric.
func (c *Client) Reading(ctx context.Context, entity, metric string) (Reading, error) {
	path := fmt.Sprintf("/v1/metrics/%s/%s", url.PathEscape(entity), url.PathEscape(metric))

	body, err := c.getWithRetry(ctx, path)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Reading{}, fmt.Errorf("metricsapi: %s/%s: %w", entity, metric, domain.ErrMetricUnavailable)
		}
		return Reading{}, fmt.Errorf("metricsapi: %s/%s: %w", entity, metric, err)
	}

	var r Reading
	if err := json.Unmarshal(body, &r); err != nil {
		return Reading{}, fmt.Errorf("metricsapi: decode %s/%s: %w", entity, metric, err)
	}
	return r, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// errRetryable marks failures worth another attempt.
var errRetryable = errors.New("retryable")

func (c *Client) getWithRetry(ctx context.Context, path string) ([]byte, error) {
	delay := c.cfg.RetryDelay
	for attempt := 0; ; attempt++ {
		body, err := c.doGet(ctx, path)
		if err == nil || !errors.Is(err, errRetryable) || attempt >= c.cfg.Retries {
			return body, err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Auth.Enabled() {
		for k, v := range c.cfg.Auth.Headers(http.MethodGet, path, "") {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("http request: %w: %w", errRetryable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func checkHTTPStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w: %s", errRetryable, domain.ErrRateLimited, msg)
	case status >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", errRetryable, status, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", status, msg)
	}
}

var _ domain.MetricSource = (*Client)(nil)
