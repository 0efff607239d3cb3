// Package analysis is the boundary client for the external differential
// scoring service. The service is consumed opaquely: the client sends
// the intake picture and returns the scored result unmodified, retrying
// transient failures a bounded number of times.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Request carries the clinical picture submitted for scoring.
type Request struct {
	ChiefComplaint string                 `json:"chief_complaint"`
	Symptoms       []Symptom              `json:"symptoms,omitempty"`
	Vitals         map[string]interface{} `json:"vitals,omitempty"`
	History        string                 `json:"history,omitempty"`
}

// Symptom is one reported symptom with optional severity (0 unset).
type Symptom struct {
	Name     string `json:"name"`
	Severity int    `json:"severity,omitempty"`
}

// Result is the service's scored differential.
type Result struct {
	Confidence     float64        `json:"confidence"`
	Urgency        string         `json:"urgency"`
	Differentials  []Differential `json:"differentials"`
	SuggestedTests []string       `json:"suggested_tests,omitempty"`
}

// Differential is one candidate diagnosis with its likelihood.
type Differential struct {
	Condition  string  `json:"condition"`
	Likelihood float64 `json:"likelihood"`
}

// StatusError reports a non-retryable upstream response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analysis service returned %d", e.Code)
}

const (
	maxAttempts     = 3
	retryBackoff    = 500 * time.Millisecond
	maxResponseSize = 1 << 20
)

// Client talks to one analysis service endpoint.
type Client struct {
	url        string
	httpClient *http.Client
	logger     zerolog.Logger
}

type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client, used by tests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

func NewClient(url string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Analyze submits the request, retrying connection errors and 5xx
// responses. 4xx responses are the caller's problem and fail fast.
func (c *Client) Analyze(ctx context.Context, req Request) (*Result, error) {
	if req.ChiefComplaint == "" {
		return nil, fmt.Errorf("chief complaint is required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode analysis request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt-1)):
			}
		}

		result, retryable, err := c.post(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("analysis request failed")
	}
	return nil, fmt.Errorf("analysis unavailable after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte) (*Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, true, &StatusError{Code: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return nil, false, &StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, true, fmt.Errorf("read analysis response: %w", err)
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, fmt.Errorf("decode analysis response: %w", err)
	}
	return &result, false, nil
}
