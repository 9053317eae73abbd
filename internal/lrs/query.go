package lrs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"activity-pipeline/internal/telemetry"
	"activity-pipeline/internal/xapi"
)

// HealthStatus is the result of a connectivity probe.
type HealthStatus struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency_ms"`
	CheckedAt time.Time     `json:"checked_at"`
	Error     string        `json:"error,omitempty"`
}

// MarshalJSON reports latency in whole milliseconds.
func (h HealthStatus) MarshalJSON() ([]byte, error) {
	type alias struct {
		Connected bool      `json:"connected"`
		LatencyMS int64     `json:"latency_ms"`
		CheckedAt time.Time `json:"checked_at"`
		Error     string    `json:"error,omitempty"`
	}
	return json.Marshal(alias{h.Connected, h.Latency.Milliseconds(), h.CheckedAt, h.Error})
}

// Query filters a statement lookup. Zero values are omitted from the request.
type Query struct {
	Limit    int
	Verb     string
	Agent    string // email; sent as an mbox agent
	Activity string
	Since    time.Time
	Until    time.Time
}

// StatementResult is the LRS query response body.
type StatementResult struct {
	Statements []xapi.Statement `json:"statements"`
	More       string           `json:"more,omitempty"`
}

// HealthCheck issues a single-statement GET under HealthTimeout. Any 2xx
// counts as connected.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	checkedAt := c.now()
	start := time.Now()
	resp, err := c.get(ctx, url.Values{"limit": []string{"1"}})
	latency := time.Since(start)
	if err != nil {
		return HealthStatus{Latency: latency, CheckedAt: checkedAt, Error: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return HealthStatus{Latency: latency, CheckedAt: checkedAt, Error: fmt.Sprintf("LRS returned %d", resp.StatusCode)}
	}
	return HealthStatus{Connected: true, Latency: latency, CheckedAt: checkedAt}
}

// QueryStatements reads statements back from the LRS, mostly for debugging.
func (c *Client) QueryStatements(ctx context.Context, q Query) (StatementResult, error) {
	resp, err := c.get(ctx, q.values())
	if err != nil {
		return StatementResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return StatementResult{}, fmt.Errorf("query failed: %d - %s", resp.StatusCode, text)
	}
	var out StatementResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return StatementResult{}, fmt.Errorf("decode statements: %w", err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, params url.Values) (*http.Response, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.decorate(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.LRSRequestDuration.WithLabelValues(http.MethodGet, "error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("get statements: %w", err)
	}
	telemetry.LRSRequestDuration.WithLabelValues(http.MethodGet, outcome(resp.StatusCode)).Observe(time.Since(start).Seconds())
	return resp, nil
}

func (q Query) values() url.Values {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Verb != "" {
		v.Set("verb", q.Verb)
	}
	if q.Agent != "" {
		agent, _ := json.Marshal(map[string]string{"mbox": "mailto:" + q.Agent})
		v.Set("agent", string(agent))
	}
	if q.Activity != "" {
		v.Set("activity", q.Activity)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	return v
}
