// Package lrs delivers xAPI statements to a Learning Record Store.
package lrs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"activity-pipeline/internal/logger"
	"activity-pipeline/internal/telemetry"
	"activity-pipeline/internal/xapi"
)

// APIVersion is sent on every request in the X-Experience-API-Version header.
const APIVersion = "1.0.3"

// maxErrorBody caps how much of an error response is kept for diagnostics.
const maxErrorBody = 4 << 10

// Config describes the LRS endpoint and the in-call retry budget.
type Config struct {
	Endpoint       string
	APIKey         string
	SecretKey      string
	MaxRetries     int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	HealthTimeout  time.Duration
	Platform       string
	Language       string
}

// SendResult is the outcome of one Send call. Failures are values, not errors.
type SendResult struct {
	Success     bool   `json:"success"`
	StatementID string `json:"statement_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Client posts statements to the LRS with a bounded, linearly backed-off retry loop.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *logger.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSleep overrides the backoff sleeper.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(cfg Config, log *logger.Logger, opts ...Option) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		log:        log.With("service", "LRSClient"),
		now:        time.Now,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send delivers one statement. Client errors (4xx) stop immediately; server
// errors and transport failures are retried up to MaxRetries times, sleeping
// attempt*RetryDelay between tries. The caller's statement is not modified.
func (c *Client) Send(ctx context.Context, stmt xapi.Statement) SendResult {
	stmt = stmt.WithDefaults(c.now(), c.cfg.Platform, c.cfg.Language)
	body, err := json.Marshal(stmt)
	if err != nil {
		return SendResult{Error: fmt.Sprintf("marshal statement: %v", err)}
	}

	var lastErr string
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		c.log.Debug("sending statement", "attempt", attempt, "max", c.cfg.MaxRetries, "verb", stmt.Verb.ID, "object", stmt.Object.ID)

		id, status, err := c.post(ctx, body)
		switch {
		case err == nil:
			c.log.Debug("statement accepted", "statement_id", id)
			return SendResult{Success: true, StatementID: id}
		case status >= 400 && status < 500:
			c.log.Warn("statement rejected", "status", status, "error", err)
			return SendResult{Error: err.Error()}
		}

		lastErr = err.Error()
		c.log.Warn("statement attempt failed", "attempt", attempt, "error", lastErr)
		if attempt < c.cfg.MaxRetries {
			if serr := c.sleep(ctx, time.Duration(attempt)*c.cfg.RetryDelay); serr != nil {
				lastErr = fmt.Sprintf("%s (retry aborted: %v)", lastErr, serr)
				break
			}
		}
	}
	c.log.Error("all delivery attempts failed", "error", lastErr)
	return SendResult{Error: lastErr}
}

// SendAsync starts delivery on its own goroutine and returns immediately.
// The outcome is only logged; callers that need delivery guarantees must go
// through the outbox instead.
func (c *Client) SendAsync(ctx context.Context, stmt xapi.Statement) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("async send panicked", "panic", r)
			}
		}()
		if res := c.Send(ctx, stmt); !res.Success {
			c.log.Error("async statement finally failed", "error", res.Error)
		}
	}()
}

// post returns the LRS-assigned id on 2xx. On other statuses it returns the
// status code alongside an error carrying the response body.
func (c *Client) post(ctx context.Context, body []byte) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("build request: %w", err)
	}
	c.decorate(req)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.LRSRequestDuration.WithLabelValues(http.MethodPost, "error").Observe(time.Since(start).Seconds())
		return "", 0, fmt.Errorf("post statement: %w", err)
	}
	defer resp.Body.Close()
	telemetry.LRSRequestDuration.WithLabelValues(http.MethodPost, outcome(resp.StatusCode)).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", resp.StatusCode, fmt.Errorf("LRS error: %d - %s", resp.StatusCode, bytes.TrimSpace(text))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, nil
	}
	return parseStatementID(raw), resp.StatusCode, nil
}

func (c *Client) decorate(req *http.Request) {
	req.SetBasicAuth(c.cfg.APIKey, c.cfg.SecretKey)
	req.Header.Set("X-Experience-API-Version", APIVersion)
}

// parseStatementID accepts both the array form (["id"]) and a bare JSON string.
func parseStatementID(raw []byte) string {
	var ids []string
	if err := json.Unmarshal(raw, &ids); err == nil {
		if len(ids) > 0 {
			return ids[0]
		}
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	return ""
}

func outcome(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "ok"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
