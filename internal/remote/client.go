// Package remote is the REST realization of the backend the tracker
// consumes. It handles transport-level policy only: authentication with a
// single refresh-and-retry on expiry, rate-limit hints, and error
// classification into the tracker taxonomy. Retrying beyond that is the
// caller's business.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	trkerrors "github.com/remediate-run/remedy/internal/errors"
	"github.com/remediate-run/remedy/internal/models"
)

const defaultRequestTimeout = 30 * time.Second

// Config configures the REST client.
type Config struct {
	BaseURL        string
	Token          string // static bearer token; ignored when TokenSource is set
	TokenSource    oauth2.TokenSource
	RequestTimeout time.Duration
}

// Client talks to the remediation backend over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	source oauth2.TokenSource // reuse-wrapped, reset on auth failure
}

// NewClient creates a backend client.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
	if cfg.TokenSource != nil {
		c.source = oauth2.ReuseTokenSource(nil, cfg.TokenSource)
	}
	return c
}

type submitRequest struct {
	IssueIDs []string         `json:"issue_ids"`
	Config   models.FixConfig `json:"config"`
}

type submitResponse struct {
	BatchID string `json:"batch_id"`
}

// SubmitBatch submits a set of issues for remediation.
func (c *Client) SubmitBatch(ctx context.Context, issueIDs []string, cfg models.FixConfig) (string, error) {
	var resp submitResponse
	err := c.do(ctx, http.MethodPost, "/api/batches", submitRequest{IssueIDs: issueIDs, Config: cfg}, &resp, "submit_batch")
	if err != nil {
		return "", err
	}
	return resp.BatchID, nil
}

// PollBatchStatus fetches the current authoritative batch state.
func (c *Client) PollBatchStatus(ctx context.Context, batchID string) (*models.BatchStatus, error) {
	var st models.BatchStatus
	path := "/api/batches/" + url.PathEscape(batchID) + "/status"
	if err := c.do(ctx, http.MethodGet, path, nil, &st, "poll_status"); err != nil {
		return nil, withBatch(err, batchID)
	}
	return &st, nil
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// CancelBatch asks the worker to abort a batch.
func (c *Client) CancelBatch(ctx context.Context, batchID string) (bool, error) {
	var resp cancelResponse
	path := "/api/batches/" + url.PathEscape(batchID) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, nil, &resp, "cancel_batch"); err != nil {
		return false, withBatch(err, batchID)
	}
	return resp.Cancelled, nil
}

// RetryFix re-runs a single fix.
func (c *Client) RetryFix(ctx context.Context, issueID string) (*models.FixResult, error) {
	return c.issueAction(ctx, issueID, "retry", nil)
}

// RollbackFix reverts a completed fix.
func (c *Client) RollbackFix(ctx context.Context, issueID string) (*models.FixResult, error) {
	return c.issueAction(ctx, issueID, "rollback", nil)
}

type scheduleRequest struct {
	ScheduleTime time.Time `json:"schedule_time"`
}

// ScheduleFix books a fix for a future time.
func (c *Client) ScheduleFix(ctx context.Context, issueID string, at time.Time) (*models.FixResult, error) {
	return c.issueAction(ctx, issueID, "schedule", scheduleRequest{ScheduleTime: at})
}

// IgnoreFix records an ignore on the backend.
func (c *Client) IgnoreFix(ctx context.Context, issueID string) (*models.FixResult, error) {
	return c.issueAction(ctx, issueID, "ignore", nil)
}

// ApproveFix records operator approval on the backend.
func (c *Client) ApproveFix(ctx context.Context, issueID string) (*models.FixResult, error) {
	return c.issueAction(ctx, issueID, "approve", nil)
}

// ExportResults delegates rendering to the backend's exporter.
func (c *Client) ExportResults(ctx context.Context, batchID, format string) ([]byte, error) {
	path := "/api/batches/" + url.PathEscape(batchID) + "/export?format=" + url.QueryEscape(format)
	body, _, err := c.roundTrip(ctx, http.MethodGet, path, nil, "export_results")
	if err != nil {
		return nil, withBatch(err, batchID)
	}
	return body, nil
}

func (c *Client) issueAction(ctx context.Context, issueID, action string, payload interface{}) (*models.FixResult, error) {
	var result models.FixResult
	path := "/api/fixes/" + url.PathEscape(issueID) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, payload, &result, action+"_fix"); err != nil {
		return nil, withIssue(err, issueID)
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}, op string) error {
	body, _, err := c.roundTrip(ctx, method, path, payload, op)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return trkerrors.New(trkerrors.ErrorTypeServer, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// roundTrip performs one request, retrying exactly once after a token
// refresh when the backend reports expired credentials.
func (c *Client) roundTrip(ctx context.Context, method, path string, payload interface{}, op string) ([]byte, int, error) {
	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = json.Marshal(payload)
		if err != nil {
			return nil, 0, trkerrors.New(trkerrors.ErrorTypeValidation, op, fmt.Errorf("encode request: %w", err))
		}
	}

	refreshed := false
	for {
		body, status, err := c.once(ctx, method, path, encoded, op)
		if err == nil {
			return body, status, nil
		}
		if status == http.StatusUnauthorized && !refreshed && c.source != nil {
			// One refresh, one retry; a second rejection surfaces.
			log.Debug().Str("op", op).Msg("Credentials rejected, refreshing token and retrying once")
			c.source = oauth2.ReuseTokenSource(nil, c.cfg.TokenSource)
			refreshed = true
			continue
		}
		return nil, status, err
	}
}

func (c *Client) once(ctx context.Context, method, path string, encoded []byte, op string) ([]byte, int, error) {
	var reader io.Reader
	if encoded != nil {
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, 0, trkerrors.New(trkerrors.ErrorTypeValidation, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(req, op); err != nil {
		return nil, 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, trkerrors.New(trkerrors.ErrorTypeCancelled, op, ctx.Err())
		}
		return nil, 0, trkerrors.New(trkerrors.ErrorTypeNetwork, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, trkerrors.New(trkerrors.ErrorTypeNetwork, op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, resp.StatusCode, nil
	}
	return nil, resp.StatusCode, c.classify(resp, body, op)
}

func (c *Client) authorize(req *http.Request, op string) error {
	if c.source != nil {
		tok, err := c.source.Token()
		if err != nil {
			return trkerrors.New(trkerrors.ErrorTypeAuth, op, fmt.Errorf("fetch token: %w", err))
		}
		tok.SetAuthHeader(req)
		return nil
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return nil
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// classify maps an HTTP failure onto the tracker error taxonomy.
func (c *Client) classify(resp *http.Response, body []byte, op string) error {
	msg := string(body)
	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil {
		if ae.Message != "" {
			msg = ae.Message
		} else if ae.Error != "" {
			msg = ae.Error
		}
	}
	base := fmt.Errorf("API error (%d): %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return trkerrors.New(trkerrors.ErrorTypeAuth, op, base).WithStatusCode(resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		e := trkerrors.New(trkerrors.ErrorTypeRateLimit, op, base).WithStatusCode(resp.StatusCode)
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			e = e.WithRetryAfter(d)
		}
		return e
	case resp.StatusCode == http.StatusNotFound:
		return trkerrors.New(trkerrors.ErrorTypeNotFound, op, base).WithStatusCode(resp.StatusCode)
	case resp.StatusCode == http.StatusRequestTimeout:
		return trkerrors.New(trkerrors.ErrorTypeTimeout, op, base).WithStatusCode(resp.StatusCode)
	case resp.StatusCode >= 500:
		return trkerrors.New(trkerrors.ErrorTypeServer, op, base).WithStatusCode(resp.StatusCode)
	default:
		return trkerrors.New(trkerrors.ErrorTypeValidation, op, base).WithStatusCode(resp.StatusCode)
	}
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

func withBatch(err error, batchID string) error {
	if te, ok := err.(*trkerrors.TrackerError); ok {
		return te.WithBatch(batchID)
	}
	return err
}

func withIssue(err error, issueID string) error {
	if te, ok := err.(*trkerrors.TrackerError); ok {
		return te.WithIssue(issueID)
	}
	return err
}
