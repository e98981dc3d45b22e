// Package client talks to a lexflowd server: a typed HTTP client for the job
// API and an adaptive Monitor that polls tracked jobs to completion and
// raises exactly one notification per terminal outcome.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Status mirrors the server's job status enum.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus maps a wire value onto the status enum. Anything outside the
// four canonical values is an error, including legacy spellings like
// "running"; the monitor must not paper over a schema drift.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Job is the wire form of one job record. The client owns its own copy of
// the types so it can be vendored into other services without dragging the
// server's internals along.
type Job struct {
	ID              string          `json:"job_id"`
	Type            string          `json:"type"`
	OwnerID         string          `json:"owner_id"`
	Status          Status          `json:"status"`
	Progress        int             `json:"progress"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Validate rejects records whose status lies outside the canonical enum.
func (j *Job) Validate() error {
	if _, err := ParseStatus(string(j.Status)); err != nil {
		return fmt.Errorf("job %s: %w", j.ID, err)
	}
	return nil
}

// JobList is one page of a recency-ordered listing.
type JobList struct {
	Jobs    []*Job `json:"jobs"`
	Total   int    `json:"total"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	HasMore bool   `json:"has_more"`
}

// ErrNotFound is returned for 404 responses: the job does not exist or
// belongs to another owner; the API never says which.
var ErrNotFound = errors.New("job not found")

// APIError is a non-2xx response other than a clean 404.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
}

// Client is a typed HTTP client for the lexflowd job API. All requests carry
// the service API key and the owner identity the client was built for.
type Client struct {
	baseURL string
	apiKey  string
	ownerID string
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport, e.g. to tighten timeouts
// or add instrumentation.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New builds a client for the server at baseURL, authenticating with apiKey
// and scoping every call to ownerID.
func New(baseURL, apiKey, ownerID string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		ownerID: ownerID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createJobRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CreateJob submits a new job and returns the accepted record, still pending.
// The server keeps no duplicate guard: two identical calls create two
// independent jobs, so callers wanting at-most-one must check first.
func (c *Client) CreateJob(ctx context.Context, jobType string, payload json.RawMessage) (*Job, error) {
	var j Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", createJobRequest{Type: jobType, Payload: payload}, &j); err != nil {
		return nil, err
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJob fetches one job. Absent and foreign jobs are both ErrNotFound.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &j); err != nil {
		return nil, err
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJobs fetches one page of the owner's jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, limit, offset int) (*JobList, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page JobList
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	for _, j := range page.Jobs {
		if err := j.Validate(); err != nil {
			return nil, err
		}
	}
	return &page, nil
}

// DeleteJob removes a terminal job record. The server refuses to delete jobs
// that are still pending or processing; execution is never cancellable.
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(id), nil, nil)
}

// Health probes the unauthenticated health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v1/health", nil, nil)
}

// do runs one request. Transport failures pass through untouched so callers
// can tell a network problem from a server verdict; 404 becomes ErrNotFound
// and every other non-2xx becomes an *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Owner-Id", c.ownerID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil || body.Error.Code == "" {
		return &APIError{Status: resp.StatusCode, Code: "unknown", Message: http.StatusText(resp.StatusCode)}
	}
	return &APIError{Status: resp.StatusCode, Code: body.Error.Code, Message: body.Error.Message}
}
