// Package client is the Go SDK for the jobrelay HTTP API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Create a job on a generic queue (created on first use)
//	id, err := c.CreateJob(ctx, "reports", client.JobRequest{
//	    Priority: 5,
//	    Data:     map[string]any{"month": "2026-06"},
//	})
//
//	// Work it from an external process
//	job, err := c.Claim(ctx, "reports")
//	if job != nil {
//	    _, err = c.Complete(ctx, "reports", job.ID, map[string]any{"rows": 120})
//	}
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. IsNotFound and IsConflict cover the common cases.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client, so
// connections are reused across goroutines.
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

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jobrelay: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 from the server, e.g. an
// invalid status transition.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the key sent as the X-Api-Key header on every request.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client talks to one jobrelay node. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client for the node at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("https://jobs.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Types ────────────────────────────────────────────────────────────────────

// Job is a job record as the server returns it. Timestamps are Unix
// milliseconds.
type Job struct {
	ID          string         `json:"id"`
	Queue       string         `json:"queue"`
	Status      string         `json:"status"`
	Priority    int            `json:"priority"`
	Data        map[string]any `json:"data,omitempty"`
	Progress    map[string]any `json:"progress,omitempty"`
	Results     map[string]any `json:"results,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
	CreatedAt   int64          `json:"createdAt"`
	StartedAt   int64          `json:"startedAt,omitempty"`
	CompletedAt int64          `json:"completedAt,omitempty"`
	UpdatedAt   int64          `json:"updatedAt"`
}

// JobList is one page of jobs plus the total number of matches.
type JobList struct {
	Jobs  []*Job `json:"jobs"`
	Total int    `json:"total"`
}

// JobRequest describes a job to create.
type JobRequest struct {
	Priority int            `json:"priority,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	// MaxAttempts overrides the server's default when > 0.
	MaxAttempts int `json:"maxAttempts,omitempty"`
}

// JobUpdate is a partial change to a job. Nil and empty fields are left
// untouched.
type JobUpdate struct {
	Status       string         `json:"status,omitempty"`
	Progress     map[string]any `json:"progress,omitempty"`
	Results      map[string]any `json:"results,omitempty"`
	MergeResults map[string]any `json:"mergeResults,omitempty"`
	Error        *string        `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Priority     *int           `json:"priority,omitempty"`
}

// ListOptions filters, sorts and pages ListJobs.
type ListOptions struct {
	Statuses    []string
	MinPriority *int
	// Sort is createdAt (default), updatedAt or priority.
	Sort      string
	Ascending bool
	Offset    int
	Limit     int
}

// QueueStats summarises one queue.
type QueueStats struct {
	Queue      string `json:"queue"`
	Waiting    int    `json:"waiting"`
	Processing int    `json:"processing"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Throughput struct {
		Last24h int `json:"last24h"`
		Last7d  int `json:"last7d"`
	} `json:"throughput"`
	AvgProcessingTimeMs int64 `json:"avgProcessingTimeMs"`
	OldestWaitingJob    int64 `json:"oldestWaitingJob,omitempty"`
}

// QueueInfo describes a registered queue.
type QueueInfo struct {
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
	Builtin   bool   `json:"builtin,omitempty"`
}

// Webhook is a registered event endpoint.
type Webhook struct {
	ID     string   `json:"id"`
	Queue  string   `json:"queue"`
	Types  []string `json:"types,omitempty"`
	URL    string   `json:"url"`
	Filter string   `json:"filter,omitempty"`
}

// WebhookRequest registers an endpoint for a queue's events. Filter is an
// optional CEL expression over type, queue, data, timestamp and seq.
type WebhookRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret,omitempty"`
	Types  []string `json:"types,omitempty"`
	Filter string   `json:"filter,omitempty"`
}

// HealthInfo contains the data returned by the /health endpoint.
type HealthInfo struct {
	Status string
	NodeID string
	Queues int
	Uptime time.Duration
	Tier   string
}

// ─── Pipeline requests ────────────────────────────────────────────────────────

// ExtractionRequest asks for a document to be extracted.
type ExtractionRequest struct {
	FileName string         `json:"fileName"`
	FileURL  string         `json:"fileUrl"`
	Priority int            `json:"priority,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// CrawlRequest asks for a site to be crawled.
type CrawlRequest struct {
	URL      string `json:"url"`
	MaxDepth int    `json:"maxDepth,omitempty"`
	MaxPages int    `json:"maxPages,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// TrainingRequest asks for a model to be trained on a dataset.
type TrainingRequest struct {
	ModelType string `json:"modelType"`
	DatasetID string `json:"datasetId"`
	Epochs    int    `json:"epochs,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}

// ─── Job operations ───────────────────────────────────────────────────────────

type createResp struct {
	ID string `json:"id"`
}

// CreateJob creates a waiting job on queue and returns its id. The queue is
// registered on first use.
func (c *Client) CreateJob(ctx context.Context, queue string, req JobRequest) (string, error) {
	var resp createResp
	if err := c.do(ctx, http.MethodPost, queuePath(queue, "jobs"), req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// GetJob returns one job.
func (c *Client) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	var j Job
	if err := c.do(ctx, http.MethodGet, queuePath(queue, "jobs", id), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJobs returns one page of queue's jobs.
func (c *Client) ListJobs(ctx context.Context, queue string, opts ListOptions) (*JobList, error) {
	q := url.Values{}
	if len(opts.Statuses) > 0 {
		q.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.MinPriority != nil {
		q.Set("minPriority", strconv.Itoa(*opts.MinPriority))
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	if opts.Ascending {
		q.Set("order", "asc")
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := queuePath(queue, "jobs")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list JobList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// UpdateJob applies a partial change and returns the updated job.
func (c *Client) UpdateJob(ctx context.Context, queue, id string, u JobUpdate) (*Job, error) {
	var j Job
	if err := c.do(ctx, http.MethodPatch, queuePath(queue, "jobs", id), u, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// DeleteJob removes a job.
func (c *Client) DeleteJob(ctx context.Context, queue, id string) error {
	return c.do(ctx, http.MethodDelete, queuePath(queue, "jobs", id), nil, nil)
}

// RetryJob moves a failed job back to waiting.
func (c *Client) RetryJob(ctx context.Context, queue, id string) (*Job, error) {
	return c.jobAction(ctx, queuePath(queue, "jobs", id, "retry"), nil)
}

// Claim takes the next waiting job for processing. It returns nil, nil when
// nothing is waiting.
func (c *Client) Claim(ctx context.Context, queue string) (*Job, error) {
	j, err := c.jobAction(ctx, queuePath(queue, "claim"), nil)
	if err != nil {
		return nil, err
	}
	if j.ID == "" {
		return nil, nil
	}
	return j, nil
}

// Complete marks a processing job completed with results.
func (c *Client) Complete(ctx context.Context, queue, id string, results map[string]any) (*Job, error) {
	return c.jobAction(ctx, queuePath(queue, "jobs", id, "complete"), map[string]any{"results": results})
}

// Fail marks a processing job failed with message.
func (c *Client) Fail(ctx context.Context, queue, id, message string) (*Job, error) {
	return c.jobAction(ctx, queuePath(queue, "jobs", id, "fail"), map[string]string{"error": message})
}

func (c *Client) jobAction(ctx context.Context, path string, body any) (*Job, error) {
	var j Job
	if err := c.do(ctx, http.MethodPost, path, body, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// ─── Pipeline ─────────────────────────────────────────────────────────────────

// EnqueueExtraction creates a document-extraction job.
func (c *Client) EnqueueExtraction(ctx context.Context, req ExtractionRequest) (string, error) {
	return c.enqueue(ctx, "extraction", req)
}

// EnqueueCrawl creates a web-crawl job.
func (c *Client) EnqueueCrawl(ctx context.Context, req CrawlRequest) (string, error) {
	return c.enqueue(ctx, "crawl", req)
}

// EnqueueTraining creates a model-training job.
func (c *Client) EnqueueTraining(ctx context.Context, req TrainingRequest) (string, error) {
	return c.enqueue(ctx, "training", req)
}

func (c *Client) enqueue(ctx context.Context, kind string, req any) (string, error) {
	var resp createResp
	if err := c.do(ctx, http.MethodPost, "/pipeline/"+kind, req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// ─── Queues ───────────────────────────────────────────────────────────────────

// ListQueues returns every registered queue.
func (c *Client) ListQueues(ctx context.Context) ([]QueueInfo, error) {
	var resp struct {
		Queues []QueueInfo `json:"queues"`
	}
	if err := c.do(ctx, http.MethodGet, "/queues", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Queues, nil
}

// DeleteQueue unregisters a generic queue. Its jobs stay in the store.
func (c *Client) DeleteQueue(ctx context.Context, queue string) error {
	return c.do(ctx, http.MethodDelete, queuePath(queue), nil, nil)
}

// QueueStats returns one queue's counters.
func (c *Client) QueueStats(ctx context.Context, queue string) (*QueueStats, error) {
	var s QueueStats
	if err := c.do(ctx, http.MethodGet, queuePath(queue, "stats"), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Stats returns the counters of every registered queue.
func (c *Client) Stats(ctx context.Context) ([]*QueueStats, error) {
	var resp struct {
		Queues []*QueueStats `json:"queues"`
	}
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Queues, nil
}

// DeadLetters returns one page of queue's failed jobs with no attempts left.
func (c *Client) DeadLetters(ctx context.Context, queue string, offset, limit int) (*JobList, error) {
	path := fmt.Sprintf("%s?offset=%d&limit=%d", queuePath(queue, "deadletters"), offset, limit)
	var list JobList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// ReplayDeadLetters re-creates up to limit dead letters as fresh jobs
// (limit <= 0 uses the server default) and returns how many were replayed.
func (c *Client) ReplayDeadLetters(ctx context.Context, queue string, limit int) (int, error) {
	path := queuePath(queue, "deadletters", "replay")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Replayed int `json:"replayed"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Replayed, nil
}

// ─── Webhooks ─────────────────────────────────────────────────────────────────

// AddWebhook registers an endpoint for queue's events.
func (c *Client) AddWebhook(ctx context.Context, queue string, req WebhookRequest) (*Webhook, error) {
	var w Webhook
	if err := c.do(ctx, http.MethodPost, queuePath(queue, "webhooks"), req, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWebhooks returns every registered webhook.
func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var resp struct {
		Webhooks []Webhook `json:"webhooks"`
	}
	if err := c.do(ctx, http.MethodGet, "/webhooks", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Webhooks, nil
}

// RemoveWebhook deregisters a webhook.
func (c *Client) RemoveWebhook(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/webhooks/"+url.PathEscape(id), nil, nil)
}

// ─── Health ───────────────────────────────────────────────────────────────────

// Health checks the server's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		NodeID   string `json:"nodeId"`
		Queues   int    `json:"queues"`
		UptimeMs int64  `json:"uptimeMs"`
		Broker   struct {
			Tier string `json:"tier"`
		} `json:"broker"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status: resp.Status,
		NodeID: resp.NodeID,
		Queues: resp.Queues,
		Uptime: time.Duration(resp.UptimeMs) * time.Millisecond,
		Tier:   resp.Broker.Tier,
	}, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

func queuePath(queue string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/queues/")
	b.WriteString(url.PathEscape(queue))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// do performs a single HTTP request. body is encoded as JSON when non-nil,
// resp is decoded from JSON when non-nil. 204 No Content leaves resp as is.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("jobrelay: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("jobrelay: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("jobrelay: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("jobrelay: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("jobrelay: decode response: %w", err)
		}
	}
	return nil
}
