// Package veriswarm is a thin Go client for the VeriSwarm REST API.
package veriswarm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Workflow and inference calls fan out to several remote
// workers, so it is longer than a typical API timeout.
const DefaultHTTPTimeout = 2 * time.Minute

// Client wraps the HTTP interactions with the VeriSwarm REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// WorkflowSubmission is the payload required to enqueue a workflow.
type WorkflowSubmission struct {
	ID           string            `json:"id,omitempty"`
	Task         string            `json:"task"`
	SkipPlanning bool              `json:"skip_planning,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
}

// Step is one entry of a workflow's step log.
type Step struct {
	Stage          string  `json:"stage"`
	SubTaskID      string  `json:"subtask_id,omitempty"`
	Description    string  `json:"description"`
	Status         string  `json:"status"`
	ConsensusScore float64 `json:"consensus_score"`
	IsVerified     bool    `json:"is_verified"`
	Error          string  `json:"error,omitempty"`
}

// WorkflowResult is the outcome of a finished workflow run.
type WorkflowResult struct {
	WorkflowID       string  `json:"workflow_id"`
	OriginalTask     string  `json:"original_task"`
	FinalOutput      string  `json:"final_output"`
	IsVerified       bool    `json:"is_verified"`
	ConsensusScore   float64 `json:"consensus_score"`
	EvidenceBundleID string  `json:"evidence_bundle_id,omitempty"`
	ExecutionTimeMs  float64 `json:"execution_time_ms"`
	Steps            []Step  `json:"steps"`
	State            string  `json:"state"`
}

// Workflow is the job record returned by the workflow endpoints.
type Workflow struct {
	ID         string          `json:"id"`
	Task       string          `json:"task"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Result     *WorkflowResult `json:"result,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// Done reports whether the workflow reached a final state. Failed jobs that
// still have retries left are not done.
func (w *Workflow) Done() bool {
	switch w.Status {
	case "succeeded":
		return true
	case "failed":
		return w.Attempts >= w.MaxRetries || w.ErrorCode != "TASK_PLANNING_FAILED"
	default:
		return false
	}
}

// Output is the text-plus-data envelope returned by the tool endpoints.
type Output struct {
	Text string          `json:"text"`
	Data json.RawMessage `json:"data,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("veriswarm api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("veriswarm api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the VeriSwarm API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SubmitWorkflow enqueues a workflow job.
func (c *Client) SubmitWorkflow(ctx context.Context, submission WorkflowSubmission) (*Workflow, error) {
	var wf Workflow
	if err := c.post(ctx, "/api/v1/workflows", submission, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// GetWorkflow fetches a workflow job by identifier.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	if err := c.get(ctx, "/api/v1/workflows/"+url.PathEscape(id), nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// WaitWorkflow polls a workflow until it is done or ctx expires.
func (c *Client) WaitWorkflow(ctx context.Context, id string, interval time.Duration) (*Workflow, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		wf, err := c.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		if wf.Done() {
			return wf, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Infer runs a single verified inference.
func (c *Client) Infer(ctx context.Context, prompt string, consensusThreshold float64, maxTokens int) (*Output, error) {
	payload := map[string]any{
		"prompt":              prompt,
		"consensus_threshold": consensusThreshold,
		"max_tokens":          maxTokens,
	}
	var out Output
	if err := c.post(ctx, "/api/v1/inference", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Workers lists the workers observed by the server's session.
func (c *Client) Workers(ctx context.Context) (*Output, error) {
	var out Output
	if err := c.get(ctx, "/api/v1/workers", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify recomputes the integrity hash of a task's latest evidence bundle.
func (c *Client) Verify(ctx context.Context, taskID string) (*Output, error) {
	var out Output
	if err := c.get(ctx, "/api/v1/evidence/"+url.PathEscape(taskID)+"/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Audit summarises a task's latest evidence bundle.
func (c *Client) Audit(ctx context.Context, taskID string, includeWorkerDetails bool) (*Output, error) {
	query := url.Values{}
	if includeWorkerDetails {
		query.Set("details", strconv.FormatBool(true))
	}
	var out Output
	if err := c.get(ctx, "/api/v1/evidence/"+url.PathEscape(taskID), query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Bundle returns the raw JSON export of an evidence bundle.
func (c *Client) Bundle(ctx context.Context, bundleID string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/api/v1/bundles/"+url.PathEscape(bundleID), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Session returns the server's session log export.
func (c *Client) Session(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/api/v1/session", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Health reports the server health. A degraded server answers 503 with a
// regular payload, which is returned together with the APIError.
func (c *Client) Health(ctx context.Context) (*Output, error) {
	var out Output
	err := c.get(ctx, "/healthz", nil, &out)
	if err != nil && out.Text == "" {
		return nil, err
	}
	return &out, err
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			var envelope struct {
				Error *APIError `json:"error"`
			}
			if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
				apiErr.Code = envelope.Error.Code
				apiErr.Message = envelope.Error.Message
			} else if out != nil {
				// 503 from /healthz still carries a regular payload.
				_ = json.Unmarshal(data, out)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
