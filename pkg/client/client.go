package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client is a minimal HTTP client for the Procurator broker API.
type Client struct {
	baseURL string
	opts    *options
}

// New creates a new Client.
func New(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Client{baseURL: baseURL, opts: o}
}

// SubmitRequest is a task submission. Payload fields beyond the reserved
// keys ride through untouched.
type SubmitRequest struct {
	Queue      string                 `json:"queue,omitempty"`
	Task       string                 `json:"task"`
	TaskData   map[string]interface{} `json:"taskData,omitempty"`
	Webhook    string                 `json:"webhook,omitempty"`
	MaxRetries *int                   `json:"_max_retries,omitempty"`
	Sync       bool                   `json:"sync,omitempty"`
	Meta       interface{}            `json:"meta,omitempty"`
}

// SubmitResponse is the broker's answer to a submission. TaskID is set for
// async submissions; Status/Result/Error for sync ones.
type SubmitResponse struct {
	Accepted bool        `json:"accepted"`
	TaskID   string      `json:"task_id,omitempty"`
	Status   string      `json:"status,omitempty"`
	Result   interface{} `json:"result,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// TaskStatus is a task record as reported by the status endpoint.
type TaskStatus struct {
	TaskID     string                 `json:"task_id"`
	ID         string                 `json:"id"`
	Queue      string                 `json:"queue"`
	Task       string                 `json:"task"`
	Status     string                 `json:"status"`
	Payload    map[string]interface{} `json:"payload"`
	Retries    int                    `json:"retries"`
	MaxRetries int                    `json:"max_retries"`
	Error      string                 `json:"error,omitempty"`
	WorkerID   string                 `json:"worker_id,omitempty"`
}

// DLQEntry is one row of a DLQ listing.
type DLQEntry struct {
	MsgID     string  `json:"msg_id"`
	Time      string  `json:"time"`
	Timestamp float64 `json:"timestamp"`
	Task      string  `json:"task"`
	Error     string  `json:"error"`
}

// DLQDetail is the full view of one dead letter.
type DLQDetail struct {
	Meta    map[string]string `json:"meta"`
	Payload interface{}       `json:"payload"`
}

// Submit sends a task to the broker.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTask returns the current state of a task; status "unknown" once the
// record has expired.
func (c *Client) GetTask(ctx context.Context, tid string) (*TaskStatus, error) {
	var resp TaskStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+tid, nil, &resp); err != nil {
		return nil, err
	}
	if resp.TaskID == "" {
		resp.TaskID = resp.ID
	}
	return &resp, nil
}

// ListDLQ lists a queue's most recent dead letters.
func (c *Client) ListDLQ(ctx context.Context, queue string, count int) ([]DLQEntry, error) {
	path := fmt.Sprintf("/admin/dlq/%s/?count=%d", queue, count)
	var resp struct {
		Entries []DLQEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// InspectDLQ returns one dead letter in full.
func (c *Client) InspectDLQ(ctx context.Context, queue, msgID string) (*DLQDetail, error) {
	var resp DLQDetail
	if err := c.do(ctx, http.MethodGet, "/admin/dlq/"+queue+"/"+msgID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReplayDLQ re-enqueues a dead letter and returns the new task id.
func (c *Client) ReplayDLQ(ctx context.Context, queue, msgID string) (string, error) {
	var resp struct {
		NewTID string `json:"new_tid"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/dlq/"+queue+"/"+msgID+"/replay", nil, &resp); err != nil {
		return "", err
	}
	return resp.NewTID, nil
}

// PurgeDLQ irreversibly empties a queue's DLQ.
func (c *Client) PurgeDLQ(ctx context.Context, queue string) error {
	return c.do(ctx, http.MethodDelete, "/admin/dlq/"+queue+"/", nil, nil)
}

// APIError is a non-2xx broker response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.opts.apply(req)

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Message}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
