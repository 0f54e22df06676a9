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

	"github.com/luckiday/dreamgaussian-api/pkg/api"
	"github.com/luckiday/dreamgaussian-api/pkg/models"
	"github.com/luckiday/dreamgaussian-api/pkg/retry"
)

// DefaultPollInterval is used by Wait when given a non-positive interval
const DefaultPollInterval = 2 * time.Second

// ErrTaskNotFound is returned by Status for unknown task ids
var ErrTaskNotFound = errors.New("task not found")

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("server returned %d: %s (%s)", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a dreamgen API server
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      retry.Config
}

// Option configures a Client
type Option func(*Client)

// WithAPIKey sends the key as a bearer token
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry sets the retry policy for idempotent requests
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// New creates a client for the server at baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit posts a generation request. It is not retried: a lost response
// could otherwise enqueue the job twice.
func (c *Client) Submit(ctx context.Context, req api.GenerateRequest) (*api.SubmitResponse, int, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp api.SubmitResponse
	code, err := c.do(ctx, http.MethodPost, "/generate-3d-object", data, &resp)
	if err != nil {
		return nil, code, err
	}
	return &resp, code, nil
}

// Status fetches the state of a task
func (c *Client) Status(ctx context.Context, taskID string) (*api.TaskStatusResponse, error) {
	var resp api.TaskStatusResponse
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodGet, "/task-status/"+url.PathEscape(taskID), nil, &resp)
		return retryable(err)
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, err
	}
	return &resp, nil
}

// Wait polls Status until the task is terminal or ctx is done. onUpdate,
// if non-nil, sees every poll result.
func (c *Client) Wait(ctx context.Context, taskID string, interval time.Duration, onUpdate func(*api.TaskStatusResponse)) (*api.TaskStatusResponse, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := c.Status(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(st)
		}
		if taskID == models.SentinelJobID || models.IsTerminalState(models.JobStatus(st.State)) {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// List returns the most recent tasks, optionally filtered by state
func (c *Client) List(ctx context.Context, state string, limit int) (*api.TasksResponse, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp api.TasksResponse
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodGet, path, nil, &resp)
		return retryable(err)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health fetches the server health report
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if _, err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
			return nil, err
		}
		return &resp, err
	}
	return &resp, nil
}

func retryable(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 500 {
			return err
		}
		return retry.Permanent(err)
	}
	if retry.IsRetryable(err) {
		return err
	}
	return retry.Permanent(err)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var e api.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
			apiErr.Details = e.Details
		}
		if out != nil {
			json.Unmarshal(raw, out)
		}
		return resp.StatusCode, apiErr
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
