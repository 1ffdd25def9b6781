// ABOUTME: HTTP client for a LangGraph-compatible orchestration deployment
// ABOUTME: Covers thread lifecycle, blocking runs and streamed runs authenticated by x-api-key

package langgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	apiKeyHeader = "x-api-key"

	maxErrorBody    = 4096
	maxResponseBody = 32 << 20
)

// HTTPStatusError captures non-2xx responses from the deployment.
type HTTPStatusError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("langgraph: %s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("langgraph: %s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, body)
}

// IsNotFound reports whether err is a 404 from the deployment.
func IsNotFound(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

// ParameterGetter resolves a named secret, such as an SSM parameter.
type ParameterGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Thread is the subset of the remote thread object the gateway uses.
type Thread struct {
	ThreadID  string         `json:"thread_id"`
	CreatedAt string         `json:"created_at,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Status    string         `json:"status,omitempty"`
}

// Run is the subset of the remote run object the gateway uses.
type Run struct {
	RunID       string `json:"run_id"`
	ThreadID    string `json:"thread_id"`
	AssistantID string `json:"assistant_id"`
	Status      string `json:"status"`
}

// InputMessage is a chat message placed in the run input.
type InputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunInput is the graph input for a run. Images are forwarded untouched.
type RunInput struct {
	Messages []InputMessage   `json:"messages"`
	Images   []json.RawMessage `json:"images,omitempty"`
}

// RunConfig carries graph configuration for a run.
type RunConfig struct {
	Configurable map[string]any `json:"configurable,omitempty"`
}

// RunRequest is the body for creating or streaming a run.
type RunRequest struct {
	AssistantID string     `json:"assistant_id"`
	Input       RunInput   `json:"input"`
	Config      *RunConfig `json:"config,omitempty"`
	StreamMode  []string   `json:"stream_mode,omitempty"`
}

// Client talks to a single deployment.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	apiKey    string
	getter    ParameterGetter
	paramName string

	keyMu       sync.Mutex
	resolvedKey string
}

// keyLookupTimeout bounds a parameter store lookup detached from the caller.
const keyLookupTimeout = 10 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sets a static API key.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

// WithAPIKeyParameter fetches the API key from a parameter store on first use.
// A static key set with WithAPIKey takes precedence.
func WithAPIKeyParameter(getter ParameterGetter, name string) Option {
	return func(c *Client) {
		c.getter = getter
		c.paramName = strings.TrimSpace(name)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Client for the deployment at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("langgraph: base url must not be empty")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("langgraph: invalid base url: %w", err)
	}

	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "langgraph")
	return c, nil
}

// resolveAPIKey returns the static key, or fetches the parameter and caches it.
// Failures are not cached, so the next call retries the lookup.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	if c.apiKey != "" || c.getter == nil {
		return c.apiKey, nil
	}

	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.resolvedKey != "" {
		return c.resolvedKey, nil
	}

	// One caller going away must not fail the lookup for everyone queued behind it
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), keyLookupTimeout)
	defer cancel()

	key, err := c.getter.GetParameter(lookupCtx, c.paramName)
	if err != nil {
		return "", fmt.Errorf("langgraph: resolve api key: %w", err)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("langgraph: resolve api key: parameter %q is empty", c.paramName)
	}
	c.resolvedKey = key
	return key, nil
}

// CreateThread provisions a new thread carrying the given metadata.
func (c *Client) CreateThread(ctx context.Context, metadata map[string]any) (*Thread, error) {
	var thread Thread
	if err := c.doJSON(ctx, http.MethodPost, "/threads", map[string]any{"metadata": metadata}, &thread); err != nil {
		return nil, err
	}
	if thread.ThreadID == "" {
		return nil, errors.New("langgraph: create thread: response has no thread_id")
	}
	c.logger.Debug("thread created", "thread_id", thread.ThreadID)
	return &thread, nil
}

// DeleteThread removes a thread and its history.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, threadPath(threadID), nil, nil); err != nil {
		return err
	}
	c.logger.Debug("thread deleted", "thread_id", threadID)
	return nil
}

// GetThreadState returns the raw thread state document.
func (c *Client) GetThreadState(ctx context.Context, threadID string) (json.RawMessage, error) {
	var state json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, threadPath(threadID)+"/state", nil, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// CreateRun starts a background run on a thread.
func (c *Client) CreateRun(ctx context.Context, threadID string, req *RunRequest) (*Run, error) {
	var run Run
	if err := c.doJSON(ctx, http.MethodPost, threadPath(threadID)+"/runs", req, &run); err != nil {
		return nil, err
	}
	if run.RunID == "" {
		return nil, errors.New("langgraph: create run: response has no run_id")
	}
	c.logger.Debug("run created", "thread_id", threadID, "run_id", run.RunID)
	return &run, nil
}

// JoinRun blocks until the run finishes.
func (c *Client) JoinRun(ctx context.Context, threadID, runID string) error {
	return c.doJSON(ctx, http.MethodGet, threadPath(threadID)+"/runs/"+url.PathEscape(runID)+"/join", nil, nil)
}

// Wait creates a run, joins it and returns the resulting thread state.
func (c *Client) Wait(ctx context.Context, threadID string, req *RunRequest) (json.RawMessage, error) {
	run, err := c.CreateRun(ctx, threadID, req)
	if err != nil {
		return nil, err
	}
	if err := c.JoinRun(ctx, threadID, run.RunID); err != nil {
		return nil, err
	}
	return c.GetThreadState(ctx, threadID)
}

// StreamRun starts a run and returns its server-sent event stream. The caller
// must Close the stream; canceling ctx also releases the connection.
func (c *Client) StreamRun(ctx context.Context, threadID string, req *RunRequest) (*EventStream, error) {
	path := threadPath(threadID) + "/runs/stream"
	httpReq, err := c.newRequest(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("langgraph: POST %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp, http.MethodPost, httpReq.URL.String())
	}

	c.logger.Debug("run stream opened", "thread_id", threadID)
	return NewEventStream(resp.Body), nil
}

func threadPath(threadID string) string {
	return "/threads/" + url.PathEscape(threadID)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("langgraph: marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("langgraph: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	key, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}
	if key != "" {
		req.Header.Set(apiKeyHeader, key)
	}
	return req, nil
}

// doJSON sends body as JSON and decodes a JSON response into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("langgraph: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp, method, req.URL.String())
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return nil
	}

	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("langgraph: read response body: %w", err)
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("langgraph: decode %s %s response: %w", method, path, err)
	}
	return nil
}

func statusError(resp *http.Response, method, u string) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPStatusError{
		StatusCode: resp.StatusCode,
		Method:     method,
		URL:        u,
		Body:       string(buf),
	}
}
