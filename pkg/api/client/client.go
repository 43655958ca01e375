package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the presence API for agents and tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4600"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// TouchResponse captures the payload of register and heartbeat calls. Count
// is nil when the server skipped the count query.
type TouchResponse struct {
	Success      bool   `json:"success"`
	Action       string `json:"action"`
	IsNewVisitor bool   `json:"isNewVisitor"`
	Count        *int   `json:"count"`
}

// Event mirrors the wire shape of one join-event entry.
type Event struct {
	Type      string `json:"type"`
	Count     int    `json:"count"`
	Timestamp int64  `json:"timestamp"`
}

type touchRequest struct {
	SessionID    string `json:"sessionId"`
	Action       string `json:"action"`
	IncludeCount bool   `json:"includeCount,omitempty"`
}

// Register announces the session to the presence service.
func (c *Client) Register(ctx context.Context, sessionID string, includeCount bool) (TouchResponse, error) {
	body := touchRequest{SessionID: sessionID, Action: "register", IncludeCount: includeCount}
	var resp TouchResponse
	if err := c.do(ctx, http.MethodPost, "/visitors", body, &resp); err != nil {
		return TouchResponse{}, err
	}
	return resp, nil
}

// Heartbeat refreshes the session's liveness window.
func (c *Client) Heartbeat(ctx context.Context, sessionID string, includeCount bool) (TouchResponse, error) {
	body := touchRequest{SessionID: sessionID, Action: "heartbeat", IncludeCount: includeCount}
	var resp TouchResponse
	if err := c.do(ctx, http.MethodPost, "/visitors", body, &resp); err != nil {
		return TouchResponse{}, err
	}
	return resp, nil
}

// Count fetches the current active-visitor count.
func (c *Client) Count(ctx context.Context) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/visitors", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Events fetches recent join events, newest first.
func (c *Client) Events(ctx context.Context) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/visitors/events", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}
