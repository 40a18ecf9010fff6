// Package opencode is the HTTP client for an OpenCode server. It covers the
// small REST surface the engine needs plus the SSE prompt stream.
package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewClientWithKey builds a client that sends a bearer token on every request
func NewClientWithKey(baseURL, apiKey string) *Client {
	c := NewClient(baseURL)
	c.apiKey = apiKey
	return c
}

// SetTimeout overrides the default request timeout. Streaming requests
// manage their own lifetime and ignore this.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// BaseURL returns the server address this client targets
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// AppInfo fetches the server's identity. It doubles as the connectivity probe.
func (c *Client) AppInfo(ctx context.Context) (*AppInfo, error) {
	req, err := c.newRequest(ctx, "GET", "/app", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build app request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get app info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("app", resp.StatusCode)
	}

	var info AppInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode app response: %w", err)
	}

	return &info, nil
}

// CreateSession creates a new conversation on the server
func (c *Client) CreateSession(ctx context.Context) (*Session, error) {
	req, err := c.newRequest(ctx, "POST", "/session", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build session request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, statusError("session create", resp.StatusCode)
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("failed to decode session response: %w", err)
	}

	return &session, nil
}

// ListSessions returns all conversations known to the server
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	req, err := c.newRequest(ctx, "GET", "/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build sessions request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("sessions", resp.StatusCode)
	}

	var sessions SessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("failed to decode sessions response: %w", err)
	}

	return sessions.Sessions, nil
}

// GetMessages fetches the full message history of a session
func (c *Client) GetMessages(ctx context.Context, sessionID string) ([]WireMessage, error) {
	req, err := c.newRequest(ctx, "GET", "/session/"+sessionID+"/messages", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build messages request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("messages", resp.StatusCode)
	}

	var messages MessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages response: %w", err)
	}

	return messages.Messages, nil
}

// SendMessage posts a prompt to a session. The response body is an SSE
// stream of the assistant's turn; the returned EventStream delivers it.
// The caller owns the stream and must Close it.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (*EventStream, error) {
	body, err := json.Marshal(PromptRequest{
		Parts: []PromptPart{{Type: "text", Text: text}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode prompt: %w", err)
	}

	req, err := c.newRequest(ctx, "POST", "/session/"+sessionID+"/prompt", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build prompt request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the default request timeout; use a transport-only
	// client sharing nothing time-bounded.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send prompt: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, statusError("prompt", resp.StatusCode)
	}

	return newEventStream(resp.Body), nil
}

// Events opens the session's read-only event feed. Unlike SendMessage it
// runs nothing on the server, so it is safe to call again after a stream
// drops mid-response.
func (c *Client) Events(ctx context.Context, sessionID string) (*EventStream, error) {
	req, err := c.newRequest(ctx, "GET", "/session/"+sessionID+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build events request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open event feed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, statusError("events", resp.StatusCode)
	}

	return newEventStream(resp.Body), nil
}

// HTTPError reports a non-success response. Callers that need per-status
// handling unwrap it with errors.As.
type HTTPError struct {
	Operation  string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s request failed with status: %d", e.Operation, e.StatusCode)
}

func statusError(operation string, code int) error {
	return &HTTPError{Operation: operation, StatusCode: code}
}
