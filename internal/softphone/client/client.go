package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	types "github.com/sebas/dialtest/api/types/v1"
)

// APIError is a non-2xx reply from the control API.
type APIError struct {
	Status int
	Kind   string
	Msg    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d %s)", e.Msg, e.Status, e.Kind)
	}
	return fmt.Sprintf("%s (%d)", e.Msg, e.Status)
}

// Client is an HTTP client for the softphone control API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new control API client. Tone batches and speech can
// take a while, so the timeout is generous.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// BaseURL returns the API base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health fetches health status from the softphone
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	var health types.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// State fetches the current call state
func (c *Client) State(ctx context.Context) (*types.CallState, error) {
	var st types.CallState
	if err := c.do(ctx, http.MethodGet, "/api/v1/state", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Call dials destination
func (c *Client) Call(ctx context.Context, destination string) (*types.CallState, error) {
	return c.stateOp(ctx, "/api/v1/call", types.CallRequest{Destination: destination})
}

// Accept answers the ringing inbound call
func (c *Client) Accept(ctx context.Context) (*types.CallState, error) {
	return c.stateOp(ctx, "/api/v1/accept", nil)
}

// Reject declines the ringing inbound call
func (c *Client) Reject(ctx context.Context) (*types.CallState, error) {
	return c.stateOp(ctx, "/api/v1/reject", nil)
}

// Hangup ends the active call
func (c *Client) Hangup(ctx context.Context) (*types.CallState, error) {
	return c.stateOp(ctx, "/api/v1/hangup", nil)
}

// ToggleMute requests the opposite mute state
func (c *Client) ToggleMute(ctx context.Context) (*types.CallState, error) {
	return c.stateOp(ctx, "/api/v1/mute", nil)
}

// DTMF sends a keypad string to the connected call
func (c *Client) DTMF(ctx context.Context, digits string) (*types.DTMFResponse, error) {
	var resp types.DTMFResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/dtmf", types.DTMFRequest{Digits: digits}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Speak synthesizes text and plays it into the call
func (c *Client) Speak(ctx context.Context, text string) (*types.SpeakResponse, error) {
	var resp types.SpeakResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/speak", types.SpeakRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Inject plays a WAV file into the call
func (c *Client) Inject(ctx context.Context, wav []byte) (*types.SpeakResponse, error) {
	var resp types.SpeakResponse
	if err := c.send(ctx, http.MethodPost, "/api/v1/inject", "audio/wav", bytes.NewReader(wav), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) stateOp(ctx context.Context, path string, body any) (*types.CallState, error) {
	var st types.CallState
	if err := c.do(ctx, http.MethodPost, path, body, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// do sends body as JSON and decodes the reply into out
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	return c.send(ctx, method, path, "application/json", r, out)
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e types.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return &APIError{Status: resp.StatusCode, Msg: "unexpected status"}
		}
		return &APIError{Status: resp.StatusCode, Kind: e.Kind, Msg: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
