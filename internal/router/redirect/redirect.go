// Package redirect hands an inbound provider call to a chosen agent.
package redirect

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// APIVersion is the Call Automation REST version used for redirects.
const APIVersion = "2023-10-15"

// Redirector moves an unanswered inbound call to an agent.
type Redirector interface {
	Redirect(ctx context.Context, incomingCallContext, agentID string) error
}

// DryRun logs redirects without contacting a provider.
type DryRun struct{}

// Redirect implements Redirector.
func (DryRun) Redirect(ctx context.Context, incomingCallContext, agentID string) error {
	slog.Info("[Redirect] Dry run", "agent", agentID, "context_bytes", len(incomingCallContext))
	return nil
}

// Credentials are the parts of a Communication Services connection string.
type Credentials struct {
	Endpoint  string
	AccessKey []byte
}

// ParseConnectionString reads "endpoint=https://...;accesskey=base64".
func ParseConnectionString(s string) (Credentials, error) {
	var endpoint, key string
	for _, part := range strings.Split(s, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(name) {
		case "endpoint":
			endpoint = value
		case "accesskey":
			key = value
		}
	}
	if endpoint == "" || key == "" {
		return Credentials{}, errors.New("connection string needs endpoint and accesskey")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return Credentials{}, fmt.Errorf("invalid endpoint %q", endpoint)
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return Credentials{}, fmt.Errorf("access key is not base64: %w", err)
	}
	return Credentials{Endpoint: strings.TrimRight(endpoint, "/"), AccessKey: raw}, nil
}

// Client calls the Call Automation redirect operation with HMAC-SHA256
// request signing.
type Client struct {
	creds      Credentials
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a redirect client from a connection string.
func NewClient(connectionString string) (*Client, error) {
	creds, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	return &Client{
		creds: creds,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		now: time.Now,
	}, nil
}

type redirectRequest struct {
	IncomingCallContext string     `json:"incomingCallContext"`
	Target              identifier `json:"target"`
}

type identifier struct {
	RawID             string             `json:"rawId,omitempty"`
	Kind              string             `json:"kind"`
	CommunicationUser *communicationUser `json:"communicationUser,omitempty"`
	PhoneNumber       *phoneNumber       `json:"phoneNumber,omitempty"`
}

type communicationUser struct {
	ID string `json:"id"`
}

type phoneNumber struct {
	Value string `json:"value"`
}

// targetFor maps an agent id to a provider identifier. E.164 numbers are
// phone targets; anything else is a communication user.
func targetFor(agentID string) identifier {
	if strings.HasPrefix(agentID, "+") {
		return identifier{
			RawID:       "4:" + agentID,
			Kind:        "phoneNumber",
			PhoneNumber: &phoneNumber{Value: agentID},
		}
	}
	return identifier{
		RawID:             agentID,
		Kind:              "communicationUser",
		CommunicationUser: &communicationUser{ID: agentID},
	}
}

// Redirect implements Redirector.
func (c *Client) Redirect(ctx context.Context, incomingCallContext, agentID string) error {
	body, err := json.Marshal(redirectRequest{
		IncomingCallContext: incomingCallContext,
		Target:              targetFor(agentID),
	})
	if err != nil {
		return fmt.Errorf("encode redirect: %w", err)
	}

	target := c.creds.Endpoint + "/calling/callConnections:redirect?api-version=" + APIVersion
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Repeatability-Request-ID", uuid.NewString())
	req.Header.Set("Repeatability-First-Sent", c.now().UTC().Format(http.TimeFormat))
	c.sign(req, body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("redirect: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// sign adds the x-ms-date, x-ms-content-sha256 and Authorization headers.
func (c *Client) sign(req *http.Request, body []byte) {
	date := c.now().UTC().Format(http.TimeFormat)
	sum := sha256.Sum256(body)
	contentHash := base64.StdEncoding.EncodeToString(sum[:])

	req.Header.Set("x-ms-date", date)
	req.Header.Set("x-ms-content-sha256", contentHash)

	toSign := req.Method + "\n" + req.URL.RequestURI() + "\n" + date + ";" + req.URL.Host + ";" + contentHash
	mac := hmac.New(sha256.New, c.creds.AccessKey)
	mac.Write([]byte(toSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("Authorization", "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature="+signature)
}
