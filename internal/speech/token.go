// Package speech talks to Azure Speech: it issues short-lived
// authorization tokens from a subscription key and synthesizes text into
// WAV clips.
package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// TokenLifetime is how long Azure honours an issued token.
const TokenLifetime = 10 * time.Minute

var ErrNotConfigured = errors.New("speech key or region not configured")

// Token is an Azure Speech authorization token and the region it is valid in.
type Token struct {
	Value  string `json:"token"`
	Region string `json:"region"`
}

// TokenSource produces tokens for synthesis.
type TokenSource interface {
	Token(ctx context.Context) (Token, error)
}

// Issuer exchanges a subscription key for tokens at the region's STS
// endpoint.
type Issuer struct {
	key        string
	region     string
	endpoint   string
	httpClient *http.Client
}

// NewIssuer creates an issuer. An empty endpoint uses the public one for
// region.
func NewIssuer(key, region, endpoint string) *Issuer {
	if endpoint == "" && region != "" {
		endpoint = fmt.Sprintf("https://%s.api.cognitive.microsoft.com/sts/v1.0/issueToken", region)
	}
	return &Issuer{
		key:      key,
		region:   region,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Configured reports whether a key and region are set.
func (i *Issuer) Configured() bool {
	return i.key != "" && i.region != ""
}

// Region returns the configured region.
func (i *Issuer) Region() string { return i.region }

// Token implements TokenSource.
func (i *Issuer) Token(ctx context.Context) (Token, error) {
	if !i.Configured() {
		return Token{}, ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, nil)
	if err != nil {
		return Token{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", i.key)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("issue token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Token{}, fmt.Errorf("read token: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("issue token: unexpected status %d", resp.StatusCode)
	}
	value := strings.TrimSpace(string(body))
	if value == "" {
		return Token{}, errors.New("issue token: empty token")
	}
	return Token{Value: value, Region: i.region}, nil
}

// RemoteTokens fetches tokens from the router's /api/speech/token endpoint
// so the key never leaves the router.
type RemoteTokens struct {
	url        string
	httpClient *http.Client
}

// NewRemoteTokens creates a source for the router at baseURL.
func NewRemoteTokens(baseURL string) *RemoteTokens {
	return &RemoteTokens{
		url: strings.TrimRight(baseURL, "/") + "/api/speech/token",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Token implements TokenSource.
func (r *RemoteTokens) Token(ctx context.Context) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return Token{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("speech token: unexpected status %d", resp.StatusCode)
	}
	var tok Token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return Token{}, fmt.Errorf("decode token: %w", err)
	}
	if tok.Value == "" || tok.Region == "" {
		return Token{}, errors.New("speech token: incomplete response")
	}
	return tok, nil
}

// cachedSource reuses a token until shortly before it lapses.
type cachedSource struct {
	src TokenSource
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	tok     Token
	expires time.Time
}

// Cached wraps src so tokens are reused for ttl. Zero ttl refreshes one
// minute before TokenLifetime.
func Cached(src TokenSource, ttl time.Duration) TokenSource {
	if ttl <= 0 {
		ttl = TokenLifetime - time.Minute
	}
	return &cachedSource{src: src, ttl: ttl, now: time.Now}
}

func (c *cachedSource) Token(ctx context.Context) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tok.Value != "" && c.now().Before(c.expires) {
		return c.tok, nil
	}
	tok, err := c.src.Token(ctx)
	if err != nil {
		return Token{}, err
	}
	c.tok = tok
	c.expires = c.now().Add(c.ttl)
	return tok, nil
}
