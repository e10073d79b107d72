package speech

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestIssuerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.Header.Get("Ocp-Apim-Subscription-Key") != "k3y" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, "eyJ0b2tlbiI\n")
	}))
	defer srv.Close()

	tok, err := NewIssuer("k3y", "westus", srv.URL).Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.Value != "eyJ0b2tlbiI" || tok.Region != "westus" {
		t.Errorf("token = %+v", tok)
	}

	if _, err := NewIssuer("wrong", "westus", srv.URL).Token(context.Background()); err == nil {
		t.Error("expected error for rejected key")
	}
}

func TestIssuerNotConfigured(t *testing.T) {
	iss := NewIssuer("", "westus", "")
	if iss.Configured() {
		t.Error("issuer without key reports configured")
	}
	if _, err := iss.Token(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
	if NewIssuer("k", "eastus", "").endpoint != "https://eastus.api.cognitive.microsoft.com/sts/v1.0/issueToken" {
		t.Error("default endpoint not derived from region")
	}
}

func TestRemoteTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/speech/token" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "abc", "region": "northeurope"})
	}))
	defer srv.Close()

	tok, err := NewRemoteTokens(srv.URL + "/").Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.Value != "abc" || tok.Region != "northeurope" {
		t.Errorf("token = %+v", tok)
	}
}

type countingSource struct {
	calls atomic.Int32
}

func (c *countingSource) Token(context.Context) (Token, error) {
	n := c.calls.Add(1)
	return Token{Value: strings.Repeat("t", int(n)), Region: "westus"}, nil
}

func TestCachedReusesToken(t *testing.T) {
	src := &countingSource{}
	now := time.Unix(1000, 0)
	cached := Cached(src, time.Minute).(*cachedSource)
	cached.now = func() time.Time { return now }

	a, _ := cached.Token(context.Background())
	b, _ := cached.Token(context.Background())
	if a != b || src.calls.Load() != 1 {
		t.Fatalf("token refetched before expiry: %d calls", src.calls.Load())
	}

	now = now.Add(61 * time.Second)
	c, _ := cached.Token(context.Background())
	if c == a || src.calls.Load() != 2 {
		t.Errorf("token not refreshed after expiry: %d calls", src.calls.Load())
	}
}

type staticSource Token

func (s staticSource) Token(context.Context) (Token, error) { return Token(s), nil }

func TestSynthesize(t *testing.T) {
	wav := []byte("RIFF....WAVEfmt ")
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Microsoft-OutputFormat"); got != DefaultOutputFormat {
			t.Errorf("output format = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/ssml+xml" {
			t.Errorf("content type = %q", got)
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Write(wav)
	}))
	defer srv.Close()

	s := NewSynthesizer(staticSource{Value: "tok", Region: "westus"}, SynthConfig{Endpoint: srv.URL})
	audio, err := s.Synthesize(context.Background(), "Press 1 & hold <now>")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != string(wav) {
		t.Errorf("audio = %q", audio)
	}
	for _, want := range []string{
		`<voice name="en-US-AvaMultilingualNeural">`,
		`xml:lang="en-US"`,
		"Press 1 &amp; hold &lt;now&gt;",
	} {
		if !strings.Contains(gotBody, want) {
			t.Errorf("SSML missing %q: %s", want, gotBody)
		}
	}
}

func TestSynthesizeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "voice not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewSynthesizer(staticSource{Value: "tok", Region: "westus"}, SynthConfig{Endpoint: srv.URL, Voice: "xx-Nobody"})
	if _, err := s.Synthesize(context.Background(), "hello"); err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("err = %v, want status 400", err)
	}
	if _, err := s.Synthesize(context.Background(), "   "); err == nil {
		t.Error("empty text should fail")
	}
}
