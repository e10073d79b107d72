package speech

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultVoice        = "en-US-AvaMultilingualNeural"
	DefaultOutputFormat = "riff-16khz-16bit-mono-pcm"

	// maxClipBytes bounds a synthesized clip, about five minutes at 16kHz.
	maxClipBytes = 10 << 20
)

// SynthConfig configures a Synthesizer.
type SynthConfig struct {
	Voice        string
	Language     string
	OutputFormat string
	// Endpoint overrides the regional TTS endpoint.
	Endpoint string
	Timeout  time.Duration
}

// Synthesizer turns text into WAV audio through the Azure TTS REST API.
type Synthesizer struct {
	cfg        SynthConfig
	tokens     TokenSource
	httpClient *http.Client
}

// NewSynthesizer creates a synthesizer authorized by tokens.
func NewSynthesizer(tokens TokenSource, cfg SynthConfig) *Synthesizer {
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = DefaultOutputFormat
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Synthesizer{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Voice returns the configured voice name.
func (s *Synthesizer) Voice() string { return s.cfg.Voice }

// Synthesize returns text spoken by the configured voice as a WAV file.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("speech: empty text")
	}
	tok, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("speech token: %w", err)
	}

	ssml, err := buildSSML(s.cfg.Language, s.cfg.Voice, text)
	if err != nil {
		return nil, err
	}
	endpoint := s.cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/v1", tok.Region)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(ssml))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", s.cfg.OutputFormat)
	req.Header.Set("User-Agent", "dialtest")

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("synthesize: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxClipBytes))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	slog.Debug("[Speech] Synthesized", "voice", s.cfg.Voice, "chars", len(text), "bytes", len(audio), "took", time.Since(start))
	return audio, nil
}

func buildSSML(lang, voice, text string) ([]byte, error) {
	var body bytes.Buffer
	if err := xml.EscapeText(&body, []byte(text)); err != nil {
		return nil, fmt.Errorf("escape text: %w", err)
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, `<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xml:lang="%s">`, lang)
	fmt.Fprintf(&b, `<voice name="%s">`, voice)
	b.Write(body.Bytes())
	b.WriteString(`</voice></speak>`)
	return b.Bytes(), nil
}
