// Package synth turns a natural-language brief into application source by calling an
// OpenAI-compatible chat completions backend.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"forged/pkg/render"
)

const (
	defaultModel        = "gpt-4o-mini"
	defaultTimeout      = 120 * time.Second
	systemPrompt        = "You are a professional Python app generator."
	maxErrorBodyBytes   = 4096
	maxResponseBodySize = 8 << 20
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Config holds the backend coordinates. URL and APIKey may be empty at construction time; the
// absence is reported on each Synthesize call. Temperature is sent as given, zero included.
type Config struct {
	URL         string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Synthesizer issues exactly one backend request per Synthesize call.
type Synthesizer struct {
	cfg      Config
	renderer *render.Engine
	http     *http.Client
	logger   zerolog.Logger
}

// New builds a Synthesizer. A nil client gets a transport tuned for long completions.
func New(cfg Config, renderer *render.Engine, client *http.Client, logger zerolog.Logger) (*Synthesizer, error) {
	if renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		}
	}
	return &Synthesizer{
		cfg:      cfg,
		renderer: renderer,
		http:     client,
		logger:   logger.With().Str("component", "synth").Logger(),
	}, nil
}

// Synthesize returns the generated source for brief.
func (s *Synthesizer) Synthesize(ctx context.Context, brief string) (string, error) {
	if s == nil {
		return "", errors.New("nil synthesizer")
	}
	if strings.TrimSpace(s.cfg.URL) == "" || strings.TrimSpace(s.cfg.APIKey) == "" {
		return "", &Error{Kind: KindConfiguration, Err: fmt.Errorf("%w: LLM_API_URL and LLM_API_KEY are required", ErrNotConfigured)}
	}

	prompt, err := s.renderer.Prompt(brief)
	if err != nil {
		return "", &Error{Kind: KindConfiguration, Err: err}
	}

	payload, err := json.Marshal(ChatRequest{
		Model: s.cfg.Model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return "", &Error{Kind: KindConfiguration, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Kind: KindConfiguration, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	start := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		return "", &Error{Kind: KindTransport, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", &Error{Kind: KindStatus, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return "", &Error{Kind: KindTransport, Err: fmt.Errorf("read response: %w", err)}
	}

	source, err := extractContent(raw)
	if err != nil {
		return "", &Error{Kind: KindMalformed, Body: truncate(string(raw), maxErrorBodyBytes), Err: err}
	}

	s.logger.Debug().Dur("elapsed", time.Since(start)).Int("bytes", len(source)).Msg("synthesized source")
	return source, nil
}

func extractContent(raw []byte) (string, error) {
	var decoded chatCompletionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrMalformedResponse, err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("%w: response missing choices", ErrMalformedResponse)
	}
	content := decoded.Choices[0].Message.Content
	if content == nil {
		return "", fmt.Errorf("%w: response missing message content", ErrMalformedResponse)
	}
	source := stripCodeFence(strings.TrimSpace(*content))
	if source == "" {
		return "", fmt.Errorf("%w: response content empty", ErrMalformedResponse)
	}
	return source, nil
}

// stripCodeFence unwraps an answer that is a single fenced block, e.g. ```python ... ```.
func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") || !strings.HasSuffix(text, "```") || len(text) < 6 {
		return text
	}
	body := strings.TrimSuffix(text, "```")
	newline := strings.IndexByte(body, '\n')
	if newline < 0 {
		return text
	}
	inner := body[newline+1:]
	if strings.Contains(inner, "```") {
		return text
	}
	return strings.TrimSpace(inner)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
