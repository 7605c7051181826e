// Package notify delivers evaluation notices to callback URLs with a bounded retry schedule.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 4
	DefaultTimeout     = 15 * time.Second
)

// Notice is the payload posted to the evaluation callback.
type Notice struct {
	Email     string `json:"email"`
	Task      string `json:"task"`
	Round     int    `json:"round"`
	Nonce     string `json:"nonce"`
	RepoURL   string `json:"repo_url"`
	CommitSHA string `json:"commit_sha"`
	PagesURL  string `json:"pages_url"`
}

// Attempt describes one delivery attempt. Wait is the pause that follows a failed attempt.
type Attempt struct {
	Number     int
	StatusCode int
	Err        error
	Delivered  bool
	Wait       time.Duration
}

// Outcome summarizes a delivery sequence.
type Outcome struct {
	Delivered bool
	Attempts  int
}

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Options configures a Dispatcher. Zero values fall back to the 1s, 2s, 4s, 8s schedule.
type Options struct {
	BaseDelay   time.Duration
	MaxAttempts int
	Jitter      bool
	Timeout     time.Duration
	Client      *http.Client
	Sleep       Sleeper
	// Observer, when set, is called after every attempt.
	Observer func(Attempt)
}

// Dispatcher posts notices until the callback answers 200 or the attempts run out.
type Dispatcher struct {
	client      *http.Client
	baseDelay   time.Duration
	maxAttempts int
	jitter      bool
	sleep       Sleeper
	observer    func(Attempt)
	logger      zerolog.Logger
}

// New returns a Dispatcher configured by opts.
func New(opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Dispatcher{
		client:      opts.Client,
		baseDelay:   opts.BaseDelay,
		maxAttempts: opts.MaxAttempts,
		jitter:      opts.Jitter,
		sleep:       opts.Sleep,
		observer:    opts.Observer,
		logger:      logger.With().Str("component", "notify").Logger(),
	}
}

// Notify delivers notice to callbackURL and reports whether the callback accepted it. It never
// returns an error; failures are logged and reflected in the result.
func (d *Dispatcher) Notify(ctx context.Context, notice Notice, callbackURL string) bool {
	return d.Send(ctx, notice, callbackURL).Delivered
}

// Send is Notify with the attempt count.
func (d *Dispatcher) Send(ctx context.Context, notice Notice, callbackURL string) Outcome {
	body, err := json.Marshal(notice)
	if err != nil {
		d.logger.Error().Err(err).Str("task", notice.Task).Msg("marshal notice")
		return Outcome{}
	}
	return d.SendRaw(ctx, body, callbackURL)
}

// SendRaw delivers an already encoded notice. Every attempt carries exactly body.
func (d *Dispatcher) SendRaw(ctx context.Context, body []byte, callbackURL string) Outcome {
	schedule := newSchedule(d.baseDelay, d.maxAttempts, d.jitter)
	logger := d.logger.With().Str("callback_url", callbackURL).Logger()

	for n := 1; n <= d.maxAttempts; n++ {
		status, err := d.post(ctx, callbackURL, body)
		attempt := Attempt{Number: n, StatusCode: status, Err: err, Delivered: err == nil && status == http.StatusOK}
		if !attempt.Delivered {
			attempt.Wait = schedule.NextBackOff()
		}
		if d.observer != nil {
			d.observer(attempt)
		}

		if attempt.Delivered {
			logger.Info().Int("attempt", n).Msg("notice delivered")
			return Outcome{Delivered: true, Attempts: n}
		}

		event := logger.Warn().Int("attempt", n).Int("status", status)
		if err != nil {
			event = event.Err(err)
		}
		event.Dur("wait", attempt.Wait).Msg("notice delivery failed")

		if attempt.Wait == backoff.Stop {
			return Outcome{Attempts: n}
		}
		if err := d.sleep(ctx, attempt.Wait); err != nil {
			logger.Warn().Err(err).Int("attempt", n).Msg("notice delivery abandoned")
			return Outcome{Attempts: n}
		}
	}

	logger.Error().Int("attempts", d.maxAttempts).Msg("notice delivery exhausted")
	return Outcome{Attempts: d.maxAttempts}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post notice: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return resp.StatusCode, fmt.Errorf("post notice unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
