// Package ledger records pipeline lifecycle events in Postgres and serves operator queries.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"forged/pkg/bus"
	"forged/services/pipeline"
)

// Subscriber is satisfied by *bus.Bus.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn bus.Handler) (io.Closer, error)
}

// Writer persists decoded events. Every method must be idempotent per run id because the bus
// delivers at least once and subjects are not ordered relative to each other.
type Writer interface {
	RecordReceived(ctx context.Context, evt pipeline.TaskReceivedEvent) error
	RecordFailed(ctx context.Context, evt pipeline.TaskFailedEvent) error
	RecordPublished(ctx context.Context, evt pipeline.TaskPublishedEvent) error
	RecordNotice(ctx context.Context, evt pipeline.NoticeEvent) error
	RecordArchive(ctx context.Context, evt pipeline.ArchiveStoredEvent) error
}

// Recorder feeds bus events into a Writer.
type Recorder struct {
	bus    Subscriber
	writer Writer
	logger zerolog.Logger

	subsMu sync.Mutex
	subs   []io.Closer
}

// NewRecorder constructs a Recorder for the provided dependencies.
func NewRecorder(sub Subscriber, writer Writer, logger zerolog.Logger) (*Recorder, error) {
	if sub == nil {
		return nil, errors.New("bus is required")
	}
	if writer == nil {
		return nil, errors.New("writer is required")
	}
	return &Recorder{bus: sub, writer: writer, logger: logger.With().Str("component", "ledger").Logger()}, nil
}

// Start registers durable consumers for every lifecycle subject.
func (r *Recorder) Start(ctx context.Context) error {
	if r == nil {
		return errors.New("nil recorder")
	}

	specs := []struct {
		subject string
		durable string
		handler bus.Handler
	}{
		{pipeline.SubjectTaskReceived, "ledger-received", r.handleReceived},
		{pipeline.SubjectTaskFailed, "ledger-failed", r.handleFailed},
		{pipeline.SubjectTaskPublished, "ledger-published", r.handlePublished},
		{pipeline.SubjectNoticeDelivered, "ledger-notice-delivered", r.handleNotice},
		{pipeline.SubjectNoticeFailed, "ledger-notice-failed", r.handleNotice},
		{pipeline.SubjectArchiveStored, "ledger-archives", r.handleArchive},
	}

	for _, spec := range specs {
		closer, err := r.bus.Subscribe(ctx, spec.subject, spec.durable, r.guard(spec.subject, spec.handler))
		if err != nil {
			_ = r.Close()
			return fmt.Errorf("subscribe %s: %w", spec.subject, err)
		}
		r.subsMu.Lock()
		r.subs = append(r.subs, closer)
		r.subsMu.Unlock()
	}

	r.logger.Info().Int("subjects", len(specs)).Msg("recorder started")
	return nil
}

// Close tears down active subscriptions.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}

	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	var firstErr error
	for _, sub := range r.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.subs = nil
	return firstErr
}

// guard acknowledges malformed events after logging them.
func (r *Recorder) guard(subject string, next bus.Handler) bus.Handler {
	return func(ctx context.Context, data []byte) error {
		err := next(ctx, data)
		if errors.Is(err, errMalformed) {
			r.logger.Error().Err(err).Str("subject", subject).Msg("dropping event")
			return nil
		}
		return err
	}
}

func (r *Recorder) handleReceived(ctx context.Context, data []byte) error {
	var evt pipeline.TaskReceivedEvent
	if err := decode(data, &evt, &evt.RunID); err != nil {
		return err
	}
	return r.writer.RecordReceived(ctx, evt)
}

func (r *Recorder) handleFailed(ctx context.Context, data []byte) error {
	var evt pipeline.TaskFailedEvent
	if err := decode(data, &evt, &evt.RunID); err != nil {
		return err
	}
	return r.writer.RecordFailed(ctx, evt)
}

func (r *Recorder) handlePublished(ctx context.Context, data []byte) error {
	var evt pipeline.TaskPublishedEvent
	if err := decode(data, &evt, &evt.RunID); err != nil {
		return err
	}
	return r.writer.RecordPublished(ctx, evt)
}

func (r *Recorder) handleNotice(ctx context.Context, data []byte) error {
	var evt pipeline.NoticeEvent
	if err := decode(data, &evt, &evt.RunID); err != nil {
		return err
	}
	return r.writer.RecordNotice(ctx, evt)
}

func (r *Recorder) handleArchive(ctx context.Context, data []byte) error {
	var evt pipeline.ArchiveStoredEvent
	if err := decode(data, &evt, &evt.RunID); err != nil {
		return err
	}
	if evt.Key == "" {
		return errors.New("key missing from archive event")
	}
	return r.writer.RecordArchive(ctx, evt)
}

// errMalformed marks events that can never be applied; they are acknowledged and dropped
// rather than redelivered forever.
var errMalformed = errors.New("malformed event")

func decode(data []byte, dest any, runID *string) error {
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if *runID == "" {
		return fmt.Errorf("%w: run_id missing", errMalformed)
	}
	return nil
}
