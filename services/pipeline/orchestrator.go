// Package pipeline sequences a task submission: validate, synthesize, stage, publish, notify.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"forged/services/notify"
	"forged/services/publish"
	"forged/services/stage"
)

type Synthesizer interface {
	Synthesize(ctx context.Context, brief string) (string, error)
}

// Stager writes one bundle per run; earlier runs of the same task are left as they are.
type Stager interface {
	Stage(ctx context.Context, task, runID, source, brief string) (stage.Bundle, error)
}

type Publisher interface {
	Publish(ctx context.Context, bundle stage.Bundle, task string) (publish.Deployment, error)
}

// Notifier delivers an encoded notice; the same bytes go out on every attempt.
type Notifier interface {
	SendRaw(ctx context.Context, body []byte, callbackURL string) notify.Outcome
}

// Options configures an Orchestrator.
type Options struct {
	Secret             string
	SynthesisTimeout   time.Duration
	PublicationTimeout time.Duration
	// Events is optional; without it no lifecycle events are published.
	Events  EventPublisher
	Metrics *Metrics
}

// Orchestrator runs submissions end to end. It holds no per-run state and is safe for
// concurrent use.
type Orchestrator struct {
	validator   *Validator
	synthesizer Synthesizer
	stager      Stager
	publisher   Publisher
	notifier    Notifier
	opts        Options
	tracer      trace.Tracer
	logger      zerolog.Logger
	now         func() time.Time
	newRunID    func() string
}

// New wires an Orchestrator from its collaborators.
func New(synth Synthesizer, stager Stager, pub Publisher, notifier Notifier, opts Options, logger zerolog.Logger) (*Orchestrator, error) {
	if synth == nil {
		return nil, errors.New("synthesizer is required")
	}
	if stager == nil {
		return nil, errors.New("stager is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	validator, err := NewValidator(opts.Secret)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		validator:   validator,
		synthesizer: synth,
		stager:      stager,
		publisher:   pub,
		notifier:    notifier,
		opts:        opts,
		tracer:      otel.Tracer("forged/pipeline"),
		logger:      logger.With().Str("component", "pipeline").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
		newRunID:    func() string { return uuid.NewString() },
	}, nil
}

// Handle runs one submission to completion. It never panics on collaborator failures and every
// failure is reflected in the returned Result. Cancellation of ctx is ignored: once a run starts it
// ends in a result, and a published task always gets its notice. Synthesis and publication are
// bounded by their step timeouts, notification by the retry schedule.
func (o *Orchestrator) Handle(ctx context.Context, req TaskRequest) Result {
	ctx = context.WithoutCancel(ctx)
	runID := o.newRunID()
	logger := o.logger.With().Str("run_id", runID).Str("task", req.Task).Logger()

	ctx, span := o.tracer.Start(ctx, "pipeline.handle", trace.WithAttributes(
		attribute.String("forged.run_id", runID),
		attribute.String("forged.task", req.Task),
	))
	defer span.End()

	if err := o.validator.Validate(req); err != nil {
		logger.Warn().Err(err).Msg("submission rejected")
		span.SetStatus(codes.Error, err.Error())
		return o.finish(Result{RunID: runID, Status: StatusRejected, Stage: StageValidation, Err: err})
	}

	o.emit(ctx, SubjectTaskReceived, TaskReceivedEvent{
		RunID:       runID,
		Task:        req.Task,
		Email:       req.Email,
		Round:       req.Round,
		Nonce:       req.Nonce,
		Brief:       req.Brief,
		CallbackURL: req.EvaluationURL,
		At:          o.now(),
	})

	fail := func(at Stage, err error) Result {
		logger.Error().Err(err).Str("stage", string(at)).Msg("pipeline failed")
		span.SetStatus(codes.Error, err.Error())
		o.emit(ctx, SubjectTaskFailed, TaskFailedEvent{RunID: runID, Task: req.Task, Stage: at, Error: err.Error(), At: o.now()})
		return o.finish(Result{RunID: runID, Status: StatusFailed, Stage: at, Err: err})
	}

	var source string
	err := o.step(ctx, StageSynthesis, o.opts.SynthesisTimeout, func(ctx context.Context) error {
		var err error
		source, err = o.synthesizer.Synthesize(ctx, req.Brief)
		return err
	})
	if err != nil {
		return fail(StageSynthesis, err)
	}

	var bundle stage.Bundle
	err = o.step(ctx, StageStorage, 0, func(ctx context.Context) error {
		var err error
		bundle, err = o.stager.Stage(ctx, req.Task, runID, source, req.Brief)
		return err
	})
	if err != nil {
		return fail(StageStorage, err)
	}

	var deployment publish.Deployment
	err = o.step(ctx, StagePublication, o.opts.PublicationTimeout, func(ctx context.Context) error {
		var err error
		deployment, err = o.publisher.Publish(ctx, bundle, req.Task)
		return err
	})
	if err != nil {
		return fail(StagePublication, err)
	}

	result := Result{
		RunID:     runID,
		Stage:     StageNotification,
		RepoURL:   deployment.RepoURL,
		PagesURL:  deployment.PagesURL,
		CommitRef: deployment.CommitRef,
	}

	body, err := json.Marshal(notify.Notice{
		Email:     req.Email,
		Task:      req.Task,
		Round:     req.Round,
		Nonce:     req.Nonce,
		RepoURL:   deployment.RepoURL,
		CommitSHA: deployment.CommitRef,
		PagesURL:  deployment.PagesURL,
	})
	if err != nil {
		return fail(StageNotification, err)
	}

	o.emit(ctx, SubjectTaskPublished, TaskPublishedEvent{
		RunID:       runID,
		Task:        req.Task,
		RepoURL:     deployment.RepoURL,
		CommitRef:   deployment.CommitRef,
		PagesURL:    deployment.PagesURL,
		CloneURL:    deployment.CloneURL,
		BundleDir:   bundle.Dir,
		CallbackURL: req.EvaluationURL,
		Notice:      body,
		At:          o.now(),
	})

	var outcome notify.Outcome
	var failure *NotificationFailure
	_ = o.step(ctx, StageNotification, 0, func(ctx context.Context) error {
		outcome = o.notifier.SendRaw(ctx, body, req.EvaluationURL)
		if !outcome.Delivered {
			failure = &NotificationFailure{Attempts: outcome.Attempts, CallbackURL: req.EvaluationURL}
			return failure
		}
		return nil
	})

	notice := NoticeEvent{
		RunID:       runID,
		Task:        req.Task,
		Delivered:   outcome.Delivered,
		Attempts:    outcome.Attempts,
		CallbackURL: req.EvaluationURL,
		At:          o.now(),
	}
	if failure != nil {
		logger.Warn().Int("attempts", outcome.Attempts).Msg(failure.Detail())
		span.SetStatus(codes.Error, failure.Error())
		o.emit(ctx, SubjectNoticeFailed, notice)
		result.Status = StatusUnconfirmed
		result.Err = failure
		return o.finish(result)
	}

	o.emit(ctx, SubjectNoticeDelivered, notice)
	logger.Info().Str("repo_url", result.RepoURL).Int("attempts", outcome.Attempts).Msg("pipeline completed")
	result.Status = StatusCompleted
	result.Success = true
	return o.finish(result)
}

// step runs fn in its own span, optionally under a timeout, and records its duration.
func (o *Orchestrator) step(ctx context.Context, name Stage, timeout time.Duration, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "pipeline."+string(name))
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	err := fn(ctx)
	o.opts.Metrics.observeStage(name, started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) finish(r Result) Result {
	o.opts.Metrics.observeRun(r.Status)
	return r
}

// emit publishes a lifecycle event. Bus failures never change the run's outcome.
func (o *Orchestrator) emit(ctx context.Context, subject string, v any) {
	if o.opts.Events == nil {
		return
	}
	if err := o.opts.Events.Publish(ctx, subject, v); err != nil {
		o.logger.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}
