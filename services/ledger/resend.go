package ledger

import (
	"context"
	"errors"
	"fmt"

	"forged/services/notify"
)

// ErrNotPublished means the run never reached publication, so there is no notice to resend.
var ErrNotPublished = errors.New("task has no stored notice")

// ResendStore is the part of Store used by Resend.
type ResendStore interface {
	Get(ctx context.Context, task string) (Submission, error)
	MarkNotified(ctx context.Context, runID string, delivered bool, attempts int) error
	Audit(ctx context.Context, actor, action, obj string, details map[string]any) error
}

// RawSender is satisfied by *notify.Dispatcher.
type RawSender interface {
	SendRaw(ctx context.Context, body []byte, callbackURL string) notify.Outcome
}

// Resend delivers the stored notice of task's latest run again, byte for byte, with the
// standard retry schedule, and records the outcome.
func Resend(ctx context.Context, store ResendStore, sender RawSender, task, actor string) (notify.Outcome, error) {
	sub, err := store.Get(ctx, task)
	if err != nil {
		return notify.Outcome{}, err
	}
	if len(sub.Notice) == 0 || sub.CallbackURL == "" {
		return notify.Outcome{}, fmt.Errorf("%s: %w", task, ErrNotPublished)
	}

	outcome := sender.SendRaw(ctx, sub.Notice, sub.CallbackURL)

	if err := store.MarkNotified(ctx, sub.RunID, outcome.Delivered, outcome.Attempts); err != nil {
		return outcome, err
	}
	if err := store.Audit(ctx, actor, "notice_resent", task, map[string]any{
		"run_id":    sub.RunID,
		"delivered": outcome.Delivered,
		"attempts":  outcome.Attempts,
	}); err != nil {
		return outcome, err
	}
	return outcome, nil
}
