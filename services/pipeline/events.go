package pipeline

import (
	"context"
	"encoding/json"
	"time"
)

// Lifecycle subjects published on the event bus.
const (
	SubjectTaskReceived    = "forged.tasks.received"
	SubjectTaskFailed      = "forged.tasks.failed"
	SubjectTaskPublished   = "forged.tasks.published"
	SubjectNoticeDelivered = "forged.notices.delivered"
	SubjectNoticeFailed    = "forged.notices.failed"
	SubjectArchiveStored   = "forged.archives.stored"
)

// EventPublisher is satisfied by *bus.Bus.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

type TaskReceivedEvent struct {
	RunID       string    `json:"run_id"`
	Task        string    `json:"task"`
	Email       string    `json:"email"`
	Round       int       `json:"round"`
	Nonce       string    `json:"nonce"`
	Brief       string    `json:"brief"`
	CallbackURL string    `json:"callback_url"`
	At          time.Time `json:"at"`
}

type TaskFailedEvent struct {
	RunID string    `json:"run_id"`
	Task  string    `json:"task"`
	Stage Stage     `json:"stage"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// TaskPublishedEvent carries everything needed to archive the bundle or resend the notice.
type TaskPublishedEvent struct {
	RunID       string          `json:"run_id"`
	Task        string          `json:"task"`
	RepoURL     string          `json:"repo_url"`
	CommitRef   string          `json:"commit_ref"`
	PagesURL    string          `json:"pages_url"`
	CloneURL    string          `json:"clone_url"`
	BundleDir   string          `json:"bundle_dir"`
	CallbackURL string          `json:"callback_url"`
	Notice      json.RawMessage `json:"notice"`
	At          time.Time       `json:"at"`
}

// NoticeEvent is published on both notice subjects.
type NoticeEvent struct {
	RunID       string    `json:"run_id"`
	Task        string    `json:"task"`
	Delivered   bool      `json:"delivered"`
	Attempts    int       `json:"attempts"`
	CallbackURL string    `json:"callback_url"`
	At          time.Time `json:"at"`
}

type ArchiveStoredEvent struct {
	RunID  string    `json:"run_id"`
	Task   string    `json:"task"`
	Bucket string    `json:"bucket"`
	Key    string    `json:"key"`
	SHA256 string    `json:"sha256"`
	Size   int64     `json:"size"`
	At     time.Time `json:"at"`
}
