package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"forged/services/pipeline"
)

const auditActor = "pipeline"

// GormWriter applies lifecycle events to the submissions, archives and audit tables.
type GormWriter struct {
	orm *gorm.DB
}

// NewGormWriter returns a Writer backed by orm.
func NewGormWriter(orm *gorm.DB) (*GormWriter, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormWriter{orm: orm}, nil
}

var runIDConflict = []clause.Column{{Name: "run_id"}}

// keepTerminal leaves completed and unconfirmed rows alone when a late event would move them
// back to an earlier status.
func keepTerminal(next string) clause.Expr {
	return gorm.Expr("CASE WHEN submissions.status IN (?, ?) THEN submissions.status ELSE ? END",
		string(pipeline.StatusCompleted), string(pipeline.StatusUnconfirmed), next)
}

func (w *GormWriter) RecordReceived(ctx context.Context, evt pipeline.TaskReceivedEvent) error {
	row := submissionModel{
		RunID:       evt.RunID,
		Task:        evt.Task,
		Email:       evt.Email,
		Round:       evt.Round,
		Nonce:       evt.Nonce,
		Brief:       evt.Brief,
		CallbackURL: evt.CallbackURL,
		Status:      StatusRunning,
		Stage:       string(pipeline.StageSynthesis),
		CreatedAt:   evt.At,
	}
	return w.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   runIDConflict,
			DoUpdates: clause.AssignmentColumns([]string{"task", "email", "round", "nonce", "brief", "callback_url", "created_at"}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		return audit(tx, "task_received", evt.Task, datatypes.JSONMap{"run_id": evt.RunID, "round": evt.Round})
	})
}

func (w *GormWriter) RecordFailed(ctx context.Context, evt pipeline.TaskFailedEvent) error {
	row := submissionModel{
		RunID:  evt.RunID,
		Task:   evt.Task,
		Status: string(pipeline.StatusFailed),
		Stage:  string(evt.Stage),
		Error:  evt.Error,
	}
	return w.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   runIDConflict,
			DoUpdates: clause.AssignmentColumns([]string{"status", "stage", "error", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		return audit(tx, "task_failed", evt.Task, datatypes.JSONMap{"run_id": evt.RunID, "stage": string(evt.Stage), "error": evt.Error})
	})
}

func (w *GormWriter) RecordPublished(ctx context.Context, evt pipeline.TaskPublishedEvent) error {
	row := submissionModel{
		RunID:       evt.RunID,
		Task:        evt.Task,
		CallbackURL: evt.CallbackURL,
		Status:      StatusPublished,
		Stage:       string(pipeline.StageNotification),
		RepoURL:     evt.RepoURL,
		CommitRef:   evt.CommitRef,
		PagesURL:    evt.PagesURL,
		BundleDir:   evt.BundleDir,
		Notice:      datatypes.JSON(evt.Notice),
	}
	return w.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: runIDConflict,
			DoUpdates: clause.Assignments(map[string]any{
				"status":       keepTerminal(StatusPublished),
				"stage":        row.Stage,
				"callback_url": row.CallbackURL,
				"repo_url":     row.RepoURL,
				"commit_ref":   row.CommitRef,
				"pages_url":    row.PagesURL,
				"bundle_dir":   row.BundleDir,
				"notice":       row.Notice,
				"updated_at":   gorm.Expr("now()"),
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		return audit(tx, "task_published", evt.Task, datatypes.JSONMap{"run_id": evt.RunID, "repo_url": evt.RepoURL})
	})
}

func (w *GormWriter) RecordNotice(ctx context.Context, evt pipeline.NoticeEvent) error {
	status := string(pipeline.StatusUnconfirmed)
	action := "notice_failed"
	if evt.Delivered {
		status = string(pipeline.StatusCompleted)
		action = "notice_delivered"
	}
	row := submissionModel{
		RunID:       evt.RunID,
		Task:        evt.Task,
		CallbackURL: evt.CallbackURL,
		Status:      status,
		Stage:       string(pipeline.StageNotification),
		Attempts:    evt.Attempts,
	}
	return w.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   runIDConflict,
			DoUpdates: clause.AssignmentColumns([]string{"status", "stage", "attempts", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		return audit(tx, action, evt.Task, datatypes.JSONMap{"run_id": evt.RunID, "attempts": evt.Attempts})
	})
}

func (w *GormWriter) RecordArchive(ctx context.Context, evt pipeline.ArchiveStoredEvent) error {
	row := archiveModel{
		ID:     uuid.NewString(),
		RunID:  evt.RunID,
		Task:   evt.Task,
		Bucket: evt.Bucket,
		Key:    evt.Key,
		SHA256: evt.SHA256,
		Size:   evt.Size,
	}
	return w.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{Columns: runIDConflict, DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return audit(tx, "archive_stored", evt.Task, datatypes.JSONMap{"run_id": evt.RunID, "key": evt.Key, "sha256": evt.SHA256})
	})
}

func audit(tx *gorm.DB, action, obj string, details datatypes.JSONMap) error {
	return tx.Create(&auditModel{Actor: auditActor, Action: action, Obj: obj, Details: details}).Error
}
