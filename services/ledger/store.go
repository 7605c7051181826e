package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"forged/pkg/db"
	"forged/services/pipeline"
)

// ErrNotFound is returned when no row matches a lookup.
var ErrNotFound = errors.New("not found")

const submissionColumns = `
run_id, task, email, round, nonce, callback_url, status,
COALESCE(stage, '') AS stage, COALESCE(error, '') AS error,
COALESCE(repo_url, '') AS repo_url, COALESCE(pages_url, '') AS pages_url,
notice, attempts, created_at, updated_at`

// Store answers operator queries against the ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore returns a Store reading from pool.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &Store{pool: pool}, nil
}

// List returns the newest submissions first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status string, limit int) ([]Submission, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []Submission
	var err error
	if status == "" {
		err = db.Select(ctx, s.pool, &rows, `
SELECT `+submissionColumns+`
FROM submissions
ORDER BY created_at DESC
LIMIT $1
`, limit)
	} else {
		err = db.Select(ctx, s.pool, &rows, `
SELECT `+submissionColumns+`
FROM submissions
WHERE status = $1
ORDER BY created_at DESC
LIMIT $2
`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return rows, nil
}

// Get returns the latest run recorded for task.
func (s *Store) Get(ctx context.Context, task string) (Submission, error) {
	var row Submission
	err := db.Get(ctx, s.pool, &row, `
SELECT `+submissionColumns+`
FROM submissions
WHERE task = $1
ORDER BY created_at DESC
LIMIT 1
`, task)
	if err != nil {
		if db.IsNotFound(err) {
			return Submission{}, fmt.Errorf("submission %s: %w", task, ErrNotFound)
		}
		return Submission{}, fmt.Errorf("get submission %s: %w", task, err)
	}
	return row, nil
}

// MarkNotified records the outcome of an out-of-band delivery.
func (s *Store) MarkNotified(ctx context.Context, runID string, delivered bool, attempts int) error {
	status := pipeline.StatusUnconfirmed
	if delivered {
		status = pipeline.StatusCompleted
	}
	tag, err := db.Exec(ctx, s.pool, `
UPDATE submissions
SET status = $2, attempts = attempts + $3, updated_at = now()
WHERE run_id = $1
`, runID, string(status), attempts)
	if err != nil {
		return fmt.Errorf("mark notified %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("submission run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// LatestArchive returns the newest archive stored for task.
func (s *Store) LatestArchive(ctx context.Context, task string) (Archive, error) {
	var row Archive
	err := db.Get(ctx, s.pool, &row, `
SELECT id, run_id, task, bucket, key, sha256, size, created_at
FROM archives
WHERE task = $1
ORDER BY created_at DESC
LIMIT 1
`, task)
	if err != nil {
		if db.IsNotFound(err) {
			return Archive{}, fmt.Errorf("archive for %s: %w", task, ErrNotFound)
		}
		return Archive{}, fmt.Errorf("get archive %s: %w", task, err)
	}
	return row, nil
}

// Audit appends an operator action to the audit log.
func (s *Store) Audit(ctx context.Context, actor, action, obj string, details map[string]any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, s.pool, `
INSERT INTO audit (actor, action, obj, details)
VALUES ($1, $2, $3, $4::jsonb)
`, actor, action, obj, payload)
	return err
}
