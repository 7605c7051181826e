// Package archive packs published bundles into signed tar.zst archives and stores them in S3.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"forged/pkg/bus"
	"forged/services/pipeline"
)

// Bus is satisfied by *bus.Bus.
type Bus interface {
	Subscribe(ctx context.Context, subj, durable string, fn bus.Handler) (io.Closer, error)
	Publish(ctx context.Context, subj string, v any) error
}

// ObjectStore is satisfied by *s3.Client.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
}

type Options struct {
	Bucket string
	Signer *Signer
	// TempDir holds archives while they upload; empty means os.TempDir.
	TempDir string
	Now     func() time.Time
}

// Archiver consumes published tasks and stores one archive per run.
type Archiver struct {
	bus    Bus
	store  ObjectStore
	opts   Options
	logger zerolog.Logger

	subsMu sync.Mutex
	subs   []io.Closer
}

func New(b Bus, store ObjectStore, opts Options, logger zerolog.Logger) (*Archiver, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if !opts.Signer.CanSign() {
		return nil, errors.New("signer with private key is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Archiver{
		bus:    b,
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "archiver").Logger(),
	}, nil
}

// ObjectKey is where the archive for a run is stored within the bucket.
func ObjectKey(task, runID string) string {
	return path.Join("bundles", task, runID+".tar.zst")
}

// Start registers the durable consumer for published tasks.
func (a *Archiver) Start(ctx context.Context) error {
	if a == nil {
		return errors.New("nil archiver")
	}
	closer, err := a.bus.Subscribe(ctx, pipeline.SubjectTaskPublished, "archiver-published", a.handlePublished)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", pipeline.SubjectTaskPublished, err)
	}
	a.subsMu.Lock()
	a.subs = append(a.subs, closer)
	a.subsMu.Unlock()

	a.logger.Info().Str("bucket", a.opts.Bucket).Msg("archiver started")
	return nil
}

// Close tears down active subscriptions.
func (a *Archiver) Close() error {
	if a == nil {
		return nil
	}
	a.subsMu.Lock()
	defer a.subsMu.Unlock()

	var firstErr error
	for _, sub := range a.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.subs = nil
	return firstErr
}

func (a *Archiver) handlePublished(ctx context.Context, data []byte) error {
	var evt pipeline.TaskPublishedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		a.logger.Error().Err(err).Msg("dropping malformed published event")
		return nil
	}
	if evt.RunID == "" || evt.Task == "" || evt.BundleDir == "" {
		a.logger.Error().Str("run_id", evt.RunID).Str("task", evt.Task).Msg("dropping incomplete published event")
		return nil
	}

	stored, err := a.Archive(ctx, evt)
	if errors.Is(err, fs.ErrNotExist) {
		a.logger.Warn().Err(err).Str("run_id", evt.RunID).Str("task", evt.Task).Msg("bundle dir gone, skipping archive")
		return nil
	}
	if err != nil {
		return err
	}

	if err := a.bus.Publish(ctx, pipeline.SubjectArchiveStored, stored); err != nil {
		return fmt.Errorf("publish %s: %w", pipeline.SubjectArchiveStored, err)
	}
	return nil
}

// Archive packs the bundle named by evt and uploads it.
func (a *Archiver) Archive(ctx context.Context, evt pipeline.TaskPublishedEvent) (pipeline.ArchiveStoredEvent, error) {
	tmp, err := os.CreateTemp(a.opts.TempDir, "forged-archive-*.tar.zst")
	if err != nil {
		return pipeline.ArchiveStoredEvent{}, fmt.Errorf("temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hash := sha256.New()
	meta := Meta{Task: evt.Task, RunID: evt.RunID, RepoURL: evt.RepoURL, CommitRef: evt.CommitRef}
	manifest, err := Pack(ctx, evt.BundleDir, meta, a.opts.Signer, io.MultiWriter(tmp, hash), a.opts.Now())
	if err != nil {
		return pipeline.ArchiveStoredEvent{}, fmt.Errorf("pack %s: %w", evt.Task, err)
	}

	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return pipeline.ArchiveStoredEvent{}, fmt.Errorf("archive size: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return pipeline.ArchiveStoredEvent{}, fmt.Errorf("rewind archive: %w", err)
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	key := ObjectKey(evt.Task, evt.RunID)
	if err := a.store.PutObject(ctx, a.opts.Bucket, key, tmp, size, sum); err != nil {
		return pipeline.ArchiveStoredEvent{}, err
	}

	a.logger.Info().
		Str("run_id", evt.RunID).
		Str("task", evt.Task).
		Str("key", key).
		Int("files", len(manifest.Files)).
		Int64("size", size).
		Msg("archive stored")

	return pipeline.ArchiveStoredEvent{
		RunID:  evt.RunID,
		Task:   evt.Task,
		Bucket: a.opts.Bucket,
		Key:    key,
		SHA256: sum,
		Size:   size,
		At:     a.opts.Now().UTC(),
	}, nil
}
