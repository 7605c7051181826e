// Package stage materializes generated sources on the local filesystem, one directory per run.
package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"forged/pkg/render"
)

const (
	// EntryPoint is resolved by `uvicorn app:app`.
	EntryPoint  = "app.py"
	ReadmeName  = "README.md"
	LicenseName = "LICENSE"

	dirMode  = 0o755
	fileMode = 0o644
)

// Error wraps any filesystem failure while staging.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("stage %s: %v", e.Path, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Bundle is a staged run directory ready for publication.
type Bundle struct {
	Task       string
	RunID      string
	Dir        string
	EntryPoint string
	Files      []string
}

// Store writes bundles under a root directory.
type Store struct {
	root     string
	renderer *render.Engine
	logger   zerolog.Logger
}

// New creates a Store rooted at root. The directory is created lazily on first Stage.
func New(root string, renderer *render.Engine, logger zerolog.Logger) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("staging root is required")
	}
	if renderer == nil {
		return nil, errors.New("renderer is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve staging root: %w", err)
	}
	return &Store{
		root:     abs,
		renderer: renderer,
		logger:   logger.With().Str("component", "stage").Logger(),
	}, nil
}

// Root returns the absolute staging root.
func (s *Store) Root() string { return s.root }

// Stage writes the source, README and LICENSE into a fresh <root>/<task>/<runID> directory.
// Bundles of earlier runs are never touched, so a duplicate submission cannot alter what was
// already published.
func (s *Store) Stage(ctx context.Context, task, runID, source, brief string) (Bundle, error) {
	dir, err := s.dirFor(task, runID)
	if err != nil {
		return Bundle{}, err
	}
	if err := ctx.Err(); err != nil {
		return Bundle{}, &Error{Path: dir, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(dir), dirMode); err != nil {
		return Bundle{}, &Error{Path: filepath.Dir(dir), Err: err}
	}
	// Mkdir, not MkdirAll: a reused run id must fail instead of overwriting.
	if err := os.Mkdir(dir, dirMode); err != nil {
		return Bundle{}, &Error{Path: dir, Err: err}
	}

	readme, err := s.renderer.Readme(task, brief)
	if err != nil {
		return Bundle{}, &Error{Path: filepath.Join(dir, ReadmeName), Err: err}
	}
	license, err := s.renderer.License()
	if err != nil {
		return Bundle{}, &Error{Path: filepath.Join(dir, LicenseName), Err: err}
	}

	files := []struct {
		name    string
		content string
	}{
		{EntryPoint, source},
		{ReadmeName, readme},
		{LicenseName, license},
	}

	bundle := Bundle{Task: task, RunID: runID, Dir: dir, EntryPoint: EntryPoint}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, []byte(f.content), fileMode); err != nil {
			return Bundle{}, &Error{Path: path, Err: err}
		}
		bundle.Files = append(bundle.Files, f.name)
	}

	s.logger.Info().Str("task", task).Str("run_id", runID).Str("dir", dir).Msg("bundle staged")
	return bundle, nil
}

// dirFor keeps every bundle two levels below the root.
func (s *Store) dirFor(task, runID string) (string, error) {
	for _, segment := range []string{task, runID} {
		if !safeSegment(segment) {
			return "", &Error{Path: filepath.Join(task, runID), Err: fmt.Errorf("invalid path segment %q", segment)}
		}
	}
	return filepath.Join(s.root, task, runID), nil
}

func safeSegment(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
