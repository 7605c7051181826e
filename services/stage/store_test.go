package stage

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forged/pkg/render"
)

func newTestStore(t *testing.T, root string) *Store {
	t.Helper()
	engine, err := render.New()
	require.NoError(t, err)
	store, err := New(root, engine, zerolog.Nop())
	require.NoError(t, err)
	return store
}

func TestStageWritesBundle(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t, root)

	bundle, err := store.Stage(context.Background(), "demo1", "run-1", "print('hi')", "a hello-world API")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "demo1", "run-1"), bundle.Dir)
	assert.Equal(t, "demo1", bundle.Task)
	assert.Equal(t, "run-1", bundle.RunID)
	assert.Equal(t, EntryPoint, bundle.EntryPoint)
	assert.Equal(t, []string{"app.py", "README.md", "LICENSE"}, bundle.Files)

	source, err := os.ReadFile(filepath.Join(bundle.Dir, "app.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", string(source))

	readme, err := os.ReadFile(filepath.Join(bundle.Dir, "README.md"))
	require.NoError(t, err)
	assert.Contains(t, string(readme), "# demo1\n")
	assert.Contains(t, string(readme), "a hello-world API")
	assert.Contains(t, string(readme), "uvicorn app:app --reload")
}

func TestStageLicenseIdenticalAcrossTasks(t *testing.T) {
	store := newTestStore(t, t.TempDir())

	a, err := store.Stage(context.Background(), "one", "run-1", "a", "first")
	require.NoError(t, err)
	b, err := store.Stage(context.Background(), "two", "run-2", "b", "second")
	require.NoError(t, err)

	licenseA, err := os.ReadFile(filepath.Join(a.Dir, LicenseName))
	require.NoError(t, err)
	licenseB, err := os.ReadFile(filepath.Join(b.Dir, LicenseName))
	require.NoError(t, err)
	assert.Equal(t, licenseA, licenseB)
}

func TestStageKeepsEarlierRunsOfSameTask(t *testing.T) {
	store := newTestStore(t, t.TempDir())

	first, err := store.Stage(context.Background(), "demo", "run-1", "v1", "first brief")
	require.NoError(t, err)
	second, err := store.Stage(context.Background(), "demo", "run-2", "v2", "second brief")
	require.NoError(t, err)
	assert.NotEqual(t, first.Dir, second.Dir)

	source, err := os.ReadFile(filepath.Join(first.Dir, EntryPoint))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(source))
	readme, err := os.ReadFile(filepath.Join(first.Dir, ReadmeName))
	require.NoError(t, err)
	assert.Contains(t, string(readme), "first brief")
	assert.NotContains(t, string(readme), "second brief")
}

func TestStageRefusesReusedRunID(t *testing.T) {
	store := newTestStore(t, t.TempDir())

	first, err := store.Stage(context.Background(), "demo", "run-1", "v1", "brief")
	require.NoError(t, err)
	_, err = store.Stage(context.Background(), "demo", "run-1", "v2", "brief")

	var stageErr *Error
	require.ErrorAs(t, err, &stageErr)
	assert.ErrorIs(t, err, os.ErrExist)

	source, err := os.ReadFile(filepath.Join(first.Dir, EntryPoint))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(source))
}

func TestStageRejectsPathTraversal(t *testing.T) {
	store := newTestStore(t, t.TempDir())

	for _, task := range []string{"", ".", "..", "../escape", "a/b", `a\b`} {
		_, err := store.Stage(context.Background(), task, "run-1", "x", "y")
		var stageErr *Error
		assert.ErrorAs(t, err, &stageErr, "task %q", task)
	}
	for _, runID := range []string{"", "..", "../x"} {
		_, err := store.Stage(context.Background(), "demo", runID, "x", "y")
		var stageErr *Error
		assert.ErrorAs(t, err, &stageErr, "run id %q", runID)
	}
}

func TestStageUnwritableRoot(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for this user")
	}

	root := t.TempDir()
	require.NoError(t, os.Chmod(root, 0o500))
	t.Cleanup(func() { _ = os.Chmod(root, 0o755) })

	store := newTestStore(t, root)
	_, err := store.Stage(context.Background(), "demo", "run-1", "x", "y")

	var stageErr *Error
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, filepath.Join(root, "demo"), stageErr.Path)
}

func TestStageRootIsAFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(root, []byte("x"), 0o644))

	store := newTestStore(t, root)
	_, err := store.Stage(context.Background(), "demo", "run-1", "x", "y")

	var stageErr *Error
	require.ErrorAs(t, err, &stageErr)
}

func TestStageHonoursCancelledContext(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t, root)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Stage(ctx, "demo", "run-1", "x", "y")

	var stageErr *Error
	require.ErrorAs(t, err, &stageErr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, filepath.Join(root, "demo", "run-1"), stageErr.Path)
	assert.NoDirExists(t, filepath.Join(root, "demo"))
}
