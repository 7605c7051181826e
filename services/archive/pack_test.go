package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBundle(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('hi')\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "LICENSE"), []byte("MIT\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git", "objects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))
	return dir
}

func tarNames(t *testing.T, data []byte) []string {
	t.Helper()
	decoder, err := zstd.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer decoder.Close()

	var names []string
	tr := tar.NewReader(decoder)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names
		}
		require.NoError(t, err)
		names = append(names, header.Name)
	}
}

func TestPackAndVerify(t *testing.T) {
	signer, identity := newTestSigner(t)
	dir := writeBundle(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 500, time.UTC)

	var buf bytes.Buffer
	manifest, err := Pack(context.Background(), dir, Meta{Task: "demo1", RunID: "run-1", RepoURL: "https://github.com/octo/demo1"}, signer, &buf, now)
	require.NoError(t, err)

	assert.Equal(t, now.Truncate(time.Second), manifest.CreatedAt)
	assert.Equal(t, identity.Recipient().String(), manifest.Signer)
	assert.Equal(t, signer.PublicKeyBase64(), manifest.SigningPublicKey)
	require.Len(t, manifest.Files, 3)
	assert.Equal(t, []string{"LICENSE", "README.md", "app.py"},
		[]string{manifest.Files[0].Path, manifest.Files[1].Path, manifest.Files[2].Path})
	assert.Equal(t, int64(len("print('hi')\n")), manifest.Files[2].Size)

	assert.Equal(t, []string{"manifest.yaml", "files/LICENSE", "files/README.md", "files/app.py"}, tarNames(t, buf.Bytes()))

	verified, err := Verify(context.Background(), bytes.NewReader(buf.Bytes()), signer)
	require.NoError(t, err)
	assert.Equal(t, "demo1", verified.Task)
	assert.Equal(t, "run-1", verified.RunID)
	assert.Equal(t, manifest.Signature, verified.Signature)
}

func TestVerifyWithForeignSignerFails(t *testing.T) {
	signer, _ := newTestSigner(t)
	other, _ := newTestSigner(t)

	var buf bytes.Buffer
	_, err := Pack(context.Background(), writeBundle(t), Meta{Task: "demo1", RunID: "run-1"}, signer, &buf, time.Now())
	require.NoError(t, err)

	_, err = Verify(context.Background(), &buf, other)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verify manifest signature")
}

func TestVerifyDetectsTamperedFile(t *testing.T) {
	signer, _ := newTestSigner(t)

	var archive bytes.Buffer
	manifest, err := Pack(context.Background(), writeBundle(t), Meta{Task: "demo1", RunID: "run-1"}, signer, &archive, time.Now())
	require.NoError(t, err)

	// Rebuild the archive with the original manifest but different app.py contents.
	manifestBytes := readEntry(t, archive.Bytes(), "manifest.yaml")
	var forged bytes.Buffer
	encoder, err := zstd.NewWriter(&forged)
	require.NoError(t, err)
	tw := tar.NewWriter(encoder)
	writeTarFile(t, tw, "manifest.yaml", manifestBytes)
	for _, f := range manifest.Files {
		body := readEntry(t, archive.Bytes(), "files/"+f.Path)
		if f.Path == "app.py" {
			body = bytes.ToUpper(body)
		}
		writeTarFile(t, tw, "files/"+f.Path, body)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, encoder.Close())

	_, err = Verify(context.Background(), &forged, signer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sha256 mismatch for "app.py"`)
}

func TestPackErrors(t *testing.T) {
	signer, _ := newTestSigner(t)

	_, err := Pack(context.Background(), filepath.Join(t.TempDir(), "missing"), Meta{}, signer, io.Discard, time.Now())
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = Pack(context.Background(), t.TempDir(), Meta{}, signer, io.Discard, time.Now())
	require.ErrorContains(t, err, "is empty")

	verifier, err := NewSigner(configWithPublicKey(signer))
	require.NoError(t, err)
	_, err = Pack(context.Background(), writeBundle(t), Meta{}, verifier, io.Discard, time.Now())
	require.ErrorContains(t, err, "private key")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Pack(ctx, writeBundle(t), Meta{}, signer, io.Discard, time.Now())
	require.ErrorIs(t, err, context.Canceled)
}

func readEntry(t *testing.T, data []byte, name string) []byte {
	t.Helper()
	decoder, err := zstd.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer decoder.Close()

	tr := tar.NewReader(decoder)
	for {
		header, err := tr.Next()
		require.NoError(t, err, "entry %s not found", name)
		if header.Name == name {
			body, err := io.ReadAll(tr)
			require.NoError(t, err)
			return body
		}
	}
}

func writeTarFile(t *testing.T, tw *tar.Writer, name string, body []byte) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(body)
	require.NoError(t, err)
}
