package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	manifestFileName = "manifest.yaml"
	filesTarPrefix   = "files"
)

// Meta identifies the run an archive belongs to.
type Meta struct {
	Task      string
	RunID     string
	RepoURL   string
	CommitRef string
}

// Pack writes a signed tar.zst of dir to w. Git metadata is skipped.
func Pack(ctx context.Context, dir string, meta Meta, signer *Signer, w io.Writer, now time.Time) (*Manifest, error) {
	if dir == "" {
		return nil, errors.New("bundle directory is required")
	}
	if !signer.CanSign() {
		return nil, errors.New("signer with private key is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat bundle dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("bundle dir %q is not a directory", dir)
	}

	files, err := collectFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("bundle dir %q is empty", dir)
	}

	manifest := &Manifest{
		Version:   ManifestVersion,
		CreatedAt: now.UTC().Truncate(time.Second),
		Task:      meta.Task,
		RunID:     meta.RunID,
		RepoURL:   meta.RepoURL,
		CommitRef: meta.CommitRef,
		Files:     files,
	}
	if err := signer.Seal(manifest); err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeArchive(ctx, w, manifestBytes, manifest.CreatedAt, dir, files); err != nil {
		return nil, err
	}
	return manifest, nil
}

func collectFiles(ctx context.Context, root string) ([]ManifestFile, error) {
	var files []ManifestFile
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", p, err)
		}
		sum, size, err := hashFile(p)
		if err != nil {
			return err
		}
		files = append(files, ManifestFile{Path: filepath.ToSlash(rel), Size: size, SHA256: sum})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func hashFile(p string) (string, int64, error) {
	file, err := os.Open(p)
	if err != nil {
		return "", 0, fmt.Errorf("open %q: %w", p, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash %q: %w", p, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

func writeArchive(ctx context.Context, w io.Writer, manifest []byte, modTime time.Time, dir string, files []ManifestFile) error {
	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	if err := writeEntries(ctx, tw, manifest, modTime, dir, files); err != nil {
		_ = tw.Close()
		_ = encoder.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		_ = encoder.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

func writeEntries(ctx context.Context, tw *tar.Writer, manifest []byte, modTime time.Time, dir string, files []ManifestFile) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyEntry(tw, dir, f); err != nil {
			return err
		}
	}
	return nil
}

func copyEntry(tw *tar.Writer, dir string, f ManifestFile) error {
	file, err := os.Open(filepath.Join(dir, filepath.FromSlash(f.Path)))
	if err != nil {
		return fmt.Errorf("open %q: %w", f.Path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", f.Path, err)
	}
	if info.Size() != f.Size {
		return fmt.Errorf("%q changed while packing", f.Path)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:     path.Join(filesTarPrefix, f.Path),
		Mode:     int64(info.Mode().Perm()),
		Size:     f.Size,
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write header for %q: %w", f.Path, err)
	}
	if _, err := io.CopyN(tw, file, f.Size); err != nil {
		return fmt.Errorf("copy %q: %w", f.Path, err)
	}
	return nil
}

// Verify reads a tar.zst produced by Pack, checks the manifest signature and every file's size
// and digest, and returns the manifest.
func Verify(ctx context.Context, r io.Reader, signer *Signer) (*Manifest, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		manifestBytes []byte
		digests       = map[string]ManifestFile{}
	)
	tr := tar.NewReader(decoder)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(header.Name)
		if name == manifestFileName {
			if manifestBytes, err = io.ReadAll(tr); err != nil {
				return nil, fmt.Errorf("read manifest: %w", err)
			}
			continue
		}
		rel, ok := strings.CutPrefix(name, filesTarPrefix+"/")
		if !ok {
			return nil, fmt.Errorf("unexpected entry %q", header.Name)
		}
		hash := sha256.New()
		size, err := io.Copy(hash, tr)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", rel, err)
		}
		digests[rel] = ManifestFile{Path: rel, Size: size, SHA256: hex.EncodeToString(hash.Sum(nil))}
	}

	if len(manifestBytes) == 0 {
		return nil, errors.New("archive missing manifest.yaml")
	}
	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != ManifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if err := signer.Check(manifest); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}

	for _, want := range manifest.Files {
		got, ok := digests[want.Path]
		if !ok {
			return nil, fmt.Errorf("file %q missing from archive", want.Path)
		}
		if got.Size != want.Size {
			return nil, fmt.Errorf("size mismatch for %q: expected %d got %d", want.Path, want.Size, got.Size)
		}
		if !strings.EqualFold(got.SHA256, want.SHA256) {
			return nil, fmt.Errorf("sha256 mismatch for %q", want.Path)
		}
		delete(digests, want.Path)
	}
	if len(digests) > 0 {
		return nil, fmt.Errorf("archive holds %d files not listed in the manifest", len(digests))
	}
	return &manifest, nil
}
