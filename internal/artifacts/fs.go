package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"plugin-runner/internal/models"
)

var _ Store = (*FS)(nil)

// FS keeps artifacts under baseDir/<job id>/<name>.
type FS struct {
	baseDir string
}

func NewFS(baseDir string) *FS {
	if baseDir == "" {
		baseDir = "./artifacts"
	}
	return &FS{baseDir: baseDir}
}

// Persist writes to a temp file, syncs it and links it into place. The link
// fails if the artifact exists, so a stored artifact is never replaced.
func (s *FS) Persist(ctx context.Context, jobID string, r io.Reader, name, dataKind, mediaType string) (models.ArtifactRef, error) {
	if err := cleanJobID(jobID); err != nil {
		return models.ArtifactRef{}, err
	}
	name, err := cleanName(name)
	if err != nil {
		return models.ArtifactRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.ArtifactRef{}, err
	}

	final := filepath.Join(s.baseDir, jobID, filepath.FromSlash(name))
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.ArtifactRef{}, fmt.Errorf("create dirs: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return models.ArtifactRef{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	size, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return models.ArtifactRef{}, fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return models.ArtifactRef{}, fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return models.ArtifactRef{}, fmt.Errorf("close artifact: %w", err)
	}

	if err := os.Link(tmpPath, final); err != nil {
		if errors.Is(err, os.ErrExist) {
			return models.ArtifactRef{}, fmt.Errorf("%w: %s/%s", ErrExists, jobID, name)
		}
		return models.ArtifactRef{}, fmt.Errorf("link artifact: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return models.ArtifactRef{}, err
	}

	return models.ArtifactRef{
		Name:      name,
		DataKind:  dataKind,
		MediaType: mediaType,
		URI:       "file://" + filepath.ToSlash(final),
		Size:      size,
	}, nil
}

// Open returns the stored artifact.
func (s *FS) Open(_ context.Context, jobID, name string) (io.ReadCloser, error) {
	if err := cleanJobID(jobID); err != nil {
		return nil, err
	}
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.baseDir, jobID, filepath.FromSlash(name)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, jobID, name)
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
