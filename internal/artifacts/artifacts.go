// Package artifacts stores immutable job outputs. Persist returns only once
// the blob is durable; a second write of the same job artifact fails.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"plugin-runner/internal/models"
)

var (
	ErrExists   = errors.New("artifact already exists")
	ErrNotFound = errors.New("artifact not found")
	ErrBadName  = errors.New("invalid artifact name")
)

// Store is implemented by every artifact driver.
type Store interface {
	Persist(ctx context.Context, jobID string, r io.Reader, name, dataKind, mediaType string) (models.ArtifactRef, error)
	Open(ctx context.Context, jobID, name string) (io.ReadCloser, error)
}

// cleanName rejects names that would escape the job's namespace.
func cleanName(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `\`) {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	cleaned := path.Clean(name)
	if cleaned != name || cleaned == "." || strings.HasPrefix(cleaned, "/") || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return cleaned, nil
}

func cleanJobID(jobID string) error {
	if jobID == "" || strings.ContainsAny(jobID, `/\.`) {
		return fmt.Errorf("%w: job id %q", ErrBadName, jobID)
	}
	return nil
}
