package plugin

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// StagedFile is one output written by a plugin and not yet persisted.
type StagedFile struct {
	Name      string
	DataKind  string
	MediaType string
	path      string
}

// Open reads back the staged content.
func (f StagedFile) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

// Output is the staging area handed to a plugin. Files are spooled to a
// private temp directory until the persist-result step stores them.
type Output struct {
	mu     sync.Mutex
	dir    string
	files  []StagedFile
	open   []*os.File
	closed bool
}

// NewOutput creates a staging area under the system temp dir.
func NewOutput() (*Output, error) {
	dir, err := os.MkdirTemp("", "plugin-output-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Output{dir: dir}, nil
}

// Create stages a new output. The returned writer is closed by the
// pipeline; plugins may close it early.
func (o *Output) Create(name, dataKind, mediaType string) (io.Writer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errors.New("output already finalized")
	}
	for _, f := range o.files {
		if f.Name == name {
			return nil, fmt.Errorf("output %q staged twice", name)
		}
	}
	f, err := os.CreateTemp(o.dir, "staged-*")
	if err != nil {
		return nil, fmt.Errorf("stage output %q: %w", name, err)
	}
	o.open = append(o.open, f)
	o.files = append(o.files, StagedFile{Name: name, DataKind: dataKind, MediaType: mediaType, path: f.Name()})
	return f, nil
}

// Seal flushes and closes every staged file and returns them in creation
// order. No output can be added afterwards.
func (o *Output) Seal() ([]StagedFile, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	var errs []error
	for _, f := range o.open {
		if err := f.Sync(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	o.open = nil
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("seal outputs: %w", err)
	}
	return append([]StagedFile(nil), o.files...), nil
}

// Cleanup removes the staging directory.
func (o *Output) Cleanup() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, f := range o.open {
		_ = f.Close()
	}
	o.open = nil
	return os.RemoveAll(o.dir)
}
