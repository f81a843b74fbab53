// Package staging persists uploads to a transient directory where the
// inference collaborator can read them, and removes them afterwards.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ai-diagnose/internal/diagnosis"
)

const maxExtLen = 16

// Stager writes uploads under Dir. The directory is created on first use.
type Stager struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	mkdirOnce sync.Once
	mkdirErr  error
}

// NewStager constructs a stager rooted at dir.
func NewStager(dir string, logger *zap.Logger) *Stager {
	return &Stager{
		dir:    dir,
		logger: logger.Named("stager"),
		now:    time.Now,
	}
}

// Dir returns the staging directory.
func (s *Stager) Dir() string {
	return s.dir
}

// Handle references one staged file. It must be released exactly once by its owner.
type Handle struct {
	id   string
	path string
	size int64

	once   sync.Once
	relErr error
	logger *zap.Logger
}

// ID is the collision-free token the staged file is named after.
func (h *Handle) ID() string { return h.id }

// Path is the location of the staged file on local storage.
func (h *Handle) Path() string { return h.path }

// Size is the number of bytes written.
func (h *Handle) Size() int64 { return h.size }

// Release removes the staged file. Calls after the first return the first result.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		err := os.Remove(h.path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			h.relErr = diagnosis.NewStorageError("staging.release", err)
			h.logger.Error("failed to remove staged artifact", zap.String("path", h.path), zap.Error(err))
			return
		}
		h.logger.Debug("staged artifact released", zap.String("path", h.path))
	})
	return h.relErr
}

// Stage copies the upload into a uniquely named file. On failure nothing is
// left behind and a StorageError is returned.
func (s *Stager) Stage(ctx context.Context, upload *diagnosis.Upload) (*Handle, error) {
	if upload == nil || upload.Content == nil {
		return nil, diagnosis.NewValidationError("staging.stage", diagnosis.ErrNoImage)
	}
	if err := s.ensureDir(); err != nil {
		return nil, diagnosis.NewStorageError("staging.mkdir", err)
	}

	id := fmt.Sprintf("%d-%s", s.now().UnixNano(), uuid.NewString()[:8])
	path := filepath.Join(s.dir, id+Extension(upload.Filename))

	// O_EXCL guards against a name collision overwriting another request's file.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, diagnosis.NewStorageError("staging.create", err)
	}

	n, copyErr := io.Copy(f, contextReader{ctx: ctx, r: upload.Content})
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Error("failed to remove partial artifact", zap.String("path", path), zap.Error(rmErr))
		}
		return nil, diagnosis.NewStorageError("staging.write", err)
	}

	s.logger.Debug("artifact staged", zap.String("path", path), zap.Int64("bytes", n))
	return &Handle{id: id, path: path, size: n, logger: s.logger}, nil
}

func (s *Stager) ensureDir() error {
	s.mkdirOnce.Do(func() {
		s.mkdirErr = os.MkdirAll(s.dir, 0o750)
	})
	if s.mkdirErr != nil {
		return s.mkdirErr
	}
	// The directory may have been removed out from under us since the first call.
	if _, err := os.Stat(s.dir); errors.Is(err, os.ErrNotExist) {
		return os.MkdirAll(s.dir, 0o750)
	}
	return nil
}

// Extension returns the lower-cased extension of the declared filename,
// or "" if it is missing or contains anything but letters and digits.
func Extension(filename string) string {
	ext := filepath.Ext(filepath.Base(strings.ReplaceAll(filename, "\\", "/")))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return strings.ToLower(ext)
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
