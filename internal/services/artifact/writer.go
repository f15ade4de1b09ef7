// Package artifact writes the dump script to disk.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fgeck/sqldump-homelab/internal/models"
	"github.com/rs/zerolog"
)

// Sink receives rendered chunks of the dump script.
type Sink interface {
	Append(chunk string) error
}

// Filename returns the artifact name for a dump of db started at t.
func Filename(db string, t time.Time) string {
	return fmt.Sprintf("db-backup-%s-%s.sql", db, t.Format("20060102_150405"))
}

// Writer appends chunks to an artifact file and syncs after each one.
// The file is held under an exclusive advisory lock until Close.
type Writer struct {
	file    *os.File
	path    string
	written int64
	logger  zerolog.Logger
}

// Create creates dir/name and locks it. An existing file of the same name is
// never reused, so a second run within the same second fails instead of
// overwriting the earlier artifact.
func Create(logger zerolog.Logger, dir, name string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: failed to create output directory %s: %w", models.ErrPersistence, dir, err)
	}

	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // path is built from config
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("%w: artifact %s already exists: %w", models.ErrPersistence, path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create %s: %w", models.ErrPersistence, path, err)
	}

	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is locked by another process: %w", models.ErrPersistence, path, err)
	}

	logger.Debug().Str("path", path).Msg("artifact created")

	return &Writer{file: f, path: path, logger: logger}, nil
}

// Path returns the artifact location.
func (w *Writer) Path() string {
	return w.path
}

// Written returns the number of bytes appended so far.
func (w *Writer) Written() int64 {
	return w.written
}

// Append writes chunk and flushes it to stable storage. Empty chunks are ignored.
func (w *Writer) Append(chunk string) error {
	if chunk == "" {
		return nil
	}
	if w.file == nil {
		return fmt.Errorf("%w: artifact %s is closed", models.ErrPersistence, w.path)
	}

	n, err := w.file.WriteString(chunk)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("%w: failed to write %s: %w", models.ErrPersistence, w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: failed to sync %s: %w", models.ErrPersistence, w.path, err)
	}
	return nil
}

// Close syncs, unlocks and closes the file. Calling it twice is a no-op.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil

	syncErr := f.Sync()
	_ = unlockFile(f)
	closeErr := f.Close()

	if syncErr != nil {
		return fmt.Errorf("%w: failed to sync %s: %w", models.ErrPersistence, w.path, syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: failed to close %s: %w", models.ErrPersistence, w.path, closeErr)
	}

	w.logger.Debug().Str("path", w.path).Int64("bytes", w.written).Msg("artifact closed")
	return nil
}
