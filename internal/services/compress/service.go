// Package compress gzips dump artifacts.
package compress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fgeck/sqldump-homelab/internal/models"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// ChunkSize is the read size used while streaming the artifact.
const ChunkSize = 256 * 1024

// DefaultLevel matches what the original dumps were written with.
const DefaultLevel = gzip.BestCompression

// Service defines the interface for artifact compression.
type Service interface {
	Compress(ctx context.Context, path string, level int) *models.CompressResult
}

// Impl implements the compress Service interface.
type Impl struct {
	logger zerolog.Logger
}

// New creates a new compress service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger}
}

// Compress writes path.gz and removes path on success. On failure the partial
// output is removed and path is left untouched.
func (s *Impl) Compress(ctx context.Context, path string, level int) *models.CompressResult {
	start := time.Now()
	result := &models.CompressResult{
		SourcePath: path,
		OutputPath: path + ".gz",
	}

	if level == 0 {
		level = DefaultLevel
	}

	s.logger.Info().
		Str("source", path).
		Int("level", level).
		Msg("compressing artifact")

	srcBytes, outBytes, err := s.gzipFile(ctx, path, result.OutputPath, level)
	result.SourceBytes = srcBytes
	result.Duration = time.Since(start)
	if err != nil {
		if rmErr := os.Remove(result.OutputPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn().Err(rmErr).Str("path", result.OutputPath).Msg("failed to remove partial archive")
		}
		result.Error = fmt.Errorf("%w: %w", models.ErrCompression, err)
		return result
	}
	result.OutputBytes = outBytes

	if err := os.Remove(path); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("failed to remove uncompressed artifact")
	}

	s.logger.Info().
		Str("output", result.OutputPath).
		Int64("source_bytes", result.SourceBytes).
		Int64("output_bytes", result.OutputBytes).
		Str("duration", result.Duration.Round(time.Millisecond).String()).
		Msg("artifact compressed")

	return result
}

func (s *Impl) gzipFile(ctx context.Context, src, dst string, level int) (int64, int64, error) {
	in, err := os.Open(src) //nolint:gosec // path comes from the artifact writer
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) //nolint:gosec // sibling of src
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create %s: %w", dst, err)
	}

	gz, err := gzip.NewWriterLevel(out, level)
	if err != nil {
		_ = out.Close()
		return 0, 0, fmt.Errorf("invalid compression level %d: %w", level, err)
	}

	n, copyErr := io.CopyBuffer(gz, &contextReader{ctx: ctx, r: in}, make([]byte, ChunkSize))
	closeErr := gz.Close()
	if copyErr == nil && closeErr == nil {
		closeErr = out.Sync()
	}
	info, statErr := out.Stat()
	fileErr := out.Close()

	switch {
	case copyErr != nil:
		return n, 0, fmt.Errorf("failed to compress %s: %w", src, copyErr)
	case closeErr != nil:
		return n, 0, fmt.Errorf("failed to finish %s: %w", dst, closeErr)
	case fileErr != nil:
		return n, 0, fmt.Errorf("failed to close %s: %w", dst, fileErr)
	case statErr != nil:
		return n, 0, fmt.Errorf("failed to stat %s: %w", dst, statErr)
	}
	return n, info.Size(), nil
}

// contextReader stops the copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
