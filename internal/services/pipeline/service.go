// Package pipeline post-processes a finished dump: optional compression
// followed by the upload to object storage.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/sqldump-homelab/internal/models"
	"github.com/fgeck/sqldump-homelab/internal/services/compress"
	"github.com/fgeck/sqldump-homelab/internal/services/progress"
	"github.com/fgeck/sqldump-homelab/internal/services/storage"
	"github.com/rs/zerolog"
)

// Object metadata keys attached to uploads.
const (
	MetaRunID    = "run-id"
	MetaDatabase = "database"
)

// Service defines the interface for finalizing an artifact.
type Service interface {
	Finalize(ctx context.Context, path string, req models.DumpRequest, runID string) *models.UploadResult
}

// Impl implements the pipeline Service interface.
type Impl struct {
	compressor compress.Service
	storage    storage.Service // nil keeps artifacts local
	storageCfg models.StorageConfig
	reporter   *progress.Reporter
	logger     zerolog.Logger
}

// New creates a pipeline. A nil storage service (or config) disables uploads.
func New(logger zerolog.Logger, reporter *progress.Reporter, compressor compress.Service, store storage.Service, cfg *models.StorageConfig) *Impl {
	if reporter == nil {
		reporter = progress.Discard()
	}
	s := &Impl{
		compressor: compressor,
		reporter:   reporter,
		logger:     logger,
	}
	if store != nil && cfg != nil {
		s.storage = store
		s.storageCfg = *cfg
	}
	return s
}

// Finalize compresses path when requested and uploads the resulting file.
// A compressed artifact is removed locally once uploaded, an uncompressed one
// is kept. Whatever fails, the newest local artifact stays on disk.
func (s *Impl) Finalize(ctx context.Context, path string, req models.DumpRequest, runID string) *models.UploadResult {
	start := time.Now()
	result := &models.UploadResult{
		LocalPath:     path,
		LocalRetained: true,
	}
	defer func() { result.Duration = time.Since(start) }()

	if req.Compress {
		s.reporter.Report("Gzipping backup file to "+path+".gz... ", 1, 0)
		cr := s.compressor.Compress(ctx, path, req.CompressionLevel)
		if cr.Error != nil {
			s.reporter.Error("Error gzipping backup file", cr.Error)
			result.Error = cr.Error
			return result
		}
		s.reporter.Line("OK")
		result.Compressed = true
		result.LocalPath = cr.OutputPath
	}

	info, err := os.Stat(result.LocalPath)
	if err != nil {
		result.Error = fmt.Errorf("%w: %w", models.ErrPersistence, err)
		return result
	}
	result.SizeBytes = info.Size()

	if s.storage == nil {
		result.Location = result.LocalPath
		s.reporter.Report("Backup file successfully saved to "+result.LocalPath, 1, 1)
		s.logger.Info().
			Str("path", result.LocalPath).
			Str("size", humanize.Bytes(uint64(result.SizeBytes))).
			Msg("storage not configured, artifact kept locally")
		return result
	}

	prefix := s.storageCfg.Prefix
	if prefix == "" {
		prefix = req.Database.Name
	}
	result.Bucket = s.storageCfg.Bucket
	result.Key = storage.ObjectKey(prefix, filepath.Base(result.LocalPath))

	location, err := s.upload(ctx, result, map[string]string{
		MetaRunID:    runID,
		MetaDatabase: req.Database.Name,
	})
	if err != nil {
		s.reporter.Error("Error uploading backup file to S3", err)
		result.Error = err
		return result
	}
	result.Uploaded = true
	result.Location = location
	s.reporter.Report("Backup file successfully saved to S3: "+location, 1, 1)

	s.logger.Info().
		Str("location", location).
		Str("size", humanize.Bytes(uint64(result.SizeBytes))).
		Msg("artifact uploaded")

	if result.Compressed {
		if err := os.Remove(result.LocalPath); err != nil {
			s.logger.Warn().Err(err).Str("path", result.LocalPath).Msg("failed to remove uploaded archive")
			return result
		}
		result.LocalRetained = false
	}
	return result
}

func (s *Impl) upload(ctx context.Context, result *models.UploadResult, meta map[string]string) (string, error) {
	f, err := os.Open(result.LocalPath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrUpload, err)
	}
	defer func() { _ = f.Close() }()

	return s.storage.PutObject(ctx, result.Bucket, result.Key, f, meta)
}
