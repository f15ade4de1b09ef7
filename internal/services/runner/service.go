// Package runner orchestrates the dump workflow.
package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fgeck/sqldump-homelab/internal/config"
	"github.com/fgeck/sqldump-homelab/internal/models"
	"github.com/fgeck/sqldump-homelab/internal/services/artifact"
	"github.com/fgeck/sqldump-homelab/internal/services/compress"
	"github.com/fgeck/sqldump-homelab/internal/services/database"
	"github.com/fgeck/sqldump-homelab/internal/services/dumper"
	"github.com/fgeck/sqldump-homelab/internal/services/pipeline"
	"github.com/fgeck/sqldump-homelab/internal/services/progress"
	"github.com/fgeck/sqldump-homelab/internal/services/ssh"
	"github.com/fgeck/sqldump-homelab/internal/services/storage"
	"github.com/fgeck/sqldump-homelab/internal/services/telegram"
	"github.com/fgeck/sqldump-homelab/internal/services/wol"
	"github.com/fgeck/sqldump-homelab/internal/sqlgen"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Steps of a run, as reported in RunResult.FailedStep.
const (
	StepValidate = "validate"
	StepWOL      = "wol"
	StepConnect  = "connect"
	StepTables   = "tables"
	StepDump     = "dump"
	StepPipeline = "pipeline"
)

// Service defines the interface for the dump runner.
type Service interface {
	Run(ctx context.Context, cfg models.BackupConfig) *models.RunResult
	ListTables(ctx context.Context, cfg models.BackupConfig) ([]string, error)
}

// StorageFactory builds the upload client for a storage configuration.
type StorageFactory func(ctx context.Context, logger zerolog.Logger, cfg models.StorageConfig) (storage.Service, error)

func defaultStorageFactory(ctx context.Context, logger zerolog.Logger, cfg models.StorageConfig) (storage.Service, error) {
	return storage.New(ctx, logger, cfg)
}

// PipelineFactory builds the artifact pipeline of one run. store and cfg are
// nil when no storage is configured.
type PipelineFactory func(logger zerolog.Logger, reporter *progress.Reporter, store storage.Service, cfg *models.StorageConfig) pipeline.Service

// NewPipelineFactory returns a PipelineFactory compressing with compressor.
func NewPipelineFactory(compressor compress.Service) PipelineFactory {
	return func(logger zerolog.Logger, reporter *progress.Reporter, store storage.Service, cfg *models.StorageConfig) pipeline.Service {
		return pipeline.New(logger, reporter, compressor, store, cfg)
	}
}

// Impl implements the runner Service interface.
type Impl struct {
	databaseSvc     database.Service
	dumperSvc       dumper.Service
	pipelineFactory PipelineFactory
	storageFactory  StorageFactory
	wolSvc          wol.Service
	sshSvc          ssh.Service
	telegramSvc     telegram.Service
	reporter        *progress.Reporter
	logger          zerolog.Logger
	now             func() time.Time
}

// New creates a new runner service.
func New(logger zerolog.Logger, reporter *progress.Reporter) *Impl {
	return NewWithServices(
		logger,
		reporter,
		database.New(logger),
		dumper.New(logger, reporter),
		NewPipelineFactory(compress.New(logger)),
		defaultStorageFactory,
		wol.New(logger),
		ssh.New(logger),
		telegram.New(logger),
	)
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	reporter *progress.Reporter,
	databaseSvc database.Service,
	dumperSvc dumper.Service,
	pipelineFactory PipelineFactory,
	storageFactory StorageFactory,
	wolSvc wol.Service,
	sshSvc ssh.Service,
	telegramSvc telegram.Service,
) *Impl {
	if reporter == nil {
		reporter = progress.Discard()
	}
	return &Impl{
		databaseSvc:     databaseSvc,
		dumperSvc:       dumperSvc,
		pipelineFactory: pipelineFactory,
		storageFactory:  storageFactory,
		wolSvc:          wolSvc,
		sshSvc:          sshSvc,
		telegramSvc:     telegramSvc,
		reporter:        reporter,
		logger:          logger,
		now:             time.Now,
	}
}

// Run executes the complete dump workflow. Every failure ends up in the
// returned result, Run itself never fails.
//
//nolint:gocognit,gocyclo // dump workflow has multiple steps by design
func (s *Impl) Run(ctx context.Context, cfg models.BackupConfig) *models.RunResult {
	result := &models.RunResult{
		RunID:     uuid.NewString(),
		Database:  cfg.Dump.Database.Name,
		StartTime: s.now(),
	}
	logger := s.logger.With().Str("run_id", result.RunID).Logger()

	logger.Info().
		Str("database", cfg.Dump.Database.Name).
		Str("host", cfg.Host).
		Msg("starting dump run")

	var (
		src    database.Source
		tunnel *ssh.Tunnel
	)

	defer func() {
		if src != nil {
			if err := src.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close database connection")
			}
		}
		if tunnel != nil {
			if err := tunnel.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close ssh tunnel")
			}
		}

		result.Duration = time.Since(result.StartTime)
		if result.Error != nil {
			s.reporter.Error("Dump failed at step "+result.FailedStep, result.Error)
		} else {
			logger.Info().
				Int64("rows", result.TotalRows()).
				Str("duration", result.Duration.Round(time.Millisecond).String()).
				Msg("dump run completed successfully")
		}

		if cfg.Telegram != nil {
			s.sendNotification(context.WithoutCancel(ctx), cfg, result)
		}
	}()

	fail := func(step string, err error) *models.RunResult {
		result.FailedStep = step
		result.Error = err
		return result
	}

	// Step 0: Validate before touching the database
	if err := config.Validate(&cfg); err != nil {
		return fail(StepValidate, err)
	}
	var store storage.Service
	if cfg.Storage != nil {
		var err error
		store, err = s.storageFactory(ctx, logger, *cfg.Storage)
		if err != nil {
			return fail(StepValidate, err)
		}
	}

	// Step 1: Wake-on-LAN (if configured)
	if cfg.WOL != nil {
		if err := s.runWOL(ctx, cfg.WOL); err != nil {
			return fail(StepWOL, err)
		}
	}

	// Step 2: Connect
	var err error
	src, tunnel, err = s.connect(ctx, cfg)
	if err != nil {
		return fail(StepConnect, err)
	}

	// Step 3: Resolve tables
	tables, err := resolveTables(ctx, src, cfg.Dump.Tables)
	if err != nil {
		return fail(StepTables, err)
	}

	// Step 4: Dump
	if err := s.dump(ctx, src, cfg.Dump, tables, result); err != nil {
		return fail(StepDump, err)
	}

	// Step 5: Compress and upload
	result.Upload = s.pipelineFactory(logger, s.reporter, store, cfg.Storage).Finalize(ctx, result.ArtifactPath, cfg.Dump, result.RunID)
	if result.Upload.Error != nil {
		return fail(StepPipeline, result.Upload.Error)
	}

	return result
}

// ListTables validates cfg, connects and returns the tables a run would
// consider, before exclusions.
func (s *Impl) ListTables(ctx context.Context, cfg models.BackupConfig) ([]string, error) {
	if err := config.Validate(&cfg); err != nil {
		return nil, err
	}

	src, tunnel, err := s.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = src.Close()
		if tunnel != nil {
			_ = tunnel.Close()
		}
	}()

	return resolveTables(ctx, src, cfg.Dump.Tables)
}

func (s *Impl) runWOL(ctx context.Context, cfg *models.WOLConfig) error {
	s.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("target", cfg.PollAddress).
		Msg("sending Wake-on-LAN packet")

	result, err := s.wolSvc.Wake(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("%w: WOL failed: %w", models.ErrConnection, err)
	}
	if result.Error != nil {
		return fmt.Errorf("%w: WOL failed: %w", models.ErrConnection, result.Error)
	}

	if !result.TargetReady && cfg.PollAddress != "" {
		return fmt.Errorf("%w: database host did not become ready after WOL", models.ErrConnection)
	}

	s.logger.Info().
		Bool("packet_sent", result.PacketSent).
		Bool("target_ready", result.TargetReady).
		Dur("wait_duration", result.WaitDuration).
		Msg("WOL completed")

	return nil
}

func (s *Impl) connect(ctx context.Context, cfg models.BackupConfig) (database.Source, *ssh.Tunnel, error) {
	var (
		tunnel *ssh.Tunnel
		dial   database.DialContextFunc
	)

	if cfg.SSHTunnel != nil {
		t, err := s.sshSvc.Open(ctx, *cfg.SSHTunnel)
		if err != nil {
			return nil, nil, err
		}
		tunnel = t
		dial = t.DialContext
	}

	src, err := s.databaseSvc.Open(ctx, cfg.Dump.Database, cfg.Dump.Charset, dial)
	if err != nil {
		if tunnel != nil {
			_ = tunnel.Close()
		}
		return nil, nil, err
	}
	return src, tunnel, nil
}

func resolveTables(ctx context.Context, src database.Source, sel models.TableSelection) ([]string, error) {
	if !sel.All {
		return sel.Names, nil
	}
	return src.ListTables(ctx)
}

// dump writes the whole script for tables. Output flushed before a failure
// stays on disk.
func (s *Impl) dump(ctx context.Context, src database.Source, req models.DumpRequest, tables []string, result *models.RunResult) error {
	w, err := artifact.Create(s.logger, req.OutputDir, artifact.Filename(req.Database.Name, result.StartTime))
	if err != nil {
		return err
	}
	result.ArtifactPath = w.Path()
	defer func() {
		result.BytesWritten = w.Written()
		if err := w.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close artifact")
		}
	}()

	s.logger.Info().
		Str("artifact", w.Path()).
		Int("tables", len(tables)).
		Int64("batch_size", req.BatchSize).
		Msg("dumping tables")

	if err := w.Append(sqlgen.Preamble(req.Database.Name, req.DisableForeignKeyChecks)); err != nil {
		return err
	}

	for _, table := range tables {
		tr, err := s.dumperSvc.DumpTable(ctx, src, req, table, w)
		if tr != nil {
			result.Tables = append(result.Tables, *tr)
		}
		if err != nil {
			return fmt.Errorf("table %s: %w", table, err)
		}
	}

	if err := w.Append(sqlgen.Postamble(req.DisableForeignKeyChecks)); err != nil {
		return err
	}

	return w.Close()
}

func (s *Impl) sendNotification(ctx context.Context, cfg models.BackupConfig, run *models.RunResult) {
	msg := models.TelegramMessage{
		Success:   run.Success(),
		RunID:     run.RunID,
		Host:      cfg.Host,
		Database:  run.Database,
		StartTime: run.StartTime,
		Duration:  run.Duration,
	}
	if msg.Host == "" {
		msg.Host, _ = os.Hostname()
	}

	if run.Error != nil {
		msg.FailedStep = run.FailedStep
		msg.ErrorMessage = run.Error.Error()
	} else {
		for _, t := range run.Tables {
			if t.Skipped {
				msg.TablesSkipped++
			} else {
				msg.TablesDumped++
			}
		}
		msg.RowsWritten = run.TotalRows()
		msg.ArtifactBytes = run.BytesWritten
		if run.Upload != nil {
			msg.ArtifactBytes = run.Upload.SizeBytes
			msg.Location = run.Upload.Location
			msg.Compressed = run.Upload.Compressed
		}
	}

	result, err := s.telegramSvc.SendNotification(ctx, *cfg.Telegram, msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		s.logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		return
	}

	s.logger.Info().Msg("Telegram notification sent")
}
