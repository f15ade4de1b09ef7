// Package dumper renders one table of the source database into the dump script.
package dumper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fgeck/sqldump-homelab/internal/models"
	"github.com/fgeck/sqldump-homelab/internal/services/artifact"
	"github.com/fgeck/sqldump-homelab/internal/services/database"
	"github.com/fgeck/sqldump-homelab/internal/services/progress"
	"github.com/fgeck/sqldump-homelab/internal/sqlgen"
	"github.com/rs/zerolog"
)

// Service defines the interface for dumping a table.
type Service interface {
	DumpTable(ctx context.Context, src database.Source, req models.DumpRequest, table string, sink artifact.Sink) (*models.TableResult, error)
}

// Impl implements the dumper Service interface.
type Impl struct {
	logger   zerolog.Logger
	reporter *progress.Reporter
}

// New creates a new dumper service.
func New(logger zerolog.Logger, reporter *progress.Reporter) *Impl {
	if reporter == nil {
		reporter = progress.Discard()
	}
	return &Impl{
		logger:   logger,
		reporter: reporter,
	}
}

// DumpTable writes the DROP/CREATE header, the rows in windows of
// req.BatchSize and the trailer of table to sink. Each window is appended
// before the next one is fetched. Excluded tables are skipped.
func (s *Impl) DumpTable(ctx context.Context, src database.Source, req models.DumpRequest, table string, sink artifact.Sink) (*models.TableResult, error) {
	result := &models.TableResult{Name: table}
	if req.Excluded(table) {
		result.Skipped = true
		s.logger.Debug().Str("table", table).Msg("table excluded")
		return result, nil
	}
	if req.BatchSize <= 0 {
		return result, fmt.Errorf("%w: batch size must be positive, got %d", models.ErrConfiguration, req.BatchSize)
	}

	start := time.Now()
	s.reporter.TableStart(table)

	schema, err := src.TableSchema(ctx, table)
	if err != nil {
		return result, wrapQuery(err)
	}
	if err := sink.Append(sqlgen.TableHeader(schema)); err != nil {
		return result, wrapPersistence(err)
	}

	total, err := src.CountRows(ctx, table)
	if err != nil {
		return result, wrapQuery(err)
	}
	result.Rows = total

	tracker := s.reporter.TableBar(table, total)
	defer tracker.Finish()

	var b strings.Builder
	batches := sqlgen.BatchCount(total, req.BatchSize)
	for i := int64(1); i <= batches; i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		window, err := src.FetchRows(ctx, table, sqlgen.BatchOffset(i, req.BatchSize), req.BatchSize)
		if err != nil {
			return result, wrapQuery(err)
		}
		result.Windows++
		if len(window.Rows) == 0 {
			continue
		}

		size := b.Len()
		b.Reset()
		b.Grow(size)
		sqlgen.RenderInsert(&b, table, window)
		if err := sink.Append(b.String()); err != nil {
			return result, wrapPersistence(err)
		}

		rows := int64(len(window.Rows))
		result.Written += rows
		result.Inserts++
		tracker.Add(rows)
	}

	if err := sink.Append(sqlgen.TableTrailer); err != nil {
		return result, wrapPersistence(err)
	}

	result.Duration = time.Since(start)
	s.reporter.Line("OK")

	s.logger.Debug().
		Str("table", table).
		Int64("rows", result.Written).
		Int64("windows", result.Windows).
		Str("duration", result.Duration.Round(time.Millisecond).String()).
		Msg("table dumped")

	return result, nil
}

func wrapQuery(err error) error {
	return wrap(models.ErrQuery, err)
}

func wrapPersistence(err error) error {
	return wrap(models.ErrPersistence, err)
}

func wrap(kind, err error) error {
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
