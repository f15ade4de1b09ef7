// Package progress prints timestamped run progress for humans and mirrors it
// to the structured log.
package progress

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
)

// TimeFormat is the timestamp layout of console progress lines.
const TimeFormat = "2006-01-02 15:04:05"

// tableLineWidth is the column the dots of a table line pad up to.
const tableLineWidth = 50

// Tracker follows the rows written for one table.
type Tracker interface {
	Add(rows int64)
	Finish()
}

// Reporter writes progress lines. The zero value is not usable, use New.
type Reporter struct {
	out    io.Writer
	bars   io.Writer // nil disables progress bars
	logger zerolog.Logger
	now    func() time.Time
}

// Option customizes a Reporter.
type Option func(*Reporter)

// WithBars enables per-table progress bars drawn on w.
func WithBars(w io.Writer) Option {
	return func(r *Reporter) { r.bars = w }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// New creates a reporter printing to out and logging to logger.
func New(out io.Writer, logger zerolog.Logger, opts ...Option) *Reporter {
	r := &Reporter{
		out:    out,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Discard returns a reporter that prints nothing.
func Discard() *Reporter {
	return New(io.Discard, zerolog.Nop())
}

// Report prints msg preceded by before and followed by after line breaks.
// Empty messages are ignored.
func (r *Reporter) Report(msg string, before, after int) {
	if msg == "" {
		return
	}
	r.write(msg, before, after)
	r.logger.Info().Msg(strings.TrimSpace(msg))
}

// Line prints msg on its own line.
func (r *Reporter) Line(msg string) {
	r.Report(msg, 0, 1)
}

// Error prints msg with the error appended and logs it at error level.
func (r *Reporter) Error(msg string, err error) {
	if msg == "" && err == nil {
		return
	}
	full := msg
	if err != nil {
		full = fmt.Sprintf("%s: %v", msg, err)
	}
	r.write(full, 1, 1)
	r.logger.Error().Err(err).Msg(msg)
}

// TableStart prints the unterminated "Backing up" line of a table.
func (r *Reporter) TableStart(table string) {
	r.Report(TableLine(table), 0, 0)
}

// TableLine renders the "Backing up" message of a table, dot padded.
func TableLine(table string) string {
	pad := tableLineWidth - len(table)
	if pad < 0 {
		pad = 0
	}
	return "Backing up `" + table + "` table..." + strings.Repeat(".", pad)
}

// TableBar returns a tracker for total rows of table.
func (r *Reporter) TableBar(table string, total int64) Tracker {
	if r.bars == nil || total <= 0 {
		return noopTracker{}
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(r.bars),
		progressbar.OptionSetDescription(table),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(r.bars, "\n") }),
	)
	return &barTracker{bar: bar}
}

func (r *Reporter) write(msg string, before, after int) {
	var b strings.Builder
	b.WriteString(strings.Repeat("\n", max(before, 0)))
	b.WriteString(r.now().Format(TimeFormat))
	b.WriteString(" - ")
	b.WriteString(msg)
	b.WriteString(strings.Repeat("\n", max(after, 0)))

	_, _ = io.WriteString(r.out, b.String())
	if s, ok := r.out.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
}

type barTracker struct {
	bar *progressbar.ProgressBar
}

func (t *barTracker) Add(rows int64) { _ = t.bar.Add64(rows) }

func (t *barTracker) Finish() { _ = t.bar.Finish() }

type noopTracker struct{}

func (noopTracker) Add(int64) {}

func (noopTracker) Finish() {}
