package models

import (
	"database/sql"
	"strings"
	"time"
)

// Supported database drivers.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// DatabaseConfig holds connection parameters for the source database.
type DatabaseConfig struct {
	Driver         string // "mysql" (default) or "sqlite"
	Host           string
	Port           int
	Username       string
	Password       string
	Name           string
	Path           string // sqlite database file
	ConnectTimeout time.Duration
}

// TableSelection is either the "all tables" sentinel or an explicit ordered list.
type TableSelection struct {
	All   bool
	Names []string
}

// ParseTableSelection turns "*", "all" or an empty string into the sentinel
// and anything else into a comma separated list with whitespace removed.
func ParseTableSelection(raw string) TableSelection {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" || strings.EqualFold(raw, "all") {
		return TableSelection{All: true}
	}
	return TableList(strings.Split(raw, ","))
}

// TableList builds an explicit selection, dropping blanks.
func TableList(names []string) TableSelection {
	sel := TableSelection{}
	for _, n := range names {
		n = strings.Join(strings.Fields(n), "")
		if n != "" {
			sel.Names = append(sel.Names, n)
		}
	}
	if len(sel.Names) == 0 {
		sel.All = true
	}
	return sel
}

// DumpRequest describes one dump run. It is not modified once the run starts.
type DumpRequest struct {
	Database                DatabaseConfig
	OutputDir               string
	Tables                  TableSelection
	Exclude                 []string
	Charset                 string
	Compress                bool
	CompressionLevel        int
	DisableForeignKeyChecks bool
	BatchSize               int64
}

// Excluded reports whether table is on the exclusion list.
func (r DumpRequest) Excluded(table string) bool {
	for _, e := range r.Exclude {
		if e == table {
			return true
		}
	}
	return false
}

// TableSchema is the creation statement of one table as reported by the database.
type TableSchema struct {
	Name            string
	CreateStatement string
}

// RowWindow is one page of a table fetched at Offset.
type RowWindow struct {
	Offset  int64
	Columns []string
	Rows    [][]sql.NullString
}

// ColumnCount returns the number of columns in the window.
func (w RowWindow) ColumnCount() int {
	return len(w.Columns)
}

// TableResult holds the result of dumping a single table.
type TableResult struct {
	Name     string
	Rows     int64 // as counted before fetching
	Written  int64 // rows actually rendered
	Windows  int64 // fetches issued
	Inserts  int64 // INSERT statements rendered
	Skipped  bool
	Duration time.Duration
}

// CompressResult holds the result of compressing an artifact.
type CompressResult struct {
	SourcePath  string
	OutputPath  string
	SourceBytes int64
	OutputBytes int64
	Duration    time.Duration
	Error       error
}

// UploadResult is the terminal report of the artifact pipeline.
type UploadResult struct {
	LocalPath     string
	Bucket        string
	Key           string
	Location      string
	Compressed    bool
	Uploaded      bool
	LocalRetained bool
	SizeBytes     int64
	Duration      time.Duration
	Error         error
}

// RunResult holds the outcome of a complete dump run.
type RunResult struct {
	RunID        string
	Database     string
	ArtifactPath string
	BytesWritten int64
	Tables       []TableResult
	Upload       *UploadResult
	FailedStep   string
	StartTime    time.Time
	Duration     time.Duration
	Error        error
}

// Success reports whether the run finished without error.
func (r *RunResult) Success() bool {
	return r != nil && r.Error == nil
}

// TotalRows sums the rows written over all dumped tables.
func (r *RunResult) TotalRows() int64 {
	var total int64
	for _, t := range r.Tables {
		total += t.Written
	}
	return total
}
