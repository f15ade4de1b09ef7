// Package database provides read access to the live catalog and rows of the
// database being dumped.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"

	"github.com/fgeck/sqldump-homelab/internal/models"
	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

// tunnelNetwork is the mysql driver network name routed through DialContextFunc.
const tunnelNetwork = "mysql+ssh"

var charsetName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// DialContextFunc opens a network connection to addr, e.g. through an SSH tunnel.
type DialContextFunc func(ctx context.Context, addr string) (net.Conn, error)

// Source is a single open connection to the database being dumped.
type Source interface {
	ListTables(ctx context.Context) ([]string, error)
	TableSchema(ctx context.Context, table string) (models.TableSchema, error)
	CountRows(ctx context.Context, table string) (int64, error)
	FetchRows(ctx context.Context, table string, offset, limit int64) (models.RowWindow, error)
	Close() error
}

// Service defines the interface for opening database sources.
type Service interface {
	Open(ctx context.Context, cfg models.DatabaseConfig, charset string, dial DialContextFunc) (Source, error)
}

// Impl implements the database Service interface.
type Impl struct {
	logger zerolog.Logger
}

// New creates a new database service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger}
}

// Open connects to the database described by cfg and pins a single
// connection for the lifetime of the returned Source. dial may be nil.
func (s *Impl) Open(ctx context.Context, cfg models.DatabaseConfig, charset string, dial DialContextFunc) (Source, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)

	switch cfg.Driver {
	case models.DriverMySQL, "":
		db, err = openMySQL(cfg, dial)
		d = mysqlDialect{}
	case models.DriverSQLite:
		db, err = openSQLite(cfg)
		d = sqliteDialect{}
	default:
		return nil, fmt.Errorf("%w: unsupported database driver %q", models.ErrConfiguration, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrConnection, err)
	}

	s.logger.Debug().
		Str("driver", d.name()).
		Str("database", cfg.Name).
		Msg("opening database connection")

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ERROR connecting database: %w", models.ErrConnection, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, fmt.Errorf("%w: ERROR connecting database: %w", models.ErrConnection, err)
	}

	if charset != "" && d.supportsCharset() {
		if !charsetName.MatchString(charset) {
			_ = conn.Close()
			_ = db.Close()
			return nil, fmt.Errorf("%w: invalid charset %q", models.ErrConfiguration, charset)
		}
		if _, err := conn.ExecContext(ctx, "SET NAMES "+charset); err != nil {
			_ = conn.Close()
			_ = db.Close()
			return nil, fmt.Errorf("%w: set charset %s: %w", models.ErrConnection, charset, err)
		}
	}

	return &source{db: db, conn: conn, dialect: d}, nil
}

func openMySQL(cfg models.DatabaseConfig, dial DialContextFunc) (*sql.DB, error) {
	mcfg := mysql.NewConfig()
	mcfg.User = cfg.Username
	mcfg.Passwd = cfg.Password
	mcfg.Net = "tcp"
	mcfg.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mcfg.DBName = cfg.Name
	mcfg.Timeout = cfg.ConnectTimeout

	if dial != nil {
		mysql.RegisterDialContext(tunnelNetwork, mysql.DialContextFunc(dial))
		mcfg.Net = tunnelNetwork
	}

	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql configuration: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	return db, nil
}

func openSQLite(cfg models.DatabaseConfig) (*sql.DB, error) {
	// sqlite silently creates missing files, so check first.
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("sqlite database %s: %w", cfg.Path, err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

type source struct {
	db      *sql.DB
	conn    *sql.Conn
	dialect dialect
}

func (s *source) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, s.dialect.listTablesQuery())
	if err != nil {
		return nil, fmt.Errorf("%w: list tables: %w", models.ErrQuery, err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		values, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: list tables: %w", models.ErrQuery, err)
		}
		if len(values) > 0 && values[0].Valid {
			tables = append(tables, values[0].String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list tables: %w", models.ErrQuery, err)
	}

	return tables, nil
}

func (s *source) TableSchema(ctx context.Context, table string) (models.TableSchema, error) {
	stmt, err := s.dialect.createStatement(ctx, s.conn, table)
	if err != nil {
		return models.TableSchema{}, fmt.Errorf("%w: create statement of %s: %w", models.ErrQuery, table, err)
	}
	return models.TableSchema{Name: table, CreateStatement: stmt}, nil
}

func (s *source) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quote(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count rows of %s: %w", models.ErrQuery, table, err)
	}
	return n, nil
}

func (s *source) FetchRows(ctx context.Context, table string, offset, limit int64) (models.RowWindow, error) {
	window := models.RowWindow{Offset: offset}

	rows, err := s.conn.QueryContext(ctx, s.dialect.fetchQuery(table, offset, limit))
	if err != nil {
		return window, fmt.Errorf("%w: fetch rows of %s at %d: %w", models.ErrQuery, table, offset, err)
	}
	defer func() { _ = rows.Close() }()

	window.Columns, err = rows.Columns()
	if err != nil {
		return window, fmt.Errorf("%w: columns of %s: %w", models.ErrQuery, table, err)
	}

	for rows.Next() {
		values, err := scanRow(rows)
		if err != nil {
			return window, fmt.Errorf("%w: scan row of %s: %w", models.ErrQuery, table, err)
		}
		window.Rows = append(window.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return window, fmt.Errorf("%w: fetch rows of %s at %d: %w", models.ErrQuery, table, offset, err)
	}

	return window, nil
}

func (s *source) Close() error {
	connErr := s.conn.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return connErr
}

func scanRow(rows *sql.Rows) ([]sql.NullString, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	return values, nil
}
