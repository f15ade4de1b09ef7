package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fgeck/sqldump-homelab/internal/sqlgen"
)

// dialect holds the catalog queries that differ between drivers.
type dialect interface {
	name() string
	supportsCharset() bool
	listTablesQuery() string
	createStatement(ctx context.Context, conn *sql.Conn, table string) (string, error)
	fetchQuery(table string, offset, limit int64) string
}

func quote(table string) string {
	return sqlgen.QuoteIdentifier(table)
}

type mysqlDialect struct{}

func (mysqlDialect) name() string { return "mysql" }

func (mysqlDialect) supportsCharset() bool { return true }

func (mysqlDialect) listTablesQuery() string { return "SHOW TABLES" }

func (mysqlDialect) createStatement(ctx context.Context, conn *sql.Conn, table string) (string, error) {
	rows, err := conn.QueryContext(ctx, "SHOW CREATE TABLE "+quote(table))
	if err != nil {
		return "", err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("table %s not found", table)
	}

	// Views report four columns instead of two, the statement is always second.
	values, err := scanRow(rows)
	if err != nil {
		return "", err
	}
	if len(values) < 2 || !values[1].Valid {
		return "", fmt.Errorf("unexpected SHOW CREATE TABLE result for %s", table)
	}
	return values[1].String, rows.Err()
}

func (mysqlDialect) fetchQuery(table string, offset, limit int64) string {
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d,%d", quote(table), offset, limit)
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) supportsCharset() bool { return false }

func (sqliteDialect) listTablesQuery() string {
	return "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY rowid"
}

func (sqliteDialect) createStatement(ctx context.Context, conn *sql.Conn, table string) (string, error) {
	var stmt sql.NullString
	err := conn.QueryRowContext(ctx,
		"SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&stmt)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("table %s not found", table)
	}
	if err != nil {
		return "", err
	}
	return stmt.String, nil
}

func (sqliteDialect) fetchQuery(table string, offset, limit int64) string {
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d OFFSET %d", quote(table), limit, offset)
}
