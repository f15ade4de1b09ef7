package sqlgen

import (
	"strings"

	"github.com/fgeck/sqldump-homelab/internal/models"
)

// Fixed statements of the database level preamble and postamble.
const (
	DisableForeignKeyChecks = "SET foreign_key_checks = 0;\n\n"
	EnableForeignKeyChecks  = "SET foreign_key_checks = 1;\n"
	TableTrailer            = "\n\n"
)

// Preamble returns the CREATE DATABASE / USE header, optionally followed by
// the statement disabling foreign key checks.
func Preamble(database string, disableForeignKeyChecks bool) string {
	var b strings.Builder
	b.WriteString("CREATE DATABASE IF NOT EXISTS " + QuoteIdentifier(database) + ";\n\n")
	b.WriteString("USE " + QuoteIdentifier(database) + ";\n\n")
	if disableForeignKeyChecks {
		b.WriteString(DisableForeignKeyChecks)
	}
	return b.String()
}

// Postamble re-enables foreign key checks if they were disabled.
func Postamble(disableForeignKeyChecks bool) string {
	if disableForeignKeyChecks {
		return EnableForeignKeyChecks
	}
	return ""
}

// TableHeader drops the table and recreates it from its verbatim CREATE statement.
func TableHeader(schema models.TableSchema) string {
	return "DROP TABLE IF EXISTS " + QuoteIdentifier(schema.Name) + ";" +
		"\n\n" + schema.CreateStatement + ";\n\n"
}

// BatchCount returns the number of windows fetched for a table of total rows.
// It is total/size+1, so an exact multiple of size (or an empty table) still
// issues one trailing fetch that returns nothing.
func BatchCount(total, size int64) int64 {
	if size <= 0 {
		return 0
	}
	return total/size + 1
}

// BatchOffset returns the offset of the 1-based window index.
func BatchOffset(index, size int64) int64 {
	return (index - 1) * size
}

// RenderInsert renders window as one multi-row INSERT statement into b.
// Nothing is written for an empty window.
func RenderInsert(b *strings.Builder, table string, window models.RowWindow) {
	if len(window.Rows) == 0 {
		return
	}

	b.WriteString("INSERT INTO " + QuoteIdentifier(table) + " VALUES ")
	last := len(window.Rows) - 1
	for i, row := range window.Rows {
		b.WriteByte('(')
		for j, v := range row {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteString(EncodeValue(v))
		}
		if i == last {
			b.WriteString(");\n")
		} else {
			b.WriteString("),\n")
		}
	}
}
