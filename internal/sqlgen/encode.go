// Package sqlgen renders the statements of a replayable dump script.
package sqlgen

import (
	"database/sql"
	"regexp"
	"strings"
)

// integerLiteral deliberately rejects "0" and leading zeros, those values end up quoted.
var integerLiteral = regexp.MustCompile(`^-?[1-9][0-9]*$`)

// literalEscaper applies addslashes semantics followed by control character escapes.
var literalEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
	"\x00", `\0`,
	"\n", `\n`,
	"\r", `\r`,
	"\f", `\f`,
	"\t", `\t`,
	"\v", `\v`,
	"\a", `\a`,
	"\b", `\b`,
)

// EncodeValue escapes a single field value into a literal that can be replayed.
func EncodeValue(v sql.NullString) string {
	if !v.Valid {
		return "NULL"
	}
	if isBareToken(v.String) {
		return v.String
	}
	return `"` + literalEscaper.Replace(v.String) + `"`
}

func isBareToken(s string) bool {
	switch s {
	case "true", "false", "NULL", "null":
		return true
	}
	return integerLiteral.MatchString(s)
}

// QuoteIdentifier wraps name in backticks, doubling any embedded backtick.
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
