package target

import (
	"strings"
	"unicode"
)

// quotePGIdent safely quotes a PostgreSQL identifier, escaping embedded quotes.
func quotePGIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// SanitizePGIdentifier converts a collection name to a PostgreSQL-friendly table name.
// Rules:
// 1. Convert to lowercase
// 2. Replace non-alphanumeric characters with underscores
// 3. If it starts with a digit, prefix with "t_"
func SanitizePGIdentifier(ident string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(ident) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	s := sb.String()

	if s == "" || unicode.IsDigit(rune(s[0])) {
		s = "t_" + s
	}
	return s
}

func qualifyPGTable(schema, table string) string {
	return quotePGIdent(schema) + "." + quotePGIdent(table)
}
