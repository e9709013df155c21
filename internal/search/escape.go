package search

import "strings"

// reserved characters of the native query syntax. An unescaped literal is a
// query-injection vector: `field:value` typed as data must match the
// literal string, never turn into a field filter.
const reserved = `\+-!():^[]"{}~*?|&;/`

// EscapeQueryChars backslash-escapes every reserved character and all
// whitespace in a literal value.
func EscapeQueryChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(reserved, r) || r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EscapeLike escapes a SQL LIKE pattern for the native syntax: `%` becomes
// the multi-character wildcard, `_` the single-character one, and
// everything else is escaped literally. Backslash-escaped `\%` and `\_`
// in the pattern stay literal.
func EscapeLike(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern))
	escaped := false
	for _, r := range pattern {
		if escaped {
			b.WriteString(EscapeQueryChars(string(r)))
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '%':
			b.WriteByte('*')
		case '_':
			b.WriteByte('?')
		default:
			b.WriteString(EscapeQueryChars(string(r)))
		}
	}
	if escaped {
		b.WriteString(EscapeQueryChars(`\`))
	}
	return b.String()
}
