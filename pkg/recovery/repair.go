package recovery

import (
	"regexp"
	"strings"
)

// Repair regexes, compiled once. These are heuristics: they only run after a
// strict parse has already failed, so the worst they can do is hand a still-
// broken candidate to the next tier.
//
//nolint:gochecknoglobals
var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	bareKeyRe       = regexp.MustCompile(`([{\[,]\s*)([A-Za-z_][A-Za-z0-9_-]*)\s*:`)
	singleQuoteRe   = regexp.MustCompile(`'((?:[^'\\]|\\.)*)'`)
)

// RepairSyntax applies the common malformations seen in model output, in
// order: single-quoted strings become double-quoted, bare object keys get
// quoted, trailing commas before a closing brace/bracket are dropped, and raw
// newlines inside string values are escaped.
func RepairSyntax(candidate string) string {
	repaired := candidate

	// Single-quote conversion is only safe when the document carries no
	// double-quoted strings at all, otherwise apostrophes inside values
	// ("it's") would pair up with quotes from unrelated strings.
	if !strings.Contains(repaired, `"`) {
		repaired = singleQuoteRe.ReplaceAllStringFunc(repaired, func(m string) string {
			inner := m[1 : len(m)-1]
			inner = strings.ReplaceAll(inner, `\'`, `'`)
			inner = strings.ReplaceAll(inner, `"`, `\"`)
			return `"` + inner + `"`
		})
	}

	repaired = bareKeyRe.ReplaceAllString(repaired, `$1"$2":`)
	repaired = trailingCommaRe.ReplaceAllString(repaired, `$1`)
	repaired = escapeRawNewlines(repaired)

	return repaired
}

// escapeRawNewlines escapes literal control characters that appear inside
// double-quoted string values. Models happily emit multi-line answers without
// escaping them, which strict JSON rejects.
func escapeRawNewlines(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false
	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
				b.WriteRune(r)
				continue
			case r == '\\':
				escaped = true
				b.WriteRune(r)
				continue
			case r == '"':
				inString = false
				b.WriteRune(r)
				continue
			case r == '\n':
				b.WriteString(`\n`)
				continue
			case r == '\r':
				b.WriteString(`\r`)
				continue
			case r == '\t':
				b.WriteString(`\t`)
				continue
			}
			b.WriteRune(r)
			continue
		}

		if r == '"' {
			inString = true
		}
		b.WriteRune(r)
	}

	return b.String()
}
