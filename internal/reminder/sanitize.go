package reminder

import (
	"strings"
	"unicode"
)

const zeroWidthJoiner = "\u200d"

// MaxTextRunes bounds the stored payload; the rendered notification must stay
// under the chat platform's message limit.
const MaxTextRunes = 3000

// SanitizeText prepares user text for storage: control characters other than
// newline and tab are dropped, surrounding whitespace is trimmed, and "@" is
// followed by a zero-width joiner so "@name" or "@everyone" cannot ping anyone
// when the reminder is delivered.
func SanitizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range strings.TrimSpace(s) {
		if n >= MaxTextRunes {
			b.WriteString("…")
			break
		}
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case r == '@':
			b.WriteRune(r)
			b.WriteString(zeroWidthJoiner)
		case unicode.IsControl(r) || r == unicode.ReplacementChar:
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}
