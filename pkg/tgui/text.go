package tgui

import "unicode/utf8"

// MaxMessageRunes is a conservative per-message budget below Telegram's 4096 limit,
// leaving room for markup added around user text.
const MaxMessageRunes = 3500

// TruncRunes returns s truncated to at most n runes, appending "…" when cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	cut := 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}
