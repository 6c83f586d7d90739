// Package tgui provides small Telegram UI helpers:
//   - HTML escaping and inline formatting for ParseMode="HTML"
//   - A message builder with sensible defaults (HTML, no link previews)
//   - Rune-aware truncation
package tgui
