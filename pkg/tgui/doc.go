// Package tgui provides small Telegram UI helpers:
//   - HTML escaping for ParseMode="HTML" (type H is already-escaped HTML)
//   - Inline keyboard builders and "scope:action:payload" callback data
//   - Rune-safe truncation for user-provided profile text
package tgui
