// Package storage is darklook's persistence layer.
//
// It owns four logical tables:
//   - bot_users: actors who talked to the bot
//   - tracked_identities: one row per (owner, target), profile fields as last seen
//   - change_history: append-only field deltas
//   - action_log: append-only operator/user actions
//
// plus notify_dedup, which lets the notifier suppress duplicates across
// restarts. The only driver is SQLite (modernc, cgo-free). Schema changes are
// embedded goose migrations; queries are built with squirrel.
package storage
