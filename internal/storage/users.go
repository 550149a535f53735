package storage

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"
)

func (s *sqliteStore) TouchBotUser(ctx context.Context, u BotUser) (bool, error) {
	now := s.stamp()
	if !u.LastActiveAt.IsZero() {
		now = formatTime(u.LastActiveAt)
	}

	created := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row, err := queryRow(ctx, tx, sq.Select("1").From("bot_users").Where(sq.Eq{"id": u.ID}))
		if err != nil {
			return err
		}
		var one int
		switch err := row.Scan(&one); {
		case errors.Is(err, sql.ErrNoRows):
			created = true
		case err != nil:
			return err
		}

		_, err = exec(ctx, tx, sq.Insert("bot_users").
			Columns("id", "username", "display_name", "first_seen_at", "last_active_at").
			Values(u.ID, u.Username, u.DisplayName, now, now).
			Suffix("ON CONFLICT(id) DO UPDATE SET " +
				"username = excluded.username, " +
				"display_name = excluded.display_name, " +
				"last_active_at = excluded.last_active_at"))
		return err
	})
	if err != nil {
		return false, fault("touch bot user", err)
	}
	return created, nil
}

// ListBotUsers returns users newest first. limit <= 0 returns all.
func (s *sqliteStore) ListBotUsers(ctx context.Context, limit int) ([]BotUser, error) {
	b := sq.Select("id", "username", "display_name", "first_seen_at", "last_active_at").
		From("bot_users").
		OrderBy("first_seen_at DESC", "id DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	rows, err := query(ctx, s.db, b)
	if err != nil {
		return nil, fault("list bot users", err)
	}
	defer rows.Close()

	var out []BotUser
	for rows.Next() {
		var (
			u             BotUser
			first, active string
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &first, &active); err != nil {
			return nil, fault("list bot users", err)
		}
		u.FirstSeenAt = parseTime(first)
		u.LastActiveAt = parseTime(active)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("list bot users", err)
	}
	return out, nil
}

func (s *sqliteStore) AppendAction(ctx context.Context, e ActionLogEntry) error {
	at := s.stamp()
	if !e.OccurredAt.IsZero() {
		at = formatTime(e.OccurredAt)
	}
	_, err := exec(ctx, s.db, sq.Insert("action_log").
		Columns("actor", "action_kind", "details", "occurred_at").
		Values(e.Actor, e.Kind, e.Details, at))
	return fault("append action", err)
}

// RecentActions returns the newest entries first. limit <= 0 means 20.
func (s *sqliteStore) RecentActions(ctx context.Context, limit int) ([]ActionLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := query(ctx, s.db, sq.Select("id", "actor", "action_kind", "details", "occurred_at").
		From("action_log").
		OrderBy("occurred_at DESC", "id DESC").
		Limit(uint64(limit)))
	if err != nil {
		return nil, fault("recent actions", err)
	}
	defer rows.Close()

	var out []ActionLogEntry
	for rows.Next() {
		var (
			e  ActionLogEntry
			at string
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Kind, &e.Details, &at); err != nil {
			return nil, fault("recent actions", err)
		}
		e.OccurredAt = parseTime(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("recent actions", err)
	}
	return out, nil
}
