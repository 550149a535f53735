package storage

import (
	"context"
	"database/sql"
	"os"
	"time"

	sq "github.com/Masterminds/squirrel"

	"darklook/internal/profile"
)

// ListChanges returns change records newest first. Limit <= 0 means 50.
func (s *sqliteStore) ListChanges(ctx context.Context, f ChangeFilter) ([]ChangeRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	b := sq.Select("id", "owner", "target", "field_name", "old_value", "new_value", "occurred_at").
		From("change_history").
		OrderBy("occurred_at DESC", "id DESC").
		Limit(uint64(limit))
	if f.Owner != 0 {
		b = b.Where(sq.Eq{"owner": f.Owner})
	}
	if f.Target != 0 {
		b = b.Where(sq.Eq{"target": f.Target})
	}

	rows, err := query(ctx, s.db, b)
	if err != nil {
		return nil, fault("list changes", err)
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		var (
			c     ChangeRecord
			field string
			at    string
		)
		if err := rows.Scan(&c.ID, &c.Owner, &c.Target, &field, &c.OldValue, &c.NewValue, &at); err != nil {
			return nil, fault("list changes", err)
		}
		c.Field = profile.Field(field)
		c.OccurredAt = parseTime(at)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("list changes", err)
	}
	return out, nil
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	var (
		st                   Stats
		lastChange, lastAct sql.NullString
	)
	row, err := queryRow(ctx, s.db, sq.Select(
		"(SELECT COUNT(*) FROM bot_users)",
		"(SELECT COUNT(*) FROM tracked_identities)",
		"(SELECT COUNT(DISTINCT owner) FROM tracked_identities)",
		"(SELECT COUNT(*) FROM change_history)",
		"(SELECT COUNT(*) FROM action_log)",
		"(SELECT MAX(occurred_at) FROM change_history)",
		"(SELECT MAX(occurred_at) FROM action_log)",
	))
	if err != nil {
		return Stats{}, fault("stats", err)
	}
	if err := row.Scan(&st.BotUsers, &st.Tracked, &st.Owners, &st.Changes, &st.Actions, &lastChange, &lastAct); err != nil {
		return Stats{}, fault("stats", err)
	}
	st.LastChangeAt = parseTime(lastChange.String)
	st.LastActionAt = parseTime(lastAct.String)
	if s.path != ":memory:" {
		for _, p := range []string{s.path, s.path + "-wal"} {
			if fi, err := os.Stat(p); err == nil {
				st.DatabaseBytes += fi.Size()
			}
		}
	}
	return st, nil
}

// PruneBefore deletes change history and action log rows older than cutoff,
// and expired dedup keys. Tracked identities and bot users are never pruned.
func (s *sqliteStore) PruneBefore(ctx context.Context, cutoff time.Time) (PruneResult, error) {
	var res PruneResult
	ts := formatTime(cutoff)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		r, err := exec(ctx, tx, sq.Delete("change_history").Where(sq.Lt{"occurred_at": ts}))
		if err != nil {
			return err
		}
		res.Changes, _ = r.RowsAffected()

		r, err = exec(ctx, tx, sq.Delete("action_log").Where(sq.Lt{"occurred_at": ts}))
		if err != nil {
			return err
		}
		res.Actions, _ = r.RowsAffected()

		r, err = exec(ctx, tx, sq.Delete("notify_dedup").Where(sq.Lt{"until": s.now().UnixMilli()}))
		if err != nil {
			return err
		}
		res.Dedup, _ = r.RowsAffected()
		return nil
	})
	if err != nil {
		return PruneResult{}, fault("prune", err)
	}
	return res, nil
}
