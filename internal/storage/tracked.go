package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"darklook/internal/profile"
)

const tableTracked = "tracked_identities"

var trackedColumns = []string{"owner", "target", "username", "first_name", "last_name", "added_at", "last_checked_at"}

func scanTracked(row interface{ Scan(...any) error }) (TrackedIdentity, error) {
	var (
		t              TrackedIdentity
		added, checked string
	)
	if err := row.Scan(&t.Owner, &t.Target, &t.Username, &t.FirstName, &t.LastName, &added, &checked); err != nil {
		return TrackedIdentity{}, err
	}
	t.AddedAt = parseTime(added)
	t.LastCheckedAt = parseTime(checked)
	return t, nil
}

func (s *sqliteStore) ListTracked(ctx context.Context, owner int64) ([]TrackedIdentity, error) {
	b := sq.Select(trackedColumns...).From(tableTracked).OrderBy("owner", "added_at", "target")
	if owner != AllOwners {
		b = b.Where(sq.Eq{"owner": owner})
	}
	rows, err := query(ctx, s.db, b)
	if err != nil {
		return nil, fault("list tracked", err)
	}
	defer rows.Close()

	var out []TrackedIdentity
	for rows.Next() {
		t, err := scanTracked(rows)
		if err != nil {
			return nil, fault("list tracked", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("list tracked", err)
	}
	return out, nil
}

func (s *sqliteStore) GetTracked(ctx context.Context, owner, target int64) (TrackedIdentity, error) {
	row, err := queryRow(ctx, s.db, sq.Select(trackedColumns...).From(tableTracked).
		Where(sq.Eq{"owner": owner, "target": target}))
	if err != nil {
		return TrackedIdentity{}, fault("get tracked", err)
	}
	t, err := scanTracked(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TrackedIdentity{}, ErrNotFound
	}
	if err != nil {
		return TrackedIdentity{}, fault("get tracked", err)
	}
	return t, nil
}

func (s *sqliteStore) CountTracked(ctx context.Context, owner int64) (int, error) {
	b := sq.Select("COUNT(*)").From(tableTracked)
	if owner != AllOwners {
		b = b.Where(sq.Eq{"owner": owner})
	}
	row, err := queryRow(ctx, s.db, b)
	if err != nil {
		return 0, fault("count tracked", err)
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fault("count tracked", err)
	}
	return n, nil
}

func (s *sqliteStore) UpsertTracked(ctx context.Context, owner, target int64, p profile.Profile) (bool, error) {
	now := s.stamp()
	b := sq.Insert(tableTracked).
		Columns(trackedColumns...).
		Values(owner, target, p.Username, p.FirstName, p.LastName, now, now).
		Suffix(conflictClause(s.merge))

	res, err := exec(ctx, s.db, b)
	if err != nil {
		return false, fault("upsert tracked", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fault("upsert tracked", err)
	}
	return n > 0, nil
}

func conflictClause(p MergePolicy) string {
	switch p {
	case MergeKeepExisting:
		return "ON CONFLICT(owner, target) DO UPDATE SET last_checked_at = excluded.last_checked_at"
	default:
		return "ON CONFLICT(owner, target) DO UPDATE SET " +
			"username = excluded.username, " +
			"first_name = excluded.first_name, " +
			"last_name = excluded.last_name, " +
			"last_checked_at = excluded.last_checked_at"
	}
}

func (s *sqliteStore) RemoveTracked(ctx context.Context, owner, target int64) (bool, error) {
	res, err := exec(ctx, s.db, sq.Delete(tableTracked).Where(sq.Eq{"owner": owner, "target": target}))
	if err != nil {
		return false, fault("remove tracked", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fault("remove tracked", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) ApplyFieldChange(ctx context.Context, owner, target int64, d profile.FieldDelta) error {
	if !d.Field.Valid() {
		return fmt.Errorf("storage: apply field change: unknown field %q", d.Field)
	}
	col := string(d.Field)
	now := s.stamp()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// The audit row records what was actually stored, which may differ from
		// d.Old if an upsert landed after the caller's snapshot.
		row, err := queryRow(ctx, tx, sq.Select(col).From(tableTracked).
			Where(sq.Eq{"owner": owner, "target": target}))
		if err != nil {
			return err
		}
		var old string
		if err := row.Scan(&old); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if old == d.New {
			return ErrNoChange
		}

		if _, err := exec(ctx, tx, sq.Update(tableTracked).
			Set(col, d.New).
			Set("last_checked_at", now).
			Where(sq.Eq{"owner": owner, "target": target})); err != nil {
			return err
		}
		if err := s.runHook(StageAfterFieldUpdate); err != nil {
			return err
		}

		if _, err := exec(ctx, tx, sq.Insert("change_history").
			Columns("owner", "target", "field_name", "old_value", "new_value", "occurred_at").
			Values(owner, target, col, old, d.New, now)); err != nil {
			return err
		}
		return s.runHook(StageBeforeCommit)
	})
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrNoChange):
		return ErrNoChange
	}
	return fault("apply field change", err)
}

func (s *sqliteStore) runHook(stage TxStage) error {
	if s.hook == nil {
		return nil
	}
	return s.hook(stage)
}

func (s *sqliteStore) TouchChecked(ctx context.Context, owner, target int64, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	res, err := exec(ctx, s.db, sq.Update(tableTracked).
		Set("last_checked_at", formatTime(at)).
		Where(sq.Eq{"owner": owner, "target": target}))
	if err != nil {
		return fault("touch checked", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault("touch checked", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
