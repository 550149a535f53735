package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
)

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := exec(ctx, s.db, sq.Insert("notify_dedup").
		Columns("key", "until").
		Values(key, until.UnixMilli()).
		Suffix("ON CONFLICT(key) DO UPDATE SET until = excluded.until"))
	return fault("put dedup", err)
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	row, err := queryRow(ctx, s.db, sq.Select("until").From("notify_dedup").Where(sq.Eq{"key": key}))
	if err != nil {
		return time.Time{}, false, fault("get dedup", err)
	}
	var ms int64
	if err := row.Scan(&ms); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fault("get dedup", err)
	}
	return time.UnixMilli(ms), true, nil
}
