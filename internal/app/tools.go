package app

import (
	"context"
	"errors"

	"darklook/internal/config"
	"darklook/internal/storage"
	logx "darklook/pkg/logx"
)

// CheckConfig parses and validates the config file without side effects.
func CheckConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Migrate applies pending schema migrations to the configured store.
func Migrate(ctx context.Context, path string, log logx.Logger) error {
	cfg, err := CheckConfig(path)
	if err != nil {
		return err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(ctx, sc, log, storage.WithoutMigrations())
	if err != nil {
		return err
	}
	defer st.Close()
	m, ok := st.(storage.Migrator)
	if !ok {
		return errors.New("storage driver does not support migrations")
	}
	return m.Migrate(ctx)
}
