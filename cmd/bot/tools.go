package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"darklook/internal/app"
	logx "darklook/pkg/logx"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logx.NewConsole("info")
			if err := app.Migrate(cmd.Context(), cfgPath, log); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info("migrations applied")
			return nil
		},
	}
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.CheckConfig(cfgPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d admin(s), poll every %s, storage %q\n",
				len(cfg.Telegram.AdminIDs), cfg.PollInterval(), cfg.Storage.Driver)
			return nil
		},
	}
}
