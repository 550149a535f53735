package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0-dev"
	cfgPath string
)

func main() {
	if err := execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:           "darklook",
		Short:         "Telegram bot that reports profile changes of tracked users",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runBot,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")

	root.AddCommand(
		newRunCmd(),
		newMigrateCmd(),
		newCheckConfigCmd(),
	)
	return root.ExecuteContext(ctx)
}
