package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/sqldump-homelab/internal/services/progress"
	"github.com/fgeck/sqldump-homelab/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List the tables a run would dump",
	Long:  `Connect to the database and print the resolved table list, marking excluded tables.`,
	RunE:  listTables,
}

func listTables(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tables, err := runner.New(log.Logger, progress.Discard()).ListTables(ctx, *cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to list tables")
		return err
	}

	for _, t := range tables {
		if cfg.Dump.Excluded(t) {
			fmt.Printf("%s (excluded)\n", t)
			continue
		}
		fmt.Println(t)
	}
	return nil
}
