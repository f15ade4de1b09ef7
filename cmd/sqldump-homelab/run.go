package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/sqldump-homelab/internal/services/progress"
	"github.com/fgeck/sqldump-homelab/internal/services/runner"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var showProgress bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the dump workflow",
	Long: `Execute the complete dump workflow:
1. Validate the configuration
2. Wake-on-LAN (if configured)
3. Connect to the database (through the SSH tunnel if configured)
4. Resolve the tables to dump
5. Write the SQL script table by table
6. Gzip the script (if enabled) and upload it (if storage is configured)
7. Send Telegram notification (if configured)`,
	RunE: runDump,
}

func init() {
	runCmd.Flags().BoolVar(&showProgress, "progress", false, "draw a progress bar per table")
}

func runDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	progressLog := zerolog.Nop()
	if cfg.Log.File != "" {
		fileLog, closer, err := attachLogFile(cfg.Log.File)
		if err != nil {
			log.Error().Err(err).Msg("failed to open log file")
			return err
		}
		defer func() { _ = closer.Close() }()
		progressLog = fileLog
	}

	log.Info().
		Str("config", configFile).
		Str("database", cfg.Dump.Database.Name).
		Str("host", cfg.Host).
		Msg("configuration loaded")

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	var out io.Writer = os.Stdout
	if quiet {
		out = io.Discard
	}
	opts := []progress.Option{}
	if showProgress && !quiet {
		opts = append(opts, progress.WithBars(os.Stderr))
	}
	reporter := progress.New(out, progressLog, opts...)

	result := runner.New(log.Logger, reporter).Run(ctx, *cfg)
	if !result.Success() {
		log.Error().
			Err(result.Error).
			Str("step", result.FailedStep).
			Str("run_id", result.RunID).
			Msg("dump failed")
		return result.Error
	}

	log.Info().
		Str("run_id", result.RunID).
		Int64("rows", result.TotalRows()).
		Str("location", result.Upload.Location).
		Msg("dump completed successfully")
	return nil
}
