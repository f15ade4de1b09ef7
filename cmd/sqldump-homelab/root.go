package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fgeck/sqldump-homelab/internal/config"
	"github.com/fgeck/sqldump-homelab/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool

	// console is where logs go before any log file is attached.
	console io.Writer = os.Stderr
)

var rootCmd = &cobra.Command{
	Use:   "sqldump-homelab",
	Short: "A MySQL logical dump tool for homelab environments",
	Long: `sqldump-homelab exports a database into a replayable SQL script and handles:
  - Wake-on-LAN to wake the database host
  - SSH tunnels to reach databases behind a jump host
  - Batched, resumable-safe table dumps with progress output
  - Gzip compression and upload to S3-compatible storage
  - Telegram notifications

Configuration comes from a YAML file (--config) and SQLDUMP_* environment
variables, e.g. SQLDUMP_DATABASE_PASSWORD.

Use as a one-shot command with an external scheduler (cron, systemd timer, etc.)`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (optional, SQLDUMP_* environment variables apply either way)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(tablesCmd)
}

func setupLogging() {
	if jsonOutput {
		console = os.Stderr
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		console = output
	}
	log.Logger = zerolog.New(console).With().Timestamp().Logger()

	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// attachLogFile tees the global logger into an append-only JSON log file and
// returns a logger writing to that file only.
func attachLogFile(path string) (zerolog.Logger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) //nolint:gosec // path comes from config
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("opening log file %s: %w", path, err)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, f)).With().Timestamp().Logger()
	return zerolog.New(f).With().Timestamp().Logger(), f, nil
}

func loadConfig() (*models.BackupConfig, error) {
	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
