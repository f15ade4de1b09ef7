package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the configuration file and environment without connecting to the database.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			log.Error().Str("file", configFile).Msg("config file not found")
			return fmt.Errorf("config file not found: %s", configFile)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db := cfg.Dump.Database

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Host: %s\n", cfg.Host)
	fmt.Printf("  Driver: %s\n", db.Driver)
	if db.Path != "" {
		fmt.Printf("  Path: %s\n", db.Path)
	} else {
		fmt.Printf("  Server: %s:%d\n", db.Host, db.Port)
		fmt.Printf("  Username: %s\n", db.Username)
	}
	fmt.Printf("  Database: %s\n", db.Name)
	fmt.Println()
	fmt.Println("Dump Settings:")
	if cfg.Dump.Tables.All {
		fmt.Println("  Tables: all")
	} else {
		fmt.Printf("  Tables: %s\n", strings.Join(cfg.Dump.Tables.Names, ", "))
	}
	fmt.Printf("  Exclude: %v\n", cfg.Dump.Exclude)
	fmt.Printf("  Output dir: %s\n", cfg.Dump.OutputDir)
	fmt.Printf("  Charset: %s\n", cfg.Dump.Charset)
	fmt.Printf("  Batch size: %d\n", cfg.Dump.BatchSize)
	fmt.Printf("  Disable foreign key checks: %v\n", cfg.Dump.DisableForeignKeyChecks)
	fmt.Printf("  Compress: %v", cfg.Dump.Compress)
	if cfg.Dump.Compress {
		fmt.Printf(" (level %d)", cfg.Dump.CompressionLevel)
	}
	fmt.Println()
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Storage: %v\n", cfg.Storage != nil)
	fmt.Printf("  Wake-on-LAN: %v\n", cfg.WOL != nil)
	fmt.Printf("  SSH Tunnel: %v\n", cfg.SSHTunnel != nil)
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)
	fmt.Printf("  Log file: %v\n", cfg.Log.File != "")

	if cfg.Storage != nil {
		fmt.Println()
		fmt.Println("Storage Configuration:")
		fmt.Printf("  Bucket: %s\n", cfg.Storage.Bucket)
		fmt.Printf("  Prefix: %s\n", cfg.Storage.Prefix)
		if cfg.Storage.Region != "" {
			fmt.Printf("  Region: %s\n", cfg.Storage.Region)
		}
		if cfg.Storage.Endpoint != "" {
			fmt.Printf("  Endpoint: %s (path style: %v)\n", cfg.Storage.Endpoint, cfg.Storage.UsePathStyle)
		}
		if cfg.Storage.AccessKey != "" {
			fmt.Printf("  Credentials: (configured)\n")
		} else {
			fmt.Printf("  Credentials: AWS default chain\n")
		}
	}

	if cfg.WOL != nil {
		fmt.Println()
		fmt.Println("WOL Configuration:")
		fmt.Printf("  MAC Address: %s\n", cfg.WOL.MACAddress)
		fmt.Printf("  Broadcast IP: %s\n", cfg.WOL.BroadcastIP)
		if cfg.WOL.PollAddress != "" {
			fmt.Printf("  Poll Address: %s\n", cfg.WOL.PollAddress)
		}
		if cfg.WOL.ResendEvery > 0 {
			fmt.Printf("  Resend Every: %s\n", cfg.WOL.ResendEvery)
		}
	}

	if cfg.SSHTunnel != nil {
		fmt.Println()
		fmt.Println("SSH Tunnel Configuration:")
		fmt.Printf("  Host: %s\n", cfg.SSHTunnel.Host)
		fmt.Printf("  Port: %d\n", cfg.SSHTunnel.Port)
		fmt.Printf("  Username: %s\n", cfg.SSHTunnel.Username)
		fmt.Printf("  Host key check: %v\n", cfg.SSHTunnel.KnownHostsFile != "")
	}

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	return nil
}
