// Package models contains the data structures used throughout sqldump-homelab.
package models

// BackupConfig holds the complete configuration for a dump run.
type BackupConfig struct {
	Host      string // reported in notifications, defaults to the hostname
	Dump      DumpRequest
	Storage   *StorageConfig   // nil if not configured, artifact stays local
	Log       LogSettings
	WOL       *WOLConfig       // nil if not configured
	SSHTunnel *SSHTunnelConfig // nil if not configured
	Telegram  *TelegramConfig  // nil if not configured
}

// StorageConfig holds S3-compatible object storage configuration.
type StorageConfig struct {
	Bucket       string
	Region       string
	Prefix       string // key prefix, defaults to the database name
	Endpoint     string // optional, for MinIO and friends
	UsePathStyle bool
	AccessKey    string // optional, falls back to the AWS default credential chain
	SecretKey    string
	SessionToken string
}

// LogSettings controls the durable log target.
type LogSettings struct {
	File string // append-only JSON log, empty disables it
}
