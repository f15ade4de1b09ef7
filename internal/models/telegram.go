package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramMessage holds the data for a dump notification.
type TelegramMessage struct {
	Success   bool
	RunID     string
	Host      string
	Database  string
	StartTime time.Time
	Duration  time.Duration

	// Dump stats (if successful).
	TablesDumped  int
	TablesSkipped int
	RowsWritten   int64
	ArtifactBytes int64
	Location      string
	Compressed    bool

	// Error info (if failed).
	ErrorMessage string
	FailedStep   string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
