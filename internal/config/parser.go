// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/sqldump-homelab/internal/models"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SQLDUMP_DATABASE_PASSWORD.
const EnvPrefix = "SQLDUMP"

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.driver", models.DriverMySQL)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.connect_timeout", 10*time.Second)
	v.SetDefault("dump.output_dir", "db-backups")
	v.SetDefault("dump.tables", "*")
	v.SetDefault("dump.charset", "utf8")
	v.SetDefault("dump.compress", true)
	v.SetDefault("dump.compression_level", 9)
	v.SetDefault("dump.disable_foreign_key_checks", true)
	v.SetDefault("dump.batch_size", 1000)

	return &Parser{v: v}
}

// LoadFile loads configuration from a file path. An empty path loads the
// configuration from the environment only.
func (p *Parser) LoadFile(path string) (*models.BackupConfig, error) {
	if path == "" {
		return p.LoadEnv()
	}

	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: reading config file: %w", models.ErrConfiguration, err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.BackupConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("%w: reading config: %w", models.ErrConfiguration, err)
	}

	return p.parse()
}

// LoadEnv loads configuration from SQLDUMP_* environment variables and defaults.
func (p *Parser) LoadEnv() (*models.BackupConfig, error) {
	return p.parse()
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse() (*models.BackupConfig, error) {
	cfg := &models.BackupConfig{
		Host: p.v.GetString("host"),
	}

	if cfg.Host == "" {
		hostname, err := os.Hostname()
		if err != nil {
			cfg.Host = "unknown"
		} else {
			cfg.Host = hostname
		}
	}

	// Parse database connection.
	db := models.DatabaseConfig{
		Driver:         strings.ToLower(p.v.GetString("database.driver")),
		Host:           p.v.GetString("database.host"),
		Port:           p.v.GetInt("database.port"),
		Username:       p.expandEnv(p.v.GetString("database.username")),
		Password:       p.expandEnv(p.v.GetString("database.password")),
		Name:           p.v.GetString("database.name"),
		Path:           p.expandEnv(p.v.GetString("database.path")),
		ConnectTimeout: p.v.GetDuration("database.connect_timeout"),
	}

	// A sqlite file dumps under its base name unless told otherwise.
	if db.Driver == models.DriverSQLite && db.Name == "" && db.Path != "" {
		db.Name = strings.TrimSuffix(filepath.Base(db.Path), filepath.Ext(db.Path))
	}

	// Parse dump request.
	cfg.Dump = models.DumpRequest{
		Database:                db,
		OutputDir:               p.expandEnv(p.v.GetString("dump.output_dir")),
		Tables:                  p.tableSelection("dump.tables"),
		Exclude:                 p.stringList("dump.exclude"),
		Charset:                 p.v.GetString("dump.charset"),
		Compress:                p.v.GetBool("dump.compress"),
		CompressionLevel:        p.v.GetInt("dump.compression_level"),
		DisableForeignKeyChecks: p.v.GetBool("dump.disable_foreign_key_checks"),
		BatchSize:               p.v.GetInt64("dump.batch_size"),
	}

	// Parse optional log file.
	cfg.Log = models.LogSettings{
		File: p.expandEnv(p.v.GetString("log.file")),
	}

	// Parse optional object storage.
	if p.isSet("storage", "bucket") {
		cfg.Storage = &models.StorageConfig{
			Bucket:       p.v.GetString("storage.bucket"),
			Region:       p.v.GetString("storage.region"),
			Prefix:       p.v.GetString("storage.prefix"),
			Endpoint:     p.v.GetString("storage.endpoint"),
			UsePathStyle: p.v.GetBool("storage.use_path_style"),
			AccessKey:    p.expandEnv(p.v.GetString("storage.access_key")),
			SecretKey:    p.expandEnv(p.v.GetString("storage.secret_key")),
			SessionToken: p.expandEnv(p.v.GetString("storage.session_token")),
		}

		if cfg.Storage.Prefix == "" {
			cfg.Storage.Prefix = db.Name
		}
		// MinIO and most self-hosted stores only speak path style.
		if cfg.Storage.Endpoint != "" && !p.v.IsSet("storage.use_path_style") {
			cfg.Storage.UsePathStyle = true
		}
	}

	// Parse optional WOL config.
	if p.isSet("wol", "mac_address") {
		cfg.WOL = &models.WOLConfig{
			MACAddress:    p.v.GetString("wol.mac_address"),
			BroadcastIP:   p.v.GetString("wol.broadcast_ip"),
			PollAddress:   p.v.GetString("wol.poll_address"),
			Timeout:       p.v.GetDuration("wol.timeout"),
			PollInterval:  p.v.GetDuration("wol.poll_interval"),
			StabilizeWait: p.v.GetDuration("wol.stabilize_wait"),
			ResendEvery:   p.v.GetDuration("wol.resend_every"),
		}

		// Set defaults.
		if cfg.WOL.BroadcastIP == "" {
			cfg.WOL.BroadcastIP = "255.255.255.255"
		}
		if cfg.WOL.Timeout == 0 {
			cfg.WOL.Timeout = 5 * time.Minute
		}
		if cfg.WOL.PollInterval == 0 {
			cfg.WOL.PollInterval = 10 * time.Second
		}
		if cfg.WOL.StabilizeWait == 0 {
			cfg.WOL.StabilizeWait = 10 * time.Second
		}
	}

	// Parse optional SSH tunnel config.
	if p.isSet("ssh_tunnel", "host") {
		cfg.SSHTunnel = &models.SSHTunnelConfig{
			Host:           p.v.GetString("ssh_tunnel.host"),
			Port:           p.v.GetInt("ssh_tunnel.port"),
			Username:       p.v.GetString("ssh_tunnel.username"),
			KeyPath:        p.expandEnv(p.v.GetString("ssh_tunnel.key_path")),
			Password:       p.expandEnv(p.v.GetString("ssh_tunnel.password")),
			KnownHostsFile: p.expandEnv(p.v.GetString("ssh_tunnel.known_hosts_file")),
		}

		if cfg.SSHTunnel.Port == 0 {
			cfg.SSHTunnel.Port = 22
		}
		if cfg.SSHTunnel.Username == "" {
			cfg.SSHTunnel.Username = "root"
		}
	}

	// Parse optional Telegram config.
	if p.isSet("telegram", "bot_token") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// isSet reports whether a section is present in the file or its marker key
// is provided through the environment.
func (p *Parser) isSet(section, marker string) bool {
	return p.v.IsSet(section) || p.v.IsSet(section+"."+marker)
}

// tableSelection accepts either a comma separated string ("*" for all) or a list.
func (p *Parser) tableSelection(key string) models.TableSelection {
	switch raw := p.v.Get(key).(type) {
	case []any:
		return models.TableList(toStrings(raw))
	case []string:
		return models.TableList(raw)
	default:
		return models.ParseTableSelection(p.v.GetString(key))
	}
}

// stringList accepts either a comma separated string or a list.
func (p *Parser) stringList(key string) []string {
	var parts []string
	switch raw := p.v.Get(key).(type) {
	case []any:
		parts = toStrings(raw)
	case []string:
		parts = raw
	default:
		parts = strings.Split(p.v.GetString(key), ",")
	}

	var out []string
	for _, s := range parts {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func toStrings(values []any) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, fmt.Sprint(v))
	}
	return out
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration.
//
//nolint:gocognit,gocyclo // one check per required field
func Validate(cfg *models.BackupConfig) error {
	if cfg == nil {
		return invalid("configuration is nil")
	}

	db := cfg.Dump.Database
	switch db.Driver {
	case models.DriverMySQL, "":
		if db.Host == "" {
			return invalid("database.host is required")
		}
		if db.Username == "" {
			return invalid("database.username is required")
		}
	case models.DriverSQLite:
		if db.Path == "" {
			return invalid("database.path is required for the sqlite driver")
		}
	default:
		return invalid("database.driver must be one of: mysql, sqlite")
	}
	if db.Name == "" {
		return invalid("database.name is required")
	}

	if cfg.Dump.OutputDir == "" {
		return invalid("dump.output_dir is required")
	}
	if cfg.Dump.BatchSize <= 0 {
		return invalid("dump.batch_size must be positive")
	}
	// 0 selects the default level
	if cfg.Dump.Compress && (cfg.Dump.CompressionLevel < 0 || cfg.Dump.CompressionLevel > 9) {
		return invalid("dump.compression_level must be between 0 and 9")
	}

	if cfg.Storage != nil && cfg.Storage.Bucket == "" {
		return invalid("storage.bucket is required when storage is configured")
	}

	if cfg.WOL != nil && cfg.WOL.MACAddress == "" {
		return invalid("wol.mac_address is required when wol is configured")
	}

	if cfg.SSHTunnel != nil {
		if cfg.SSHTunnel.Host == "" {
			return invalid("ssh_tunnel.host is required when ssh_tunnel is configured")
		}
		if cfg.SSHTunnel.KeyPath == "" && len(cfg.SSHTunnel.PrivateKey) == 0 && cfg.SSHTunnel.Password == "" {
			return invalid("ssh_tunnel.key_path or ssh_tunnel.password is required when ssh_tunnel is configured")
		}
	}

	if cfg.Telegram != nil {
		if cfg.Telegram.BotToken == "" {
			return invalid("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return invalid("telegram.chat_id is required when telegram is configured")
		}
	}

	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", models.ErrConfiguration, msg)
}
