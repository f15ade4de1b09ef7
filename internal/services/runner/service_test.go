package runner

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/sqldump-homelab/internal/models"
	"github.com/fgeck/sqldump-homelab/internal/services/compress"
	"github.com/fgeck/sqldump-homelab/internal/services/database"
	"github.com/fgeck/sqldump-homelab/internal/services/dumper"
	"github.com/fgeck/sqldump-homelab/internal/services/pipeline"
	"github.com/fgeck/sqldump-homelab/internal/services/progress"
	"github.com/fgeck/sqldump-homelab/internal/services/ssh"
	"github.com/fgeck/sqldump-homelab/internal/services/storage"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

// Mock implementations.
type mockWOLService struct {
	wakeFunc func(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error)
}

func (m *mockWOLService) Wake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
	if m.wakeFunc != nil {
		return m.wakeFunc(ctx, cfg)
	}
	return &models.WOLResult{PacketSent: true, TargetReady: true}, nil
}

type mockSSHService struct {
	openFunc func(ctx context.Context, cfg models.SSHTunnelConfig) (*ssh.Tunnel, error)
}

func (m *mockSSHService) Open(ctx context.Context, cfg models.SSHTunnelConfig) (*ssh.Tunnel, error) {
	if m.openFunc != nil {
		return m.openFunc(ctx, cfg)
	}
	return nil, errors.New("no tunnel in tests")
}

type mockTelegramService struct {
	sendFunc func(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

func (m *mockTelegramService) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	if m.sendFunc != nil {
		return m.sendFunc(ctx, cfg, msg)
	}
	return &models.TelegramResult{MessageSent: true}, nil
}

type mockDatabaseService struct {
	openFunc func(ctx context.Context, cfg models.DatabaseConfig, charset string, dial database.DialContextFunc) (database.Source, error)
}

func (m *mockDatabaseService) Open(ctx context.Context, cfg models.DatabaseConfig, charset string, dial database.DialContextFunc) (database.Source, error) {
	return m.openFunc(ctx, cfg, charset, dial)
}

type mockStorage struct {
	putObjectFunc func(ctx context.Context, bucket, key string, meta map[string]string) (string, error)

	keys []string
	meta map[string]string
	body []byte
}

func (m *mockStorage) PutObject(ctx context.Context, bucket, key string, body io.Reader, meta map[string]string) (string, error) {
	m.keys = append(m.keys, key)
	m.meta = meta
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.body = data
	if m.putObjectFunc != nil {
		return m.putObjectFunc(ctx, bucket, key, meta)
	}
	return "https://" + bucket + ".s3.test/" + key, nil
}

type mockPipeline struct {
	finalizeFunc func(ctx context.Context, path string, req models.DumpRequest, runID string) *models.UploadResult

	path  string
	runID string
}

func (m *mockPipeline) Finalize(ctx context.Context, path string, req models.DumpRequest, runID string) *models.UploadResult {
	m.path = path
	m.runID = runID
	if m.finalizeFunc != nil {
		return m.finalizeFunc(ctx, path, req, runID)
	}
	return &models.UploadResult{LocalPath: path, Location: path, LocalRetained: true}
}

func pipelineFactory(p pipeline.Service, gotStorage **models.StorageConfig) PipelineFactory {
	return func(_ zerolog.Logger, _ *progress.Reporter, _ storage.Service, cfg *models.StorageConfig) pipeline.Service {
		if gotStorage != nil {
			*gotStorage = cfg
		}
		return p
	}
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func storageFactory(store storage.Service) StorageFactory {
	return func(context.Context, zerolog.Logger, models.StorageConfig) (storage.Service, error) {
		return store, nil
	}
}

type runnerDeps struct {
	database database.Service
	storage  storage.Service
	wol      *mockWOLService
	ssh      *mockSSHService
	telegram *mockTelegramService
	reporter *progress.Reporter
	pipeline PipelineFactory
}

func newTestRunner(deps runnerDeps) *Impl {
	logger := testLogger()
	if deps.database == nil {
		deps.database = database.New(logger)
	}
	if deps.wol == nil {
		deps.wol = &mockWOLService{}
	}
	if deps.ssh == nil {
		deps.ssh = &mockSSHService{}
	}
	if deps.telegram == nil {
		deps.telegram = &mockTelegramService{}
	}
	if deps.pipeline == nil {
		deps.pipeline = NewPipelineFactory(compress.New(logger))
	}
	return NewWithServices(
		logger,
		deps.reporter,
		deps.database,
		dumper.New(logger, deps.reporter),
		deps.pipeline,
		storageFactory(deps.storage),
		deps.wol,
		deps.ssh,
		deps.telegram,
	)
}

// createShopDB creates the sqlite fixture: users with two rows and an
// auth token table that is usually excluded.
func createShopDB(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "shop.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	for _, stmt := range []string{
		"CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT)",
		"INSERT INTO users (id, email) VALUES (1, 'a@x.io'), (2, 'b@x.io')",
		"CREATE TABLE tbl_token_auth (token TEXT)",
		"INSERT INTO tbl_token_auth (token) VALUES ('s3cr3t')",
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	return path
}

func shopConfig(t *testing.T) models.BackupConfig {
	return models.BackupConfig{
		Host: "homelab",
		Dump: models.DumpRequest{
			Database: models.DatabaseConfig{
				Driver: models.DriverSQLite,
				Name:   "shop",
				Path:   createShopDB(t),
			},
			OutputDir:               t.TempDir(),
			Tables:                  models.TableSelection{All: true},
			Exclude:                 []string{"tbl_token_auth"},
			Charset:                 "utf8",
			Compress:                false,
			CompressionLevel:        9,
			DisableForeignKeyChecks: true,
			BatchSize:               1000,
		},
	}
}

const usersSection = "DROP TABLE IF EXISTS `users`;\n\n" +
	"CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT);\n\n" +
	"INSERT INTO `users` VALUES (1,\"a@x.io\"),\n(2,\"b@x.io\");\n" +
	"\n\n"

func TestRun_ShopScenario(t *testing.T) {
	cfg := shopConfig(t)

	result := newTestRunner(runnerDeps{}).Run(context.Background(), cfg)

	require.NoError(t, result.Error)
	assert.True(t, result.Success())
	assert.NotEmpty(t, result.RunID)
	assert.Empty(t, result.FailedStep)

	data, err := os.ReadFile(result.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t,
		"CREATE DATABASE IF NOT EXISTS `shop`;\n\nUSE `shop`;\n\n"+
			"SET foreign_key_checks = 0;\n\n"+
			usersSection+
			"SET foreign_key_checks = 1;\n",
		string(data))
	assert.NotContains(t, string(data), "tbl_token_auth")
	assert.Equal(t, int64(len(data)), result.BytesWritten)

	assert.Regexp(t, `^db-backup-shop-\d{8}_\d{6}\.sql$`, filepath.Base(result.ArtifactPath))

	require.Len(t, result.Tables, 2)
	assert.Equal(t, "users", result.Tables[0].Name)
	assert.Equal(t, int64(2), result.Tables[0].Written)
	assert.Equal(t, int64(1), result.Tables[0].Inserts)
	assert.True(t, result.Tables[1].Skipped)
	assert.Equal(t, int64(2), result.TotalRows())

	require.NotNil(t, result.Upload)
	assert.False(t, result.Upload.Uploaded)
	assert.True(t, result.Upload.LocalRetained)
	assert.Equal(t, result.ArtifactPath, result.Upload.Location)
}

func TestRun_ForeignKeyChecksNotToggled(t *testing.T) {
	cfg := shopConfig(t)
	cfg.Dump.DisableForeignKeyChecks = false

	result := newTestRunner(runnerDeps{}).Run(context.Background(), cfg)

	require.NoError(t, result.Error)
	data, err := os.ReadFile(result.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, "CREATE DATABASE IF NOT EXISTS `shop`;\n\nUSE `shop`;\n\n"+usersSection, string(data))
	assert.NotContains(t, string(data), "foreign_key_checks")
}

func TestRun_SmallBatches(t *testing.T) {
	cfg := shopConfig(t)
	cfg.Dump.BatchSize = 1

	result := newTestRunner(runnerDeps{}).Run(context.Background(), cfg)

	require.NoError(t, result.Error)
	data, err := os.ReadFile(result.ArtifactPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "INSERT INTO `users` VALUES (1,\"a@x.io\");\nINSERT INTO `users` VALUES (2,\"b@x.io\");\n")
	assert.Equal(t, int64(3), result.Tables[0].Windows)
}

func TestRun_ExplicitTables(t *testing.T) {
	cfg := shopConfig(t)
	cfg.Dump.Tables = models.TableList([]string{"tbl_token_auth", "users"})
	cfg.Dump.Exclude = nil

	result := newTestRunner(runnerDeps{}).Run(context.Background(), cfg)

	require.NoError(t, result.Error)
	data, err := os.ReadFile(result.ArtifactPath)
	require.NoError(t, err)
	content := string(data)
	assert.Less(t, strings.Index(content, "`tbl_token_auth`"), strings.Index(content, "`users`"))
	assert.Contains(t, content, "INSERT INTO `tbl_token_auth` VALUES (\"s3cr3t\");\n")
}

func TestRun_CompressedUpload(t *testing.T) {
	cfg := shopConfig(t)
	cfg.Dump.Compress = true
	cfg.Storage = &models.StorageConfig{Bucket: "db-backups", Prefix: "shop"}
	store := &mockStorage{}

	result := newTestRunner(runnerDeps{storage: store}).Run(context.Background(), cfg)

	require.NoError(t, result.Error)
	require.NotNil(t, result.Upload)
	assert.True(t, result.Upload.Uploaded)
	assert.True(t, result.Upload.Compressed)
	assert.False(t, result.Upload.LocalRetained)

	require.Len(t, store.keys, 1)
	assert.Equal(t, "shop/"+filepath.Base(result.ArtifactPath)+".gz", store.keys[0])
	assert.Equal(t, result.RunID, store.meta[pipeline.MetaRunID])

	r, err := gzip.NewReader(bytes.NewReader(store.body))
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), usersSection)

	entries, err := os.ReadDir(cfg.Dump.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing remains locally after a compressed upload")
}

func TestRun_UploadFailureRetainsArtifact(t *testing.T) {
	cfg := shopConfig(t)
	cfg.Dump.Compress = true
	cfg.Storage = &models.StorageConfig{Bucket: "db-backups"}
	store := &mockStorage{
		putObjectFunc: func(context.Context, string, string, map[string]string) (string, error) {
			return "", models.ErrUpload
		},
	}

	result := newTestRunner(runnerDeps{storage: store}).Run(context.Background(), cfg)

	require.Error(t, result.Error)
	assert.ErrorIs(t, result.Error, models.ErrUpload)
	assert.Equal(t, StepPipeline, result.FailedStep)
	require.NotNil(t, result.Upload)
	assert.True(t, result.Upload.LocalRetained)
	_, err := os.Stat(result.ArtifactPath + ".gz")
	assert.NoError(t, err)
}

func TestRun_ValidationFailsBeforeConnect(t *testing.T) {
	cfg := shopConfig(t)
	cfg.Dump.BatchSize = 0
	opened := false
	db := &mockDatabaseService{
		openFunc: func(context.Context, models.DatabaseConfig, string, database.DialContextFunc) (database.Source, error) {
			opened = true
			return nil, errors.New("unexpected")
		},
	}

	result := newTestRunner(runnerDeps{database: db}).Run(context.Background(), cfg)

	require.Error(t, result.Error)
	assert.ErrorIs(t, result.Error, models.ErrConfiguration)
	assert.Equal(t, StepValidate, result.FailedStep)
	assert.False(t, opened)
	assert.Empty(t, result.ArtifactPath)
}

func TestRun_ConnectFailure(t *testing.T) {
	cfg := shopConfig(t)
	cfg.Dump.Database.Path = filepath.Join(t.TempDir(), "missing.db")
	cfg.Telegram = &models.TelegramConfig{BotToken: "token", ChatID: "chat"}

	var sent models.TelegramMessage
	tg := &mockTelegramService{
		sendFunc: func(_ context.Context, _ models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
			sent = msg
			return &models.TelegramResult{MessageSent: true}, nil
		},
	}
	var out bytes.Buffer
	reporter := progress.New(&out, zerolog.Nop())

	result := newTestRunner(runnerDeps{telegram: tg, reporter: reporter}).Run(context.Background(), cfg)

	require.Error(t, result.Error)
	assert.ErrorIs(t, result.Error, models.ErrConnection)
	assert.Equal(t, StepConnect, result.FailedStep)
	assert.Empty(t, result.ArtifactPath)

	assert.False(t, sent.Success)
	assert.Equal(t, StepConnect, sent.FailedStep)
	assert.Equal(t, result.RunID, sent.RunID)
	assert.Contains(t, out.String(), "Dump failed at step connect")
}

func TestRun_WOLFailure(t *testing.T) {
	cfg := shopConfig(t)
	cfg.WOL = &models.WOLConfig{MACAddress: "AA:BB:CC:DD:EE:FF", PollAddress: "db.lan:3306"}
	wolSvc := &mockWOLService{
		wakeFunc: func(context.Context, models.WOLConfig) (*models.WOLResult, error) {
			return &models.WOLResult{PacketSent: true, Error: errors.New("timeout waiting for target")}, nil
		},
	}

	result := newTestRunner(runnerDeps{wol: wolSvc}).Run(context.Background(), cfg)

	require.Error(t, result.Error)
	assert.Equal(t, StepWOL, result.FailedStep)
	assert.Contains(t, result.Error.Error(), "timeout waiting for target")
}

func TestRun_WOLTargetNotReady(t *testing.T) {
	cfg := shopConfig(t)
	cfg.WOL = &models.WOLConfig{MACAddress: "AA:BB:CC:DD:EE:FF", PollAddress: "db.lan:3306"}
	wolSvc := &mockWOLService{
		wakeFunc: func(context.Context, models.WOLConfig) (*models.WOLResult, error) {
			return &models.WOLResult{PacketSent: true}, nil
		},
	}

	result := newTestRunner(runnerDeps{wol: wolSvc}).Run(context.Background(), cfg)

	require.Error(t, result.Error)
	assert.Equal(t, StepWOL, result.FailedStep)
	assert.ErrorIs(t, result.Error, models.ErrConnection)
}

func TestRun_SSHTunnelFailure(t *testing.T) {
	cfg := shopConfig(t)
	cfg.SSHTunnel = &models.SSHTunnelConfig{Host: "jump.lan", Port: 22, Username: "tunnel", Password: "pw"}
	sshSvc := &mockSSHService{
		openFunc: func(context.Context, models.SSHTunnelConfig) (*ssh.Tunnel, error) {
			return nil, models.ErrConnection
		},
	}

	result := newTestRunner(runnerDeps{ssh: sshSvc}).Run(context.Background(), cfg)

	require.Error(t, result.Error)
	assert.Equal(t, StepConnect, result.FailedStep)
	assert.ErrorIs(t, result.Error, models.ErrConnection)
}

func TestRun_DumpFailureLeavesPartialArtifact(t *testing.T) {
	cfg := shopConfig(t)
	cfg.Dump.Tables = models.TableList([]string{"users", "ghost"})

	result := newTestRunner(runnerDeps{}).Run(context.Background(), cfg)

	require.Error(t, result.Error)
	assert.ErrorIs(t, result.Error, models.ErrQuery)
	assert.Equal(t, StepDump, result.FailedStep)
	assert.Contains(t, result.Error.Error(), "ghost")
	assert.Nil(t, result.Upload)

	data, err := os.ReadFile(result.ArtifactPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), usersSection)
	assert.NotContains(t, string(data), "SET foreign_key_checks = 1;")
}

func TestRun_Cancelled(t *testing.T) {
	cfg := shopConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := newTestRunner(runnerDeps{}).Run(ctx, cfg)

	require.Error(t, result.Error)
	assert.ErrorIs(t, result.Error, context.Canceled)
}

func TestRun_SuccessNotification(t *testing.T) {
	cfg := shopConfig(t)
	cfg.Telegram = &models.TelegramConfig{BotToken: "token", ChatID: "chat"}

	var sent models.TelegramMessage
	tg := &mockTelegramService{
		sendFunc: func(_ context.Context, _ models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
			sent = msg
			return &models.TelegramResult{MessageSent: true}, nil
		},
	}

	result := newTestRunner(runnerDeps{telegram: tg}).Run(context.Background(), cfg)

	require.NoError(t, result.Error)
	assert.True(t, sent.Success)
	assert.Equal(t, "homelab", sent.Host)
	assert.Equal(t, "shop", sent.Database)
	assert.Equal(t, 1, sent.TablesDumped)
	assert.Equal(t, 1, sent.TablesSkipped)
	assert.Equal(t, int64(2), sent.RowsWritten)
	assert.Equal(t, result.ArtifactPath, sent.Location)
	assert.Positive(t, sent.ArtifactBytes)
}

func TestRun_NotificationFailureDoesNotFailRun(t *testing.T) {
	cfg := shopConfig(t)
	cfg.Telegram = &models.TelegramConfig{BotToken: "token", ChatID: "chat"}
	tg := &mockTelegramService{
		sendFunc: func(context.Context, models.TelegramConfig, models.TelegramMessage) (*models.TelegramResult, error) {
			return &models.TelegramResult{Error: errors.New("telegram API returned status 401")}, nil
		},
	}

	result := newTestRunner(runnerDeps{telegram: tg}).Run(context.Background(), cfg)

	assert.NoError(t, result.Error)
}

func TestRun_StorageSetupFailure(t *testing.T) {
	cfg := shopConfig(t)
	cfg.Storage = &models.StorageConfig{Bucket: "db-backups"}
	logger := testLogger()
	failing := func(context.Context, zerolog.Logger, models.StorageConfig) (storage.Service, error) {
		return nil, models.ErrConfiguration
	}
	svc := NewWithServices(logger, nil, database.New(logger), dumper.New(logger, nil), NewPipelineFactory(compress.New(logger)),
		failing, &mockWOLService{}, &mockSSHService{}, &mockTelegramService{})

	result := svc.Run(context.Background(), cfg)

	require.Error(t, result.Error)
	assert.Equal(t, StepValidate, result.FailedStep)
}

func TestListTables(t *testing.T) {
	cfg := shopConfig(t)

	tables, err := newTestRunner(runnerDeps{}).ListTables(context.Background(), cfg)

	require.NoError(t, err)
	assert.Equal(t, []string{"users", "tbl_token_auth"}, tables)
}

func TestListTables_Explicit(t *testing.T) {
	cfg := shopConfig(t)
	cfg.Dump.Tables = models.ParseTableSelection("orders, users")

	tables, err := newTestRunner(runnerDeps{}).ListTables(context.Background(), cfg)

	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "users"}, tables)
}

func TestRun_UsesInjectedPipeline(t *testing.T) {
	cfg := shopConfig(t)
	cfg.Storage = &models.StorageConfig{Bucket: "backups", Prefix: "shop"}
	p := &mockPipeline{}
	var gotStorage *models.StorageConfig

	result := newTestRunner(runnerDeps{
		storage:  &mockStorage{},
		pipeline: pipelineFactory(p, &gotStorage),
	}).Run(context.Background(), cfg)

	require.NoError(t, result.Error)
	assert.Equal(t, result.ArtifactPath, p.path)
	assert.Equal(t, result.RunID, p.runID)
	require.NotNil(t, gotStorage)
	assert.Equal(t, "backups", gotStorage.Bucket)
	assert.Equal(t, result.ArtifactPath, result.Upload.Location)
}

func TestRun_PipelineFailure(t *testing.T) {
	cfg := shopConfig(t)
	p := &mockPipeline{
		finalizeFunc: func(_ context.Context, path string, _ models.DumpRequest, _ string) *models.UploadResult {
			return &models.UploadResult{LocalPath: path, LocalRetained: true, Error: models.ErrUpload}
		},
	}

	result := newTestRunner(runnerDeps{pipeline: pipelineFactory(p, nil)}).Run(context.Background(), cfg)

	require.Error(t, result.Error)
	assert.ErrorIs(t, result.Error, models.ErrUpload)
	assert.Equal(t, StepPipeline, result.FailedStep)
	assert.FileExists(t, result.ArtifactPath)
}

func TestRun_SameSecondRunKeepsEarlierArtifact(t *testing.T) {
	cfg := shopConfig(t)
	svc := newTestRunner(runnerDeps{})
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	first := svc.Run(context.Background(), cfg)
	require.NoError(t, first.Error)
	want, err := os.ReadFile(first.ArtifactPath)
	require.NoError(t, err)

	second := svc.Run(context.Background(), cfg)

	require.Error(t, second.Error)
	assert.ErrorIs(t, second.Error, models.ErrPersistence)
	assert.Equal(t, StepDump, second.FailedStep)

	got, err := os.ReadFile(first.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
