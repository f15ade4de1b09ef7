package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fgeck/sqldump-homelab/internal/models"
	"github.com/fgeck/sqldump-homelab/internal/services/compress"
	"github.com/fgeck/sqldump-homelab/internal/services/progress"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStorage struct {
	putObjectFunc func(ctx context.Context, bucket, key string, body io.Reader, meta map[string]string) (string, error)

	bucket string
	key    string
	body   []byte
	meta   map[string]string
}

func (m *mockStorage) PutObject(ctx context.Context, bucket, key string, body io.Reader, meta map[string]string) (string, error) {
	m.bucket, m.key, m.meta = bucket, key, meta
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.body = data
	if m.putObjectFunc != nil {
		return m.putObjectFunc(ctx, bucket, key, body, meta)
	}
	return "https://" + bucket + ".s3.test/" + key, nil
}

type mockCompressor struct {
	compressFunc func(ctx context.Context, path string, level int) *models.CompressResult
}

func (m *mockCompressor) Compress(ctx context.Context, path string, level int) *models.CompressResult {
	return m.compressFunc(ctx, path, level)
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

const dumpContent = "CREATE DATABASE IF NOT EXISTS `shop`;\n\nUSE `shop`;\n\n"

func writeArtifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db-backup-shop-20240101_000000.sql")
	require.NoError(t, os.WriteFile(path, []byte(dumpContent), 0o600))
	return path
}

func dumpRequest(compressed bool) models.DumpRequest {
	return models.DumpRequest{
		Database:         models.DatabaseConfig{Name: "shop"},
		Compress:         compressed,
		CompressionLevel: 9,
	}
}

func storageConfig() *models.StorageConfig {
	return &models.StorageConfig{Bucket: "db-backups", Region: "eu-central-1"}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestFinalize_CompressedUploadRemovesArchive(t *testing.T) {
	path := writeArtifact(t)
	store := &mockStorage{}
	svc := New(testLogger(), nil, compress.New(testLogger()), store, storageConfig())

	result := svc.Finalize(context.Background(), path, dumpRequest(true), "run-1")

	require.NoError(t, result.Error)
	assert.True(t, result.Compressed)
	assert.True(t, result.Uploaded)
	assert.False(t, result.LocalRetained)
	assert.Equal(t, "db-backups", store.bucket)
	assert.Equal(t, "shop/db-backup-shop-20240101_000000.sql.gz", store.key)
	assert.Equal(t, map[string]string{MetaRunID: "run-1", MetaDatabase: "shop"}, store.meta)
	assert.Equal(t, "https://db-backups.s3.test/shop/db-backup-shop-20240101_000000.sql.gz", result.Location)

	r, err := gzip.NewReader(bytes.NewReader(store.body))
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, dumpContent, string(data))

	assert.False(t, exists(path), "uncompressed artifact removed after compression")
	assert.False(t, exists(path+".gz"), "archive removed after upload")
}

func TestFinalize_UncompressedUploadKeepsFile(t *testing.T) {
	path := writeArtifact(t)
	store := &mockStorage{}
	svc := New(testLogger(), nil, compress.New(testLogger()), store, storageConfig())

	result := svc.Finalize(context.Background(), path, dumpRequest(false), "run-1")

	require.NoError(t, result.Error)
	assert.False(t, result.Compressed)
	assert.True(t, result.Uploaded)
	assert.True(t, result.LocalRetained)
	assert.Equal(t, dumpContent, string(store.body))
	assert.Equal(t, "shop/db-backup-shop-20240101_000000.sql", store.key)
	assert.True(t, exists(path))
}

func TestFinalize_UploadFailureRetainsArtifact(t *testing.T) {
	for _, compressed := range []bool{true, false} {
		name := "uncompressed"
		if compressed {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			path := writeArtifact(t)
			store := &mockStorage{
				putObjectFunc: func(context.Context, string, string, io.Reader, map[string]string) (string, error) {
					return "", errors.Join(models.ErrUpload, errors.New("access denied"))
				},
			}
			svc := New(testLogger(), nil, compress.New(testLogger()), store, storageConfig())

			result := svc.Finalize(context.Background(), path, dumpRequest(compressed), "run-1")

			require.Error(t, result.Error)
			assert.ErrorIs(t, result.Error, models.ErrUpload)
			assert.False(t, result.Uploaded)
			assert.True(t, result.LocalRetained)
			assert.True(t, exists(result.LocalPath))
			if compressed {
				assert.Equal(t, path+".gz", result.LocalPath)
			} else {
				assert.Equal(t, path, result.LocalPath)
			}
		})
	}
}

func TestFinalize_CompressionFailureSkipsUpload(t *testing.T) {
	path := writeArtifact(t)
	store := &mockStorage{}
	compressor := &mockCompressor{
		compressFunc: func(_ context.Context, p string, _ int) *models.CompressResult {
			return &models.CompressResult{SourcePath: p, Error: models.ErrCompression}
		},
	}
	svc := New(testLogger(), nil, compressor, store, storageConfig())

	result := svc.Finalize(context.Background(), path, dumpRequest(true), "run-1")

	require.Error(t, result.Error)
	assert.ErrorIs(t, result.Error, models.ErrCompression)
	assert.Empty(t, store.key, "nothing uploaded")
	assert.Equal(t, path, result.LocalPath)
	assert.True(t, exists(path))
}

func TestFinalize_NoStorageKeepsLocal(t *testing.T) {
	path := writeArtifact(t)
	var out bytes.Buffer
	reporter := progress.New(&out, zerolog.Nop())
	svc := New(testLogger(), reporter, compress.New(testLogger()), nil, nil)

	result := svc.Finalize(context.Background(), path, dumpRequest(true), "run-1")

	require.NoError(t, result.Error)
	assert.False(t, result.Uploaded)
	assert.True(t, result.LocalRetained)
	assert.Equal(t, path+".gz", result.Location)
	assert.Positive(t, result.SizeBytes)
	assert.True(t, exists(path+".gz"))
	assert.Contains(t, out.String(), "Backup file successfully saved to "+path+".gz")
}

func TestFinalize_CustomPrefix(t *testing.T) {
	path := writeArtifact(t)
	store := &mockStorage{}
	cfg := storageConfig()
	cfg.Prefix = "/homelab/mysql/"
	svc := New(testLogger(), nil, compress.New(testLogger()), store, cfg)

	result := svc.Finalize(context.Background(), path, dumpRequest(false), "run-1")

	require.NoError(t, result.Error)
	assert.Equal(t, "homelab/mysql/db-backup-shop-20240101_000000.sql", store.key)
}

func TestFinalize_ProgressLines(t *testing.T) {
	path := writeArtifact(t)
	var out bytes.Buffer
	reporter := progress.New(&out, zerolog.Nop())
	svc := New(testLogger(), reporter, compress.New(testLogger()), &mockStorage{}, storageConfig())

	svc.Finalize(context.Background(), path, dumpRequest(true), "run-1")

	lines := out.String()
	assert.Contains(t, lines, "Gzipping backup file to "+path+".gz... ")
	assert.Contains(t, lines, " - OK\n")
	assert.Contains(t, lines, "Backup file successfully saved to S3: https://db-backups.s3.test/")
	assert.True(t, strings.HasPrefix(lines, "\n"))
}
