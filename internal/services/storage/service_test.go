package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/fgeck/sqldump-homelab/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPutObjectAPI struct {
	putObjectFunc func(ctx context.Context, params *s3.PutObjectInput) (*s3.PutObjectOutput, error)
}

func (m *mockPutObjectAPI) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putObjectFunc != nil {
		return m.putObjectFunc(ctx, params)
	}
	return &s3.PutObjectOutput{}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestPutObject_Success(t *testing.T) {
	var gotBucket, gotKey, gotBody string
	var gotMeta map[string]string
	client := &mockPutObjectAPI{
		putObjectFunc: func(_ context.Context, params *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			gotBucket = aws.ToString(params.Bucket)
			gotKey = aws.ToString(params.Key)
			gotMeta = params.Metadata
			data, err := io.ReadAll(params.Body)
			gotBody = string(data)
			return &s3.PutObjectOutput{}, err
		},
	}
	svc := NewWithClient(testLogger(), models.StorageConfig{Region: "eu-central-1"}, client)

	location, err := svc.PutObject(context.Background(), "backups", "shop/dump.sql.gz",
		strings.NewReader("payload"), map[string]string{"run-id": "abc"})

	require.NoError(t, err)
	assert.Equal(t, "backups", gotBucket)
	assert.Equal(t, "shop/dump.sql.gz", gotKey)
	assert.Equal(t, "payload", gotBody)
	assert.Equal(t, map[string]string{"run-id": "abc"}, gotMeta)
	assert.Equal(t, "https://backups.s3.eu-central-1.amazonaws.com/shop/dump.sql.gz", location)
}

func TestPutObject_APIError(t *testing.T) {
	client := &mockPutObjectAPI{
		putObjectFunc: func(context.Context, *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
		},
	}
	svc := NewWithClient(testLogger(), models.StorageConfig{}, client)

	_, err := svc.PutObject(context.Background(), "b", "k", strings.NewReader(""), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUpload)
	assert.Contains(t, err.Error(), "AccessDenied")
	assert.Contains(t, err.Error(), "denied")
}

func TestPutObject_TransportError(t *testing.T) {
	client := &mockPutObjectAPI{
		putObjectFunc: func(context.Context, *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			return nil, errors.New("connection reset")
		},
	}
	svc := NewWithClient(testLogger(), models.StorageConfig{}, client)

	_, err := svc.PutObject(context.Background(), "b", "k", strings.NewReader(""), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUpload)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix   string
		filename string
		want     string
	}{
		{"shop", "a.sql", "shop/a.sql"},
		{"/shop/", "a.sql", "shop/a.sql"},
		{"backups/shop", "a.sql.gz", "backups/shop/a.sql.gz"},
		{"", "a.sql", "a.sql"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix+"|"+tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.want, ObjectKey(tt.prefix, tt.filename))
		})
	}
}

func TestObjectURL(t *testing.T) {
	assert.Equal(t, "http://minio:9000/backups/shop/a.sql",
		ObjectURL(models.StorageConfig{Endpoint: "http://minio:9000/"}, "backups", "shop/a.sql"))
	assert.Equal(t, "https://backups.s3.us-east-1.amazonaws.com/a%20b.sql",
		ObjectURL(models.StorageConfig{}, "backups", "a b.sql"))
}

func TestNew_StaticCredentials(t *testing.T) {
	svc, err := New(context.Background(), testLogger(), models.StorageConfig{
		Bucket:    "backups",
		Region:    "eu-west-1",
		Endpoint:  "http://localhost:9000",
		AccessKey: "test-access",
		SecretKey: "test-secret",
	})

	require.NoError(t, err)
	assert.NotNil(t, svc.client)
}
