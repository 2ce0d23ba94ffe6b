//go:build integration

package postgres

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupMinIO creates a MinIO testcontainer and returns an S3Client configured to use it
func setupMinIO(t *testing.T) (*S3Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "minioadmin",
			"MINIO_ROOT_PASSWORD": "minioadmin",
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
	}

	minioContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start MinIO container")

	host, err := minioContainer.Host(ctx)
	require.NoError(t, err)

	port, err := minioContainer.MappedPort(ctx, "9000")
	require.NoError(t, err)

	client, err := NewS3Client(ctx, config.ArchiveConfig{
		Endpoint:     "http://" + host + ":" + port.Port(),
		AccessKey:    "minioadmin",
		SecretKey:    "minioadmin",
		Bucket:       "warden-history",
		Region:       "us-east-1",
		UsePathStyle: true,
	})
	require.NoError(t, err, "Failed to create S3 client")

	cleanup := func() {
		if err := minioContainer.Terminate(ctx); err != nil {
			t.Logf("Warning: Failed to terminate MinIO container: %v", err)
		}
	}

	return client, cleanup
}

// fixedStore serves a fixed history for one subject
type fixedStore struct {
	audit.Store
	entries []*audit.Entry
}

func (s *fixedStore) Query(ctx context.Context, subjectID int64, limit, offset int) ([]*audit.Entry, error) {
	if offset > 0 {
		return []*audit.Entry{}, nil
	}
	return s.entries, nil
}

func TestS3Client_ArchiveRoundTrip_Integration(t *testing.T) {
	client, cleanup := setupMinIO(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, client.HealthCheck(ctx))

	store := &fixedStore{entries: []*audit.Entry{
		{ID: 1, SubjectID: 42, FieldName: "user_email", OldValue: audit.StringPtr("a@x.io"), NewValue: audit.StringPtr("b@x.io"), ChangeType: audit.ChangeTypeUpdate},
	}}

	key, err := audit.NewArchiver(store, client, "it").Archive(ctx, 42, audit.ExportFormatNDJSON)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "it/history/42/"))

	body, err := client.GetObject(ctx, key)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"field_name":"user_email"`)
}
