package postgres

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/platinummonkey/warden/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 records requests made by the SDK against a path-style endpoint
type fakeS3 struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string]string
	types    map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{bodies: map[string]string{}, types: map[string]string{}}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	if r.Method == http.MethodPut {
		body, _ := io.ReadAll(r.Body)
		f.bodies[r.URL.Path] = string(body)
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
	}
	w.WriteHeader(http.StatusOK)
}

func TestS3Client_PutObject(t *testing.T) {
	fake := newFakeS3()
	server := httptest.NewServer(fake)
	defer server.Close()

	client, err := NewS3Client(context.Background(), config.ArchiveConfig{
		Endpoint:     server.URL,
		Region:       "us-east-1",
		Bucket:       "warden-history",
		AccessKey:    "test",
		SecretKey:    "test",
		UsePathStyle: true,
	})
	require.NoError(t, err)

	err = client.PutObject(context.Background(), "history/42/archive.json", strings.NewReader(`[{"id":1}]`), "application/json")
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "HEAD /warden-history", fake.requests[0])
	assert.Contains(t, fake.requests, "PUT /warden-history/history/42/archive.json")
	assert.Contains(t, fake.bodies["/warden-history/history/42/archive.json"], `[{"id":1}]`)
	assert.Equal(t, "application/json", fake.types["/warden-history/history/42/archive.json"])
}

func TestNewS3Client_RequiresBucket(t *testing.T) {
	_, err := NewS3Client(context.Background(), config.ArchiveConfig{Region: "us-east-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3 bucket is required")
}

func TestIsBucketAlreadyExistsError(t *testing.T) {
	assert.True(t, isBucketAlreadyExistsError(errors.New("api error BucketAlreadyOwnedByYou: yours")))
	assert.True(t, isBucketAlreadyExistsError(errors.New("BucketAlreadyExists")))
	assert.False(t, isBucketAlreadyExistsError(errors.New("AccessDenied")))
	assert.False(t, isBucketAlreadyExistsError(nil))
}
