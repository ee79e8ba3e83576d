package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempPDF(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestEnsureBucket tests bucket creation only when missing
func TestEnsureBucket(t *testing.T) {
	ctx := context.Background()
	client := NewMockS3Client()
	store := NewDocumentStorageWithClient(client, "krai-documents")

	require.NoError(t, store.EnsureBucket(ctx))
	assert.True(t, client.CreateBucketCalled)
	assert.True(t, client.Buckets["krai-documents"])

	client.CreateBucketCalled = false
	require.NoError(t, store.EnsureBucket(ctx))
	assert.False(t, client.CreateBucketCalled, "existing bucket is left alone")
}

// TestPutAndExists tests the content-addressed store round trip
func TestPutAndExists(t *testing.T) {
	ctx := context.Background()
	client := NewMockS3Client()
	store := NewDocumentStorageWithClient(client, "krai-documents")

	key := "documents/abc123.pdf"
	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	path := writeTempPDF(t, "%PDF-1.7 body")
	require.NoError(t, store.Put(ctx, key, path))

	exists, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	obj := client.Objects[key]
	require.NotNil(t, obj)
	assert.Equal(t, "%PDF-1.7 body", obj.Content)
	assert.NotEmpty(t, obj.Metadata["md5"], "checksum rides along as metadata")
	assert.Equal(t, "krai-documents", client.LastBucket)
}

// TestPut_MissingFile tests the local read failure path
func TestPut_MissingFile(t *testing.T) {
	store := NewDocumentStorageWithClient(NewMockS3Client(), "krai-documents")
	err := store.Put(context.Background(), "documents/x.pdf", "/nonexistent/file.pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open")
}

// TestExists_BackendError tests that backend failures surface as errors
func TestExists_BackendError(t *testing.T) {
	client := NewMockS3Client()
	client.Err = errors.New("connection refused")
	store := NewDocumentStorageWithClient(client, "krai-documents")

	_, err := store.Exists(context.Background(), "documents/x.pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to probe")
}

// TestCalculateMD5 tests the checksum helper against a known digest
func TestCalculateMD5(t *testing.T) {
	path := writeTempPDF(t, "hello")
	sum, err := CalculateMD5(path)
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", sum)
}
