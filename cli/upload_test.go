package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func writePDF(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\n"+content), 0o644))
	return path
}

// submitHandler mimics the engine's document submit endpoint.
func submitHandler(calls *int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/documents" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		n := atomic.AddInt32(calls, 1)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]string{"document_id": fmt.Sprintf("doc-%d", n)},
		})
	})
}

// TestFindPDFs tests recursive discovery with extension filtering
func TestFindPDFs(t *testing.T) {
	dir := t.TempDir()
	writePDF(t, dir, "manual.pdf", "a")
	writePDF(t, dir, "MANUAL2.PDF", "b")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	writePDF(t, filepath.Join(dir, "nested"), "deep.pdf", "c")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	files, err := findPDFs(dir)
	require.NoError(t, err)
	assert.Len(t, files, 3)
}

// TestRunUpload tests the full batch with ledger-based dedup on re-run
func TestRunUpload(t *testing.T) {
	dir := t.TempDir()
	writePDF(t, dir, "first.pdf", "one")
	writePDF(t, dir, "second.pdf", "two")

	var calls int32
	ts := httptest.NewServer(submitHandler(&calls))
	defer ts.Close()

	ledgerPath := filepath.Join(t.TempDir(), "ledger.db")
	require.NoError(t, runUpload(dir, ts.URL, ledgerPath, "service_manual"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	ledger, err := bolt.Open(ledgerPath, 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	var entries int
	require.NoError(t, ledger.View(func(tx *bolt.Tx) error {
		entries = tx.Bucket(uploadBucket).Stats().KeyN
		return nil
	}))
	require.NoError(t, ledger.Close())
	assert.Equal(t, 2, entries)

	// A second run finds nothing new.
	require.NoError(t, runUpload(dir, ts.URL, ledgerPath, "service_manual"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	// New file, same run setup: only the new one is posted.
	writePDF(t, dir, "third.pdf", "three")
	require.NoError(t, runUpload(dir, ts.URL, ledgerPath, "service_manual"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

// TestRunUpload_ServerRejects tests the business failure exit path
func TestRunUpload_ServerRejects(t *testing.T) {
	dir := t.TempDir()
	writePDF(t, dir, "broken.pdf", "one")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"VALIDATION_FAILED"}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	err := runUpload(dir, ts.URL, filepath.Join(t.TempDir(), "ledger.db"), "")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
}

// TestRunUpload_BadDir tests the setup failure exit path
func TestRunUpload_BadDir(t *testing.T) {
	err := runUpload(filepath.Join(t.TempDir(), "missing"), "http://localhost:0", filepath.Join(t.TempDir(), "ledger.db"), "")
	require.Error(t, err)
	assert.Equal(t, ExitSetup, ExitCode(err))
}

// TestHashFile tests content hashing
func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	a := writePDF(t, dir, "a.pdf", "same")
	b := writePDF(t, dir, "b.pdf", "same")
	c := writePDF(t, dir, "c.pdf", "different")

	hashA, sizeA, err := hashFile(a)
	require.NoError(t, err)
	hashB, _, err := hashFile(b)
	require.NoError(t, err)
	hashC, _, err := hashFile(c)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB, "identical content hashes identically")
	assert.NotEqual(t, hashA, hashC)
	assert.Greater(t, sizeA, int64(0))
}
