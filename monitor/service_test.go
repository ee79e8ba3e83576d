package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krai.services/engine/config"
	"krai.services/engine/db"
)

type fakeHardware struct {
	reads   atomic.Int64
	metrics HardwareMetrics
	err     error
}

func (f *fakeHardware) Read(ctx context.Context) (*HardwareMetrics, error) {
	f.reads.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	snapshot := f.metrics
	return &snapshot, nil
}

func newTestService(t *testing.T, store *db.Memory, hardware HardwareReader) *Service {
	t.Helper()
	return NewService(store, hardware, config.MonitorConfig{
		CacheTTL:         5 * time.Second,
		HardwareCacheTTL: time.Second,
	})
}

func seedDocuments(t *testing.T, store *db.Memory) {
	t.Helper()
	ctx := context.Background()
	for i, status := range []string{db.StatusCompleted, db.StatusCompleted, db.StatusFailed, db.StatusPending} {
		doc, _, err := store.CreateDocument(ctx, &db.Document{
			Filename: "doc.pdf",
			FileHash: string(rune('a' + i)),
		})
		require.NoError(t, err)
		require.NoError(t, store.UpdateDocument(ctx, doc.ID, map[string]interface{}{
			"processing_status": status,
		}))
	}
}

// TestPipelineMetrics tests aggregate mapping and the success rate
func TestPipelineMetrics(t *testing.T) {
	store := db.NewMemory()
	seedDocuments(t, store)
	svc := newTestService(t, store, nil)

	metrics := svc.GetPipelineMetrics(context.Background())
	assert.Equal(t, int64(4), metrics.TotalDocuments)
	assert.Equal(t, int64(2), metrics.Completed)
	assert.Equal(t, int64(1), metrics.Failed)
	assert.Equal(t, int64(1), metrics.Pending)
	assert.InDelta(t, 2.0/3.0, metrics.SuccessRate, 0.0001)
}

// TestPipelineMetrics_CacheHit tests that a second read inside the TTL
// does not touch the store
func TestPipelineMetrics_CacheHit(t *testing.T) {
	store := db.NewMemory()
	seedDocuments(t, store)
	svc := newTestService(t, store, nil)

	first := svc.GetPipelineMetrics(context.Background())
	store.SetUnavailable(true)
	second := svc.GetPipelineMetrics(context.Background())
	assert.Equal(t, first, second, "cached snapshot served while store is down")
}

// TestPipelineMetrics_ZeroOnError tests graceful degradation
func TestPipelineMetrics_ZeroOnError(t *testing.T) {
	store := db.NewMemory()
	store.SetUnavailable(true)
	svc := newTestService(t, store, nil)

	metrics := svc.GetPipelineMetrics(context.Background())
	assert.Equal(t, &PipelineMetrics{}, metrics)
	assert.Equal(t, 0, svc.cache.len(), "errors are never cached")
}

// TestInvalidateCache tests per-key and global invalidation
func TestInvalidateCache(t *testing.T) {
	store := db.NewMemory()
	seedDocuments(t, store)
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	svc.GetPipelineMetrics(ctx)
	svc.GetQueueMetrics(ctx)
	require.Equal(t, 2, svc.cache.len())

	svc.InvalidateCache(KeyPipeline)
	assert.Equal(t, 1, svc.cache.len())

	svc.InvalidateCache("")
	assert.Equal(t, 0, svc.cache.len())
}

// TestQueueMetrics tests bucket rollups and the weighted wait average
func TestQueueMetrics(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	scheduled := time.Now().UTC().Add(-10 * time.Second)
	started := scheduled.Add(4 * time.Second)
	require.NoError(t, store.CreateQueueEntry(ctx, &db.QueueEntry{
		TaskType:    "document_processing",
		Status:      "completed",
		ScheduledAt: scheduled,
		StartedAt:   &started,
	}))
	require.NoError(t, store.CreateQueueEntry(ctx, &db.QueueEntry{
		TaskType:    "document_processing",
		Status:      "pending",
		ScheduledAt: time.Now().UTC(),
	}))

	svc := newTestService(t, store, nil)
	metrics := svc.GetQueueMetrics(ctx)
	assert.Equal(t, int64(1), metrics.CountsByStatus["pending"])
	assert.Equal(t, int64(1), metrics.CountsByStatus["completed"])
	assert.Equal(t, int64(2), metrics.CountsByType["document_processing"])
	assert.Greater(t, metrics.AvgWaitSeconds, 0.0)
}

// TestHardwareMetrics_ShortTTL tests the separate hardware cache window
func TestHardwareMetrics_ShortTTL(t *testing.T) {
	reader := &fakeHardware{metrics: HardwareMetrics{CPUPercent: 42.5, RAMPercent: 61}}
	svc := newTestService(t, db.NewMemory(), reader)
	ctx := context.Background()

	first := svc.GetHardwareMetrics(ctx)
	assert.InDelta(t, 42.5, first.CPUPercent, 0.0001)
	svc.GetHardwareMetrics(ctx)
	assert.Equal(t, int64(1), reader.reads.Load(), "second read served from cache")
}

// TestHardwareMetrics_ReaderError tests zero-valued fallback
func TestHardwareMetrics_ReaderError(t *testing.T) {
	reader := &fakeHardware{err: errors.New("sensors offline")}
	svc := newTestService(t, db.NewMemory(), reader)

	metrics := svc.GetHardwareMetrics(context.Background())
	assert.Equal(t, &HardwareMetrics{}, metrics)
}

// TestDataQualityMetrics tests dedup and validation rollups
func TestDataQualityMetrics(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	doc, _, err := store.CreateDocument(ctx, &db.Document{Filename: "m.pdf", FileHash: "dq-1", DocumentType: "service_manual"})
	require.NoError(t, err)
	require.NoError(t, store.CreateQueueEntry(ctx, &db.QueueEntry{
		TaskType:    "document_processing",
		Status:      "duplicate",
		ScheduledAt: time.Now().UTC(),
	}))
	require.NoError(t, store.RecordError(ctx, &db.ErrorRecord{
		ID:             "err-1",
		DocumentID:     &doc.ID,
		Stage:          "upload",
		Classification: "validation",
		CorrelationID:  "req_deadbeef.upload.retry_0",
		Message:        "unsupported extension",
	}))

	svc := newTestService(t, store, nil)
	metrics := svc.GetDataQualityMetrics(ctx)
	assert.Equal(t, int64(1), metrics.DuplicateDocuments)
	assert.Equal(t, int64(1), metrics.ValidationErrors["upload"])
	assert.Equal(t, int64(1), metrics.ProcessingBreakdown["service_manual"])
}

// TestMetricValue tests dotted key resolution for the alert evaluator
func TestMetricValue(t *testing.T) {
	store := db.NewMemory()
	seedDocuments(t, store)
	svc := newTestService(t, store, &fakeHardware{metrics: HardwareMetrics{CPUPercent: 90}})
	ctx := context.Background()

	failed, ok := svc.MetricValue(ctx, "pipeline.failed")
	require.True(t, ok)
	assert.Equal(t, 1.0, failed)

	cpu, ok := svc.MetricValue(ctx, "hardware.cpu_percent")
	require.True(t, ok)
	assert.Equal(t, 90.0, cpu)

	_, ok = svc.MetricValue(ctx, "no.such.metric")
	assert.False(t, ok)
}

// TestCacheSweep tests that long-expired entries are purged
func TestCacheSweep(t *testing.T) {
	cache := newTTLCache()
	cache.set("stale", 1, -2*time.Minute)
	cache.set("fresh", 2, time.Minute)

	cache.sweep()
	assert.Equal(t, 1, cache.len())
	_, ok := cache.get("fresh")
	assert.True(t, ok)
}
