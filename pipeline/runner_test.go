package pipeline

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
	"krai.services/engine/idempotency"
	"krai.services/engine/retry"
	"krai.services/engine/tracker"
)

// scriptedProcessor fails a configured number of times, then succeeds.
type scriptedProcessor struct {
	stage    string
	failures int
	err      error
	calls    atomic.Int32
	cleanups atomic.Int32
}

func (p *scriptedProcessor) Stage() string { return p.stage }

func (p *scriptedProcessor) Process(ctx context.Context, pctx *Context) (*Result, error) {
	call := p.calls.Add(1)
	if int(call) <= p.failures {
		return nil, p.err
	}
	return Ok(p.stage+"_processor", db.JSONB{"call": call}), nil
}

func (p *scriptedProcessor) Cleanup(ctx context.Context, pctx *Context) error {
	p.cleanups.Add(1)
	return nil
}

type recordingScheduler struct {
	jobs []retry.Job
}

func (s *recordingScheduler) ScheduleRetry(ctx context.Context, job retry.Job) error {
	s.jobs = append(s.jobs, job)
	return nil
}

func fastPolicy(maxRetries int) func(string) retry.Policy {
	return func(string) retry.Policy {
		return retry.Policy{MaxRetries: maxRetries, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	}
}

func newTestRunner(t *testing.T, store *db.Memory, scheduler retry.Scheduler, maxRetries int) *Runner {
	t.Helper()
	checker := idempotency.NewChecker(store)
	trk := tracker.NewTracker(store, nil)
	orch := retry.NewOrchestrator(fastPolicy(maxRetries), scheduler)
	return NewRunner(store, checker, trk, orch, nil, "test-1")
}

func seedDocument(t *testing.T, store *db.Memory) *db.Document {
	t.Helper()
	doc, created, err := store.CreateDocument(context.Background(), &db.Document{
		Filename:     "manual.pdf",
		FileHash:     "abc123",
		FileSize:     2048,
		DocumentType: "service_manual",
		Language:     "en",
	})
	require.NoError(t, err)
	require.True(t, created)
	return doc
}

func contextFor(doc *db.Document) *Context {
	return &Context{
		DocumentID: doc.ID,
		FilePath:   doc.StoragePath,
		FileHash:   doc.FileHash,
		FileSize:   doc.FileSize,
		Language:   doc.Language,
	}
}

// TestSafeProcess_HappyPath tests marker and tracker effects of a clean run
func TestSafeProcess_HappyPath(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	doc := seedDocument(t, store)
	runner := newTestRunner(t, store, nil, 3)
	proc := &scriptedProcessor{stage: config.StageEmbedding}

	result := runner.SafeProcess(ctx, proc, contextFor(doc))

	assert.True(t, result.Success)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "embedding_processor", result.Processor)
	assert.Greater(t, result.ProcessingTime, 0.0)
	assert.Regexp(t, `^req_[0-9a-f]{8}\.embedding\.retry_0$`, result.CorrelationID)

	marker, err := store.GetMarker(ctx, doc.ID, config.StageEmbedding)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, contextFor(doc).Fingerprint().Hash(), marker.DataHash)
	assert.Equal(t, "test-1", marker.Metadata["processor_version"])
}

// TestSafeProcess_SkipOnMatchingMarker tests zero-work reruns
func TestSafeProcess_SkipOnMatchingMarker(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	doc := seedDocument(t, store)
	runner := newTestRunner(t, store, nil, 3)
	proc := &scriptedProcessor{stage: config.StageEmbedding}

	first := runner.SafeProcess(ctx, proc, contextFor(doc))
	require.True(t, first.Success)
	require.Equal(t, int32(1), proc.calls.Load())

	second := runner.SafeProcess(ctx, proc, contextFor(doc))
	assert.True(t, second.Success)
	assert.Equal(t, StatusSkipped, second.Status)
	assert.Equal(t, true, second.Metadata["reused"])
	assert.Equal(t, int32(1), proc.calls.Load(), "process must not run again")
}

// TestSafeProcess_RerunOnHashChange tests stale-marker purge and cleanup hook
func TestSafeProcess_RerunOnHashChange(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	doc := seedDocument(t, store)
	runner := newTestRunner(t, store, nil, 3)
	proc := &scriptedProcessor{stage: config.StageEmbedding}

	first := runner.SafeProcess(ctx, proc, contextFor(doc))
	require.True(t, first.Success)

	changed := contextFor(doc)
	changed.FileHash = "different"
	second := runner.SafeProcess(ctx, proc, changed)

	assert.True(t, second.Success)
	assert.Equal(t, int32(2), proc.calls.Load())
	assert.Equal(t, int32(1), proc.cleanups.Load(), "cleanup runs before the rerun")

	marker, err := store.GetMarker(ctx, doc.ID, config.StageEmbedding)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, changed.Fingerprint().Hash(), marker.DataHash)
}

// TestSafeProcess_LockHeld tests that a held lock yields in_progress without running
func TestSafeProcess_LockHeld(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	doc := seedDocument(t, store)
	runner := newTestRunner(t, store, nil, 3)
	proc := &scriptedProcessor{stage: config.StageEmbedding}

	acquired, err := store.TryAdvisoryLock(ctx, LockKey(doc.ID, config.StageEmbedding))
	require.NoError(t, err)
	require.True(t, acquired)

	result := runner.SafeProcess(ctx, proc, contextFor(doc))
	assert.Equal(t, StatusInProgress, result.Status)
	assert.False(t, result.Success)
	assert.Equal(t, int32(0), proc.calls.Load())
}

// TestSafeProcess_SyncRetry tests scenario: one transient failure, sync retry succeeds
func TestSafeProcess_SyncRetry(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	doc := seedDocument(t, store)
	runner := newTestRunner(t, store, nil, 3)
	proc := &scriptedProcessor{
		stage:    config.StageEmbedding,
		failures: 1,
		err:      retry.Transient(errors.New("connection refused")),
	}

	result := runner.SafeProcess(ctx, proc, contextFor(doc))

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.RetryAttempt)
	assert.Equal(t, int32(2), proc.calls.Load())

	marker, err := store.GetMarker(ctx, doc.ID, config.StageEmbedding)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, float64(1), toFloat(marker.Metadata["retry_count"]))

	errs, err := store.ListErrors(ctx, doc.ID, 10)
	require.NoError(t, err)
	assert.Len(t, errs, 1)
}

// TestSafeProcess_AsyncEscalation tests scenario: second transient failure schedules a job
func TestSafeProcess_AsyncEscalation(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	doc := seedDocument(t, store)
	scheduler := &recordingScheduler{}
	runner := newTestRunner(t, store, scheduler, 3)
	proc := &scriptedProcessor{
		stage:    config.StageEmbedding,
		failures: 2,
		err:      retry.Transient(errors.New("connection reset")),
	}

	result := runner.SafeProcess(ctx, proc, contextFor(doc))

	assert.Equal(t, StatusInProgress, result.Status)
	require.Len(t, scheduler.jobs, 1)
	job := scheduler.jobs[0]
	assert.Equal(t, doc.ID, job.DocumentID)
	assert.Equal(t, config.StageEmbedding, job.Stage)
	assert.Equal(t, 2, job.Attempt)

	// The lock was released so the background attempt can take it.
	acquired, err := store.TryAdvisoryLock(ctx, LockKey(doc.ID, config.StageEmbedding))
	require.NoError(t, err)
	assert.True(t, acquired)
}

// TestSafeProcess_PermanentFailure tests no-retry terminal failure
func TestSafeProcess_PermanentFailure(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	doc := seedDocument(t, store)
	runner := newTestRunner(t, store, nil, 3)
	proc := &scriptedProcessor{
		stage:    config.StageClassification,
		failures: 10,
		err:      retry.Permanent(errors.New("unsupported document layout")),
	}

	var sunk []*db.ErrorRecord
	runner.SetErrorSink(func(ctx context.Context, rec *db.ErrorRecord) {
		sunk = append(sunk, rec)
	})

	result := runner.SafeProcess(ctx, proc, contextFor(doc))

	assert.False(t, result.Success)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, int32(1), proc.calls.Load(), "permanent errors never retry")
	assert.NotEmpty(t, result.ErrorID)

	marker, err := store.GetMarker(ctx, doc.ID, config.StageClassification)
	require.NoError(t, err)
	assert.Nil(t, marker)

	require.Len(t, sunk, 1)
	assert.Equal(t, "permanent", sunk[0].Classification)
}

// TestSafeProcess_RetriesExhausted tests the attempt ceiling
func TestSafeProcess_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	doc := seedDocument(t, store)
	runner := newTestRunner(t, store, nil, 1)
	proc := &scriptedProcessor{
		stage:    config.StageEmbedding,
		failures: 10,
		err:      retry.Transient(errors.New("timeout")),
	}

	result := runner.SafeProcess(ctx, proc, contextFor(doc))
	assert.False(t, result.Success)
	assert.Equal(t, StatusFailed, result.Status)
	// Initial attempt plus one sync retry.
	assert.Equal(t, int32(2), proc.calls.Load())
}

// TestSafeProcess_DegradedStoreRunsOnce tests the no-DB path
func TestSafeProcess_DegradedStoreRunsOnce(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	doc := seedDocument(t, store)
	runner := newTestRunner(t, store, nil, 3)
	proc := &scriptedProcessor{stage: config.StageEmbedding}

	store.SetUnavailable(true)
	result := runner.SafeProcess(ctx, proc, contextFor(doc))
	store.SetUnavailable(false)

	assert.True(t, result.Success)
	assert.Equal(t, int32(1), proc.calls.Load())

	marker, err := store.GetMarker(ctx, doc.ID, config.StageEmbedding)
	require.NoError(t, err)
	assert.Nil(t, marker, "degraded runs write no marker")
}

// TestSafeProcess_PanicIsFailure tests panic containment
func TestSafeProcess_PanicIsFailure(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	doc := seedDocument(t, store)
	runner := newTestRunner(t, store, nil, 0)

	proc := &panicProcessor{}
	result := runner.SafeProcess(ctx, proc, contextFor(doc))
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "stage panicked")
}

type panicProcessor struct{}

func (p *panicProcessor) Stage() string { return config.StageChunkPrep }

func (p *panicProcessor) Process(ctx context.Context, pctx *Context) (*Result, error) {
	panic("boom")
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return -1
}
