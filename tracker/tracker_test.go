package tracker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krai.services/engine/db"
)

type recordedEvent struct {
	eventType  string
	stageName  string
	documentID string
	newStatus  string
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) record(eventType, stageName, documentID, newStatus string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{eventType, stageName, documentID, newStatus})
}

func (r *eventRecorder) all() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedEvent(nil), r.events...)
}

func newTestDocument(t *testing.T, store *db.Memory) *db.Document {
	t.Helper()
	doc, _, err := store.CreateDocument(context.Background(), &db.Document{
		Filename: "manual.pdf",
		FileHash: "hash-" + t.Name(),
	})
	require.NoError(t, err)
	return doc
}

// TestTracker_StageLifecycle tests start/progress/complete through the store
func TestTracker_StageLifecycle(t *testing.T) {
	store := db.NewMemory()
	recorder := &eventRecorder{}
	tr := NewTracker(store, recorder.record)
	ctx := context.Background()
	doc := newTestDocument(t, store)

	require.NoError(t, tr.StartStage(ctx, doc.ID, "upload"))

	current, err := tr.GetCurrentStage(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "upload", current)

	progress := 0.5
	require.NoError(t, tr.UpdateProgress(ctx, doc.ID, "upload", &progress, nil))

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	entry := got.StageStatus["upload"].(map[string]interface{})
	assert.Equal(t, 50.0, entry["progress_percent"])

	require.NoError(t, tr.CompleteStage(ctx, doc.ID, "upload", db.JSONB{"pages": 12}))

	canStart, err := tr.CanStartStage(ctx, doc.ID, "text_extraction")
	require.NoError(t, err)
	assert.True(t, canStart)

	overall, err := tr.GetProgress(ctx, doc.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/15.0*100, overall, 0.01)

	events := recorder.all()
	require.Len(t, events, 3)
	assert.Equal(t, EventStageStarted, events[0].eventType)
	assert.Equal(t, db.StageStatusProcessing, events[0].newStatus)
	assert.Equal(t, EventStageProgress, events[1].eventType)
	assert.Equal(t, EventStageCompleted, events[2].eventType)
	assert.Equal(t, db.StageStatusCompleted, events[2].newStatus)
	for _, ev := range events {
		assert.Equal(t, doc.ID, ev.documentID)
		assert.Equal(t, "upload", ev.stageName)
	}
}

// TestTracker_FailAndSkip tests failure and skip transitions
func TestTracker_FailAndSkip(t *testing.T) {
	store := db.NewMemory()
	recorder := &eventRecorder{}
	tr := NewTracker(store, recorder.record)
	ctx := context.Background()
	doc := newTestDocument(t, store)

	require.NoError(t, tr.StartStage(ctx, doc.ID, "upload"))
	require.NoError(t, tr.FailStage(ctx, doc.ID, "upload", "disk full", nil))
	require.NoError(t, tr.SkipStage(ctx, doc.ID, "table_extraction", "no tables detected"))

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	failed := got.StageStatus["upload"].(map[string]interface{})
	assert.Equal(t, db.StageStatusFailed, failed["status"])
	assert.Equal(t, "disk full", failed["error"])
	skipped := got.StageStatus["table_extraction"].(map[string]interface{})
	assert.Equal(t, db.StageStatusSkipped, skipped["status"])

	events := recorder.all()
	require.Len(t, events, 3)
	assert.Equal(t, EventStageFailed, events[1].eventType)
	assert.Equal(t, EventStageSkipped, events[2].eventType)
}

// TestTracker_ProgressNormalization tests fraction scaling and clamping
func TestTracker_ProgressNormalization(t *testing.T) {
	tests := []struct {
		name       string
		progress   *float64
		want       float64
		wantScaled bool
	}{
		{name: "Nil", progress: nil, want: 0},
		{name: "Zero", progress: ptr(0.0), want: 0},
		{name: "Fraction", progress: ptr(0.75), want: 75, wantScaled: true},
		{name: "FractionBoundary", progress: ptr(1.0), want: 100, wantScaled: true},
		{name: "Percent", progress: ptr(75.0), want: 75},
		{name: "AbovePercent", progress: ptr(150.0), want: 100},
		{name: "Negative", progress: ptr(-5.0), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, scaled := normalizeProgress(tt.progress)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantScaled, scaled)
		})
	}
}

// TestTracker_FractionAnnotatesMetadata tests the scale-adjusted marker
func TestTracker_FractionAnnotatesMetadata(t *testing.T) {
	store := db.NewMemory()
	tr := NewTracker(store, nil)
	ctx := context.Background()
	doc := newTestDocument(t, store)

	require.NoError(t, tr.StartStage(ctx, doc.ID, "embedding"))
	progress := 0.4
	require.NoError(t, tr.UpdateProgress(ctx, doc.ID, "embedding", &progress, nil))

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	entry := got.StageStatus["embedding"].(map[string]interface{})
	assert.Equal(t, 40.0, entry["progress_percent"])
	md := entry["metadata"].(map[string]interface{})
	assert.Equal(t, true, md["progress_scale_adjusted"])
}

// TestTracker_Degradation tests no-op mode when procedures are missing
func TestTracker_Degradation(t *testing.T) {
	store := db.NewMemory()
	store.DisableRPC()
	recorder := &eventRecorder{}
	tr := NewTracker(store, recorder.record)
	ctx := context.Background()
	doc := newTestDocument(t, store)

	// First mutator detects the missing procedure and degrades.
	require.NoError(t, tr.StartStage(ctx, doc.ID, "upload"))
	assert.True(t, tr.Degraded())

	// Every later mutator succeeds without touching the store.
	require.NoError(t, tr.CompleteStage(ctx, doc.ID, "upload", nil))
	require.NoError(t, tr.FailStage(ctx, doc.ID, "upload", "x", nil))
	require.NoError(t, tr.SkipStage(ctx, doc.ID, "upload", "y"))

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, got.StageStatus)

	// Procedure-backed queries return zero values.
	progress, err := tr.GetProgress(ctx, doc.ID)
	require.NoError(t, err)
	assert.Zero(t, progress)

	current, err := tr.GetCurrentStage(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, current)

	// The prerequisite gate stays permissive so the walk continues.
	canStart, err := tr.CanStartStage(ctx, doc.ID, "search_indexing")
	require.NoError(t, err)
	assert.True(t, canStart)

	// Logical transitions still broadcast.
	assert.Len(t, recorder.all(), 4)
}

// TestTracker_Statistics tests per-stage counting
func TestTracker_Statistics(t *testing.T) {
	store := db.NewMemory()
	tr := NewTracker(store, nil)
	ctx := context.Background()
	doc := newTestDocument(t, store)

	require.NoError(t, tr.StartStage(ctx, doc.ID, "upload"))
	require.NoError(t, tr.CompleteStage(ctx, doc.ID, "upload", nil))
	require.NoError(t, tr.StartStage(ctx, doc.ID, "text_extraction"))
	require.NoError(t, tr.SkipStage(ctx, doc.ID, "table_extraction", "none found"))

	stats, err := tr.GetStatistics(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Processing)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 12, stats.Pending)
	assert.Zero(t, stats.Failed)
}

// TestProcessorName tests the stage to processor mapping
func TestProcessorName(t *testing.T) {
	assert.Equal(t, "upload_processor", ProcessorName("upload"))
	assert.Equal(t, "text_extraction_processor", ProcessorName("text_extraction"))
}

func ptr(f float64) *float64 { return &f }
