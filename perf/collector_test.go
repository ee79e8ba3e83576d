package perf

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krai.services/engine/db"
)

// TestAggregate_Empty tests the zero-sample rule
func TestAggregate_Empty(t *testing.T) {
	agg := Aggregate(nil)
	assert.Equal(t, Aggregates{}, agg)
}

// TestAggregate_SmallSample tests that p95/p99 collapse to max below 5 samples
func TestAggregate_SmallSample(t *testing.T) {
	agg := Aggregate([]float64{0.1, 0.3, 0.2})
	assert.Equal(t, 0.2, agg.Avg)
	assert.Equal(t, 0.2, agg.P50)
	assert.Equal(t, 0.3, agg.P95)
	assert.Equal(t, 0.3, agg.P99)
}

// TestAggregate_Ordering tests p50 <= p95 <= p99 across sample sizes
func TestAggregate_Ordering(t *testing.T) {
	for _, n := range []int{1, 4, 5, 20, 99, 100, 500} {
		samples := make([]float64, n)
		for i := range samples {
			samples[i] = float64(i%37) * 0.01
		}
		agg := Aggregate(samples)
		assert.GreaterOrEqual(t, agg.Avg, 0.0, "n=%d", n)
		assert.LessOrEqual(t, agg.P50, agg.P95, "n=%d", n)
		assert.LessOrEqual(t, agg.P95, agg.P99, "n=%d", n)
	}
}

// TestAggregate_LargeSample tests the 100-quantile path
func TestAggregate_LargeSample(t *testing.T) {
	samples := make([]float64, 200)
	for i := range samples {
		samples[i] = float64(i+1) / 100 // 0.01 .. 2.00
	}
	agg := Aggregate(samples)
	assert.InDelta(t, 1.005, agg.Avg, 0.001)
	assert.InDelta(t, 1.005, agg.P50, 0.01)
	assert.InDelta(t, 1.9, agg.P95, 0.05)
	assert.InDelta(t, 1.98, agg.P99, 0.05)
}

// TestCollector_FlushStage tests buffer drain with outcome counts
func TestCollector_FlushStage(t *testing.T) {
	c := NewCollector(db.NewMemory(), nil)

	c.RecordStage("embedding", 100*time.Millisecond, true)
	c.RecordStage("embedding", 200*time.Millisecond, true)
	c.RecordStage("embedding", 300*time.Millisecond, false)
	c.RecordStage("upload", 50*time.Millisecond, true)

	reports := c.FlushStage("embedding")
	require.Len(t, reports, 1)
	report := reports[0]
	assert.Equal(t, "embedding", report.Name)
	assert.Equal(t, 3, report.SampleCount)
	assert.Equal(t, 2, report.SuccessCount)
	assert.Equal(t, 1, report.FailureCount)
	assert.InDelta(t, 0.667, report.SuccessRate, 0.001)
	assert.InDelta(t, 0.2, report.Aggregates.Avg, 0.001)

	// Flushed buffers are empty; upload is untouched.
	again := c.FlushStage("embedding")
	require.Len(t, again, 1)
	assert.Equal(t, 0, again[0].SampleCount)

	remaining := c.FlushStage("")
	require.Len(t, remaining, 1)
	assert.Equal(t, "upload", remaining[0].Name)
}

// TestCollector_FlushQueriesAndAPIs tests the plain buffers
func TestCollector_FlushQueriesAndAPIs(t *testing.T) {
	c := NewCollector(db.NewMemory(), nil)

	c.RecordQuery("get_document", 5*time.Millisecond)
	c.RecordQuery("get_document", 15*time.Millisecond)
	c.RecordAPI("embedding_service", 900*time.Millisecond)

	queries := c.FlushQueries()
	require.Len(t, queries, 1)
	assert.Equal(t, "get_document", queries[0].Name)
	assert.Equal(t, 2, queries[0].SampleCount)

	apis := c.FlushAPIs()
	require.Len(t, apis, 1)
	assert.Equal(t, "embedding_service", apis[0].Name)

	assert.Empty(t, c.FlushQueries())
	assert.Empty(t, c.FlushAPIs())
}

// TestCollector_Baselines tests store, update, and improvement math
func TestCollector_Baselines(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	c := NewCollector(store, nil)

	baseline := Aggregates{Avg: 2.0, P50: 1.8, P95: 3.0, P99: 4.0}
	require.NoError(t, c.StoreBaseline(ctx, "embedding", baseline, []string{"doc-1"}, "initial run"))

	current := Aggregates{Avg: 1.0, P50: 0.9, P95: 1.5, P99: 2.0}
	require.NoError(t, c.UpdateCurrentMetrics(ctx, "embedding", current))

	row, err := store.LatestBaseline(ctx, "embedding")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 1.0, row.CurrentAvgSeconds)
	assert.InDelta(t, 50.0, row.ImprovementPercentage, 0.001)

	imp, err := c.CalculateImprovement(ctx, "embedding")
	require.NoError(t, err)
	assert.InDelta(t, 50.0, imp.Avg, 0.001)
	assert.InDelta(t, 50.0, imp.P50, 0.001)
	assert.InDelta(t, 50.0, imp.P95, 0.001)
	assert.InDelta(t, 50.0, imp.P99, 0.001)
	assert.InDelta(t, 50.0, imp.Overall, 0.001)
}

// TestCollector_BaselinePrefixes tests db__/api__ namespacing in the shared table
func TestCollector_BaselinePrefixes(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	c := NewCollector(store, nil)

	require.NoError(t, c.StoreBaseline(ctx, DBPrefix+"get_document", Aggregates{Avg: 0.01}, nil, ""))
	require.NoError(t, c.StoreBaseline(ctx, APIPrefix+"embedding_service", Aggregates{Avg: 0.8}, nil, ""))

	dbRow, err := store.LatestBaseline(ctx, DBPrefix+"get_document")
	require.NoError(t, err)
	require.NotNil(t, dbRow)

	apiRow, err := store.LatestBaseline(ctx, APIPrefix+"embedding_service")
	require.NoError(t, err)
	require.NotNil(t, apiRow)
	assert.NotEqual(t, dbRow.StageName, apiRow.StageName)
}

// TestCollector_UpdateWithoutBaseline tests the missing-baseline error
func TestCollector_UpdateWithoutBaseline(t *testing.T) {
	c := NewCollector(db.NewMemory(), nil)
	err := c.UpdateCurrentMetrics(context.Background(), "unknown_stage", Aggregates{})
	assert.Error(t, err)
}
