package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krai.services/engine/db"
)

type fakeMetrics struct {
	values map[string]float64
}

func (f *fakeMetrics) MetricValue(ctx context.Context, key string) (float64, bool) {
	value, ok := f.values[key]
	return value, ok
}

type recordingSink struct {
	name string
	sent []struct {
		alert      *db.Alert
		recipients []string
	}
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Send(ctx context.Context, alert *db.Alert, recipients []string) error {
	r.sent = append(r.sent, struct {
		alert      *db.Alert
		recipients []string
	}{alert, recipients})
	return nil
}

func newTestService(t *testing.T, store *db.Memory, metrics MetricSource) (*Service, *RuleStore) {
	t.Helper()
	rules := NewRuleStore(store)
	require.NoError(t, rules.Seed(context.Background()))
	svc := NewService(store, rules, metrics)
	return svc, rules
}

// TestSeed tests that defaults land only in an empty table
func TestSeed(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	rules := NewRuleStore(store)
	require.NoError(t, rules.Seed(ctx))

	count, err := store.CountAlertRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(DefaultRules())), count)

	// A second seed over a populated table is a no-op, even after edits.
	require.NoError(t, store.DeleteAlertRule(ctx, "queue_overflow"))
	require.NoError(t, rules.Seed(ctx))
	count, err = store.CountAlertRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(DefaultRules())-1), count)
}

// TestEvaluateAlerts_BreachAndResolve tests the active-alert lifecycle
func TestEvaluateAlerts_BreachAndResolve(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	metrics := &fakeMetrics{values: map[string]float64{
		"pipeline.failure_rate":            0.4,
		"queue.pending":                    0,
		"hardware.cpu_percent":             10,
		"hardware.ram_percent":             10,
		"data_quality.duplicate_documents": 0,
		"data_quality.validation_errors":   0,
	}}
	svc, _ := newTestService(t, store, metrics)

	svc.EvaluateAlerts(ctx)
	alerts, err := store.ListAlerts(ctx, "", "", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "processing_failure_rate", alerts[0].AggregationKey)
	assert.Equal(t, SeverityHigh, alerts[0].Severity)

	// A persistent breach stays on the same alert row.
	svc.EvaluateAlerts(ctx)
	alerts, err = store.ListAlerts(ctx, "", "", 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	// Resolution closes the alert, so the next breach alerts again.
	metrics.values["pipeline.failure_rate"] = 0.1
	svc.EvaluateAlerts(ctx)
	metrics.values["pipeline.failure_rate"] = 0.5
	svc.EvaluateAlerts(ctx)
	alerts, err = store.ListAlerts(ctx, "", "", 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 2)

	resolved, err := store.ListAlerts(ctx, "", "resolved", 10)
	require.NoError(t, err)
	assert.Len(t, resolved, 1, "the cleared breach closed its alert")
}

// TestEvaluateAlerts_PersistingBreachAggregates tests that a breach
// spanning several cycles keeps incrementing the same alert row
func TestEvaluateAlerts_PersistingBreachAggregates(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	metrics := &fakeMetrics{values: map[string]float64{"hardware.cpu_percent": 99}}
	rules := NewRuleStore(store)
	require.NoError(t, rules.Seed(ctx))
	for _, name := range []string{"processing_failure_rate", "queue_overflow", "ram_usage_high", "duplicate_documents", "validation_error_spike"} {
		require.NoError(t, store.DeleteAlertRule(ctx, name))
	}
	svc := NewService(store, rules, metrics)
	base := time.Now().UTC()
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	for cycle := 0; cycle < 3; cycle++ {
		svc.EvaluateAlerts(ctx)
	}

	alerts, err := store.ListAlerts(ctx, "", "", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1, "persisting breach stays on one row")
	assert.Equal(t, 3, alerts[0].AggregationCount)
	assert.True(t, alerts[0].LastOccurrence.After(alerts[0].FirstOccurrence),
		"each cycle advances the last occurrence")
}

// TestEvaluateAlerts_RestartAdoptsOpenAlert tests that a fresh service
// aggregates onto a still-open alert instead of duplicating it
func TestEvaluateAlerts_RestartAdoptsOpenAlert(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	metrics := &fakeMetrics{values: map[string]float64{"hardware.cpu_percent": 99}}
	rules := NewRuleStore(store)
	require.NoError(t, rules.Seed(ctx))
	for _, name := range []string{"processing_failure_rate", "queue_overflow", "ram_usage_high", "duplicate_documents", "validation_error_spike"} {
		require.NoError(t, store.DeleteAlertRule(ctx, name))
	}

	first := NewService(store, rules, metrics)
	first.EvaluateAlerts(ctx)

	second := NewService(store, rules, metrics)
	second.EvaluateAlerts(ctx)

	alerts, err := store.ListAlerts(ctx, "", "", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1, "restart must not duplicate an open alert")
	assert.Equal(t, 2, alerts[0].AggregationCount)
}

// TestQueueAlert_Aggregation tests increment-or-insert by aggregation key
func TestQueueAlert_Aggregation(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	svc, _ := newTestService(t, store, nil)

	event := ErrorEvent{
		ErrorType: "permanent",
		Stage:     "classification",
		Severity:  SeverityHigh,
		Message:   "unsupported document layout",
	}

	first, err := svc.QueueAlert(ctx, event)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := svc.QueueAlert(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, first, second, "repeat inside the window aggregates")

	alert, err := store.GetAlert(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 2, alert.AggregationCount)
	assert.Equal(t, "stage_permanent_failures:permanent:classification", alert.AggregationKey)
}

// TestQueueAlert_NoMatch tests that unmatched events produce nothing
func TestQueueAlert_NoMatch(t *testing.T) {
	store := db.NewMemory()
	svc, _ := newTestService(t, store, nil)

	// Transient/low sits below the medium severity threshold.
	id, err := svc.QueueAlert(context.Background(), ErrorEvent{
		ErrorType: "transient",
		Stage:     "embedding",
		Severity:  SeverityLow,
	})
	require.NoError(t, err)
	assert.Empty(t, id)
}

// TestDispatchRecipients tests sink routing from rule configuration
func TestDispatchRecipients(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	rules := NewRuleStore(store)
	email := &recordingSink{name: "email"}
	slack := &recordingSink{name: "slack"}
	svc := NewService(store, rules, nil, email, slack)

	require.NoError(t, svc.AddRule(ctx, &db.AlertRule{
		RuleName:                 "storage_failures",
		Enabled:                  true,
		ErrorTypes:               db.StringList{"permanent"},
		Stages:                   db.StringList{"storage"},
		SeverityThreshold:        SeverityMedium,
		AggregationWindowMinutes: 15,
		EmailRecipients:          db.StringList{"ops@example.com"},
	}))

	id, err := svc.QueueAlert(ctx, ErrorEvent{
		ErrorType: "permanent",
		Stage:     "storage",
		Severity:  SeverityHigh,
		Message:   "bucket unreachable",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Len(t, email.sent, 1)
	assert.Equal(t, []string{"ops@example.com"}, email.sent[0].recipients)
	assert.Empty(t, slack.sent, "no webhooks configured on the rule")
}

// TestAcknowledgeClearsActive tests that ack releases threshold alerting
func TestAcknowledgeClearsActive(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	metrics := &fakeMetrics{values: map[string]float64{"hardware.cpu_percent": 99}}
	rules := NewRuleStore(store)
	require.NoError(t, rules.Seed(ctx))
	require.NoError(t, store.DeleteAlertRule(ctx, "processing_failure_rate"))
	require.NoError(t, store.DeleteAlertRule(ctx, "queue_overflow"))
	require.NoError(t, store.DeleteAlertRule(ctx, "ram_usage_high"))
	require.NoError(t, store.DeleteAlertRule(ctx, "duplicate_documents"))
	require.NoError(t, store.DeleteAlertRule(ctx, "validation_error_spike"))
	svc := NewService(store, rules, metrics)

	svc.EvaluateAlerts(ctx)
	alerts, err := store.ListAlerts(ctx, "", "", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	require.NoError(t, svc.Acknowledge(ctx, alerts[0].ID, "operator"))
	acked, err := store.GetAlert(ctx, alerts[0].ID)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	require.NotNil(t, acked.AcknowledgedBy)
	assert.Equal(t, "operator", *acked.AcknowledgedBy)

	// Released rule alerts again on the next pass.
	svc.EvaluateAlerts(ctx)
	alerts, err = store.ListAlerts(ctx, "", "", 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}

// TestSeverityAtLeast tests the ordering
func TestSeverityAtLeast(t *testing.T) {
	assert.True(t, SeverityAtLeast(SeverityCritical, SeverityHigh))
	assert.True(t, SeverityAtLeast(SeverityMedium, SeverityMedium))
	assert.False(t, SeverityAtLeast(SeverityLow, SeverityMedium))
	assert.False(t, SeverityAtLeast("bogus", SeverityInfo))
}

// TestRuleCache tests the 60 second cache and explicit invalidation
func TestRuleCache(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	rules := NewRuleStore(store)
	require.NoError(t, rules.Seed(ctx))

	before := rules.Enabled(ctx)
	require.NoError(t, store.UpsertAlertRule(ctx, &db.AlertRule{
		ID:       "extra",
		RuleName: "extra_rule",
		Enabled:  true,
	}))
	assert.Len(t, rules.Enabled(ctx), len(before), "cache hides the new rule")

	rules.Invalidate()
	assert.Len(t, rules.Enabled(ctx), len(before)+1)
}
