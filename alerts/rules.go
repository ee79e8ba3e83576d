package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"krai.services/engine/common"
	"krai.services/engine/db"
)

// ruleCacheTTL bounds how long the enabled-rule list is served without
// a store read.
const ruleCacheTTL = 60 * time.Second

// DefaultRules returns the rule set seeded into an empty alert_rules
// table. The table stays the source of truth afterwards; edits never
// revert to these values.
func DefaultRules() []db.AlertRule {
	return []db.AlertRule{
		{
			RuleName:                 "processing_failure_rate",
			Enabled:                  true,
			MetricKey:                "pipeline.failure_rate",
			ThresholdOperator:        ">",
			ThresholdValue:           0.25,
			SeverityThreshold:        SeverityHigh,
			AggregationWindowMinutes: 30,
		},
		{
			RuleName:                 "queue_overflow",
			Enabled:                  true,
			MetricKey:                "queue.pending",
			ThresholdOperator:        ">",
			ThresholdValue:           100,
			SeverityThreshold:        SeverityMedium,
			AggregationWindowMinutes: 30,
		},
		{
			RuleName:                 "cpu_usage_high",
			Enabled:                  true,
			MetricKey:                "hardware.cpu_percent",
			ThresholdOperator:        ">",
			ThresholdValue:           90,
			SeverityThreshold:        SeverityHigh,
			AggregationWindowMinutes: 15,
		},
		{
			RuleName:                 "ram_usage_high",
			Enabled:                  true,
			MetricKey:                "hardware.ram_percent",
			ThresholdOperator:        ">",
			ThresholdValue:           90,
			SeverityThreshold:        SeverityHigh,
			AggregationWindowMinutes: 15,
		},
		{
			RuleName:                 "duplicate_documents",
			Enabled:                  true,
			MetricKey:                "data_quality.duplicate_documents",
			ThresholdOperator:        ">",
			ThresholdValue:           50,
			SeverityThreshold:        SeverityLow,
			AggregationWindowMinutes: 60,
		},
		{
			RuleName:                 "validation_error_spike",
			Enabled:                  true,
			MetricKey:                "data_quality.validation_errors",
			ThresholdOperator:        ">",
			ThresholdValue:           20,
			SeverityThreshold:        SeverityMedium,
			AggregationWindowMinutes: 60,
		},
		{
			RuleName:                 "stage_permanent_failures",
			Enabled:                  true,
			ErrorTypes:               db.StringList{"permanent"},
			SeverityThreshold:        SeverityMedium,
			ErrorCountThreshold:      1,
			TimeWindowMinutes:        15,
			AggregationWindowMinutes: 15,
		},
	}
}

// metricKeyFallback maps legacy rule names onto metric keys so rules
// created before metric_key existed keep evaluating.
var metricKeyFallback = map[string]string{
	"processing_failure_rate": "pipeline.failure_rate",
	"queue_overflow":          "queue.pending",
	"cpu_usage_high":          "hardware.cpu_percent",
	"ram_usage_high":          "hardware.ram_percent",
	"duplicate_documents":     "data_quality.duplicate_documents",
	"validation_error_spike":  "data_quality.validation_errors",
}

// RuleStore serves the enabled rule list from a short cache over the
// persistence layer.
type RuleStore struct {
	store db.AlertStore

	mu        sync.Mutex
	cached    []db.AlertRule
	fetchedAt time.Time

	logger *logrus.Entry
}

// NewRuleStore wraps the alert persistence segment.
func NewRuleStore(store db.AlertStore) *RuleStore {
	return &RuleStore{
		store:  store,
		logger: common.ComponentLogger("alerts"),
	}
}

// Seed inserts the default rules when the table is empty. A non-empty
// table is left untouched.
func (r *RuleStore) Seed(ctx context.Context) error {
	count, err := r.store.CountAlertRules(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for _, rule := range DefaultRules() {
		rule.ID = uuid.NewString()
		if err := r.store.UpsertAlertRule(ctx, &rule); err != nil {
			return err
		}
	}
	r.logger.WithField("rules", len(DefaultRules())).Info("Seeded default alert rules")
	r.Invalidate()
	return nil
}

// Enabled returns the enabled rules, served from cache within the TTL.
// On a store error the previous snapshot is reused.
func (r *RuleStore) Enabled(ctx context.Context) []db.AlertRule {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil && time.Since(r.fetchedAt) < ruleCacheTTL {
		return r.cached
	}
	rules, err := r.store.ListAlertRules(ctx, true)
	if err != nil {
		r.logger.WithError(err).Warn("Rule reload failed, serving stale rules")
		return r.cached
	}
	r.cached = rules
	r.fetchedAt = time.Now()
	return r.cached
}

// Invalidate drops the cached rule list; the next read hits the store.
func (r *RuleStore) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

// MetricKey returns the rule's metric key, falling back to the legacy
// name mapping. An empty result means the rule is stream-only.
func MetricKey(rule *db.AlertRule) string {
	if rule.MetricKey != "" {
		return rule.MetricKey
	}
	return metricKeyFallback[rule.RuleName]
}
