package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetMarker returns the completion marker or (nil, nil) when absent.
func (p *Postgres) GetMarker(ctx context.Context, documentID, stageName string) (*CompletionMarker, error) {
	var marker CompletionMarker
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "stage_completions")).
		Where("document_id = ? AND stage_name = ?", documentID, stageName).
		First(&marker).Error
	if err != nil {
		if classify(err) == KindNotFound {
			return nil, nil
		}
		return nil, wrapError("get_marker", err)
	}
	return &marker, nil
}

// UpsertMarker converges concurrent completions onto one row.
func (p *Postgres) UpsertMarker(ctx context.Context, marker *CompletionMarker) error {
	if marker.ID == "" {
		marker.ID = uuid.NewString()
	}
	if marker.CompletedAt.IsZero() {
		marker.CompletedAt = time.Now().UTC()
	}
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "stage_completions")).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}, {Name: "stage_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"data_hash", "metadata", "completed_at"}),
		}).
		Create(marker).Error
	return wrapError("upsert_marker", err)
}

// DeleteMarker removes the marker; deleting a missing marker is a no-op.
func (p *Postgres) DeleteMarker(ctx context.Context, documentID, stageName string) error {
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "stage_completions")).
		Where("document_id = ? AND stage_name = ?", documentID, stageName).
		Delete(&CompletionMarker{}).Error
	return wrapError("delete_marker", err)
}

// RecordError inserts an error record or bumps the existing one for the
// same correlation id.
func (p *Postgres) RecordError(ctx context.Context, rec *ErrorRecord) error {
	table := p.tbl(schemaSystem, "error_log")
	now := time.Now().UTC()

	if rec.CorrelationID != "" {
		var existing ErrorRecord
		err := p.db.WithContext(ctx).Table(table).
			Where("correlation_id = ?", rec.CorrelationID).
			First(&existing).Error
		if err == nil {
			res := p.db.WithContext(ctx).Table(table).
				Where("id = ?", existing.ID).
				Updates(map[string]interface{}{
					"retry_count":     rec.RetryCount,
					"message":         rec.Message,
					"last_occurrence": now,
				})
			return wrapError("record_error", res.Error)
		}
		if classify(err) != KindNotFound {
			return wrapError("record_error", err)
		}
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.FirstOccurrence.IsZero() {
		rec.FirstOccurrence = now
	}
	if rec.LastOccurrence.IsZero() {
		rec.LastOccurrence = now
	}
	err := p.db.WithContext(ctx).Table(table).Create(rec).Error
	return wrapError("record_error", err)
}

// ListErrors returns a document's error records, newest first.
func (p *Postgres) ListErrors(ctx context.Context, documentID string, limit int) ([]ErrorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []ErrorRecord
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "error_log")).
		Where("document_id = ?", documentID).
		Order("last_occurrence DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, wrapError("list_errors", err)
	}
	return recs, nil
}

// CreateQueueEntry inserts a processing-queue row.
func (p *Postgres) CreateQueueEntry(ctx context.Context, entry *QueueEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = "pending"
	}
	if entry.ScheduledAt.IsZero() {
		entry.ScheduledAt = time.Now().UTC()
	}
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "processing_queue")).
		Create(entry).Error
	return wrapError("create_queue_entry", err)
}

// UpdateQueueEntry applies the given column updates.
func (p *Postgres) UpdateQueueEntry(ctx context.Context, id string, updates map[string]interface{}) error {
	res := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "processing_queue")).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return wrapError("update_queue_entry", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrapError("update_queue_entry", gorm.ErrRecordNotFound)
	}
	return nil
}

// ListAlertRules returns rules, optionally only enabled ones.
func (p *Postgres) ListAlertRules(ctx context.Context, onlyEnabled bool) ([]AlertRule, error) {
	q := p.db.WithContext(ctx).Table(p.tbl(schemaSystem, "alert_rules"))
	if onlyEnabled {
		q = q.Where("enabled = ?", true)
	}
	var rules []AlertRule
	if err := q.Order("rule_name ASC").Find(&rules).Error; err != nil {
		return nil, wrapError("list_alert_rules", err)
	}
	return rules, nil
}

// GetAlertRule fetches one rule by name.
func (p *Postgres) GetAlertRule(ctx context.Context, ruleName string) (*AlertRule, error) {
	var rule AlertRule
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "alert_rules")).
		Where("rule_name = ?", ruleName).
		First(&rule).Error
	if err != nil {
		return nil, wrapError("get_alert_rule", err)
	}
	return &rule, nil
}

// UpsertAlertRule converges on rule_name.
func (p *Postgres) UpsertAlertRule(ctx context.Context, rule *AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "alert_rules")).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "rule_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"enabled", "error_types", "stages", "severity_threshold",
				"threshold_value", "threshold_operator", "metric_key",
				"error_count_threshold", "time_window_minutes",
				"aggregation_window_minutes", "email_recipients",
				"slack_webhooks", "updated_at",
			}),
		}).
		Create(rule).Error
	return wrapError("upsert_alert_rule", err)
}

// DeleteAlertRule removes a rule by name.
func (p *Postgres) DeleteAlertRule(ctx context.Context, ruleName string) error {
	res := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "alert_rules")).
		Where("rule_name = ?", ruleName).
		Delete(&AlertRule{})
	if res.Error != nil {
		return wrapError("delete_alert_rule", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrapError("delete_alert_rule", gorm.ErrRecordNotFound)
	}
	return nil
}

// CountAlertRules counts all rules.
func (p *Postgres) CountAlertRules(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "alert_rules")).
		Count(&count).Error
	return count, wrapError("count_alert_rules", err)
}

// CreateAlert inserts a new alert instance.
func (p *Postgres) CreateAlert(ctx context.Context, alert *Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if alert.TriggeredAt.IsZero() {
		alert.TriggeredAt = now
	}
	if alert.FirstOccurrence.IsZero() {
		alert.FirstOccurrence = now
	}
	if alert.LastOccurrence.IsZero() {
		alert.LastOccurrence = now
	}
	if alert.AggregationCount == 0 {
		alert.AggregationCount = 1
	}
	if alert.Status == "" {
		alert.Status = "pending"
	}
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "alerts")).
		Create(alert).Error
	return wrapError("create_alert", err)
}

// GetAlert fetches one alert by id.
func (p *Postgres) GetAlert(ctx context.Context, id string) (*Alert, error) {
	var alert Alert
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "alerts")).
		Where("id = ?", id).
		First(&alert).Error
	if err != nil {
		return nil, wrapError("get_alert", err)
	}
	return &alert, nil
}

// ActiveAlertByKey returns the newest matching active alert or (nil, nil).
func (p *Postgres) ActiveAlertByKey(ctx context.Context, aggregationKey string, since time.Time) (*Alert, error) {
	var alert Alert
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "alerts")).
		Where("aggregation_key = ? AND acknowledged = ? AND status <> ? AND last_occurrence >= ?", aggregationKey, false, "resolved", since).
		Order("last_occurrence DESC").
		First(&alert).Error
	if err != nil {
		if classify(err) == KindNotFound {
			return nil, nil
		}
		return nil, wrapError("active_alert_by_key", err)
	}
	return &alert, nil
}

// IncrementAlertAggregation bumps the aggregation counter.
func (p *Postgres) IncrementAlertAggregation(ctx context.Context, id string, occurredAt time.Time) error {
	res := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "alerts")).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"aggregation_count": gorm.Expr("aggregation_count + 1"),
			"last_occurrence":   occurredAt,
		})
	if res.Error != nil {
		return wrapError("increment_alert", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrapError("increment_alert", gorm.ErrRecordNotFound)
	}
	return nil
}

// ResolveAlert closes an open alert.
func (p *Postgres) ResolveAlert(ctx context.Context, id string) error {
	res := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "alerts")).
		Where("id = ?", id).
		Update("status", "resolved")
	if res.Error != nil {
		return wrapError("resolve_alert", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrapError("resolve_alert", gorm.ErrRecordNotFound)
	}
	return nil
}

// ListAlerts returns alerts filtered by severity and status, newest first.
func (p *Postgres) ListAlerts(ctx context.Context, severity, status string, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	q := p.db.WithContext(ctx).Table(p.tbl(schemaSystem, "alerts"))
	if severity != "" {
		q = q.Where("severity = ?", severity)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var alerts []Alert
	err := q.Order("triggered_at DESC").Limit(limit).Find(&alerts).Error
	if err != nil {
		return nil, wrapError("list_alerts", err)
	}
	return alerts, nil
}

// AcknowledgeAlert records the acknowledging user and timestamp.
func (p *Postgres) AcknowledgeAlert(ctx context.Context, id, user string) error {
	now := time.Now().UTC()
	res := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "alerts")).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"acknowledged":    true,
			"acknowledged_by": user,
			"acknowledged_at": now,
			"status":          "acknowledged",
		})
	if res.Error != nil {
		return wrapError("acknowledge_alert", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrapError("acknowledge_alert", gorm.ErrRecordNotFound)
	}
	return nil
}

// DeleteAlert removes an alert permanently.
func (p *Postgres) DeleteAlert(ctx context.Context, id string) error {
	res := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "alerts")).
		Where("id = ?", id).
		Delete(&Alert{})
	if res.Error != nil {
		return wrapError("delete_alert", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrapError("delete_alert", gorm.ErrRecordNotFound)
	}
	return nil
}

// SaveBaseline upserts a baseline keyed by (stage_name, measurement_date).
func (p *Postgres) SaveBaseline(ctx context.Context, baseline *PerformanceBaseline) error {
	if baseline.ID == "" {
		baseline.ID = uuid.NewString()
	}
	baseline.MeasurementDate = baseline.MeasurementDate.Truncate(24 * time.Hour)
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "performance_baselines")).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "stage_name"}, {Name: "measurement_date"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"baseline_avg_seconds", "baseline_p50_seconds",
				"baseline_p95_seconds", "baseline_p99_seconds",
				"test_document_ids", "notes", "updated_at",
			}),
		}).
		Create(baseline).Error
	return wrapError("save_baseline", err)
}

// LatestBaseline returns the most recent baseline for a name.
func (p *Postgres) LatestBaseline(ctx context.Context, stageName string) (*PerformanceBaseline, error) {
	var baseline PerformanceBaseline
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "performance_baselines")).
		Where("stage_name = ?", stageName).
		Order("measurement_date DESC").
		First(&baseline).Error
	if err != nil {
		return nil, wrapError("latest_baseline", err)
	}
	return &baseline, nil
}

// UpdateBaselineCurrent writes current metrics into the newest baseline
// row for the name.
func (p *Postgres) UpdateBaselineCurrent(ctx context.Context, stageName string, avg, p50, p95, p99, improvement float64) error {
	latest, err := p.LatestBaseline(ctx, stageName)
	if err != nil {
		return err
	}
	res := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "performance_baselines")).
		Where("id = ?", latest.ID).
		Updates(map[string]interface{}{
			"current_avg_seconds":    avg,
			"current_p50_seconds":    p50,
			"current_p95_seconds":    p95,
			"current_p99_seconds":    p99,
			"improvement_percentage": improvement,
		})
	return wrapError("update_baseline_current", res.Error)
}
