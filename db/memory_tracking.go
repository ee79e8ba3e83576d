package db

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

func embeddingKey(sourceID, sourceType, modelName string) string {
	return sourceID + ":" + sourceType + ":" + modelName
}

// UpsertEmbedding converges on (source_id, source_type, model_name).
func (m *Memory) UpsertEmbedding(ctx context.Context, emb *Embedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("upsert_embedding"); err != nil {
		return err
	}
	stored := *emb
	key := embeddingKey(stored.SourceID, stored.SourceType, stored.ModelName)
	if existing, ok := m.embeddings[key]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.CreatedAt = time.Now().UTC()
	}
	vec := make(Vector, len(stored.Embedding))
	copy(vec, stored.Embedding)
	stored.Embedding = vec
	m.embeddings[key] = &stored
	emb.ID = stored.ID
	return nil
}

// UpsertEmbeddings persists a batch with per-item outcomes.
func (m *Memory) UpsertEmbeddings(ctx context.Context, embs []Embedding) ([]BatchOutcome, error) {
	outcomes := make([]BatchOutcome, 0, len(embs))
	for i := range embs {
		outcome := BatchOutcome{Index: i, SourceID: embs[i].SourceID}
		existed, err := m.HasEmbedding(ctx, embs[i].SourceID, embs[i].SourceType)
		if err != nil {
			outcome.Error = err.Error()
			outcomes = append(outcomes, outcome)
			continue
		}
		if err := m.UpsertEmbedding(ctx, &embs[i]); err != nil {
			outcome.Error = err.Error()
			outcomes = append(outcomes, outcome)
			continue
		}
		outcome.Created = !existed
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// GetEmbedding fetches one vector by its natural key.
func (m *Memory) GetEmbedding(ctx context.Context, sourceID, sourceType, modelName string) (*Embedding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("get_embedding"); err != nil {
		return nil, err
	}
	emb, ok := m.embeddings[embeddingKey(sourceID, sourceType, modelName)]
	if !ok {
		return nil, notFound("get_embedding")
	}
	out := *emb
	vec := make(Vector, len(emb.Embedding))
	copy(vec, emb.Embedding)
	out.Embedding = vec
	return &out, nil
}

// HasEmbedding reports whether any vector exists for the source.
func (m *Memory) HasEmbedding(ctx context.Context, sourceID, sourceType string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("has_embedding"); err != nil {
		return false, err
	}
	for _, emb := range m.embeddings {
		if emb.SourceID == sourceID && emb.SourceType == sourceType {
			return true, nil
		}
	}
	return false, nil
}

func cosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SearchEmbeddings computes cosine similarity in process, best-first.
func (m *Memory) SearchEmbeddings(ctx context.Context, vector Vector, limit int, threshold float64) ([]EmbeddingMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("search_embeddings"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	var matches []EmbeddingMatch
	for _, emb := range m.embeddings {
		sim := cosineSimilarity(vector, emb.Embedding)
		if sim < threshold {
			continue
		}
		out := *emb
		vec := make(Vector, len(emb.Embedding))
		copy(vec, emb.Embedding)
		out.Embedding = vec
		matches = append(matches, EmbeddingMatch{Embedding: out, Similarity: sim})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func markerKey(documentID, stageName string) string {
	return documentID + ":" + stageName
}

// GetMarker returns the completion marker or (nil, nil) when absent.
func (m *Memory) GetMarker(ctx context.Context, documentID, stageName string) (*CompletionMarker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("get_marker"); err != nil {
		return nil, err
	}
	marker, ok := m.markers[markerKey(documentID, stageName)]
	if !ok {
		return nil, nil
	}
	out := *marker
	out.Metadata = marker.Metadata.Clone()
	return &out, nil
}

// UpsertMarker converges concurrent completions onto one row.
func (m *Memory) UpsertMarker(ctx context.Context, marker *CompletionMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("upsert_marker"); err != nil {
		return err
	}
	stored := *marker
	stored.Metadata = marker.Metadata.Clone()
	key := markerKey(stored.DocumentID, stored.StageName)
	if existing, ok := m.markers[key]; ok {
		stored.ID = existing.ID
	} else if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CompletedAt.IsZero() {
		stored.CompletedAt = time.Now().UTC()
	}
	m.markers[key] = &stored
	marker.ID = stored.ID
	return nil
}

// DeleteMarker removes the marker; deleting a missing marker is a no-op.
func (m *Memory) DeleteMarker(ctx context.Context, documentID, stageName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete_marker"); err != nil {
		return err
	}
	delete(m.markers, markerKey(documentID, stageName))
	return nil
}

// RecordError inserts an error record or bumps the existing one for the
// same correlation id.
func (m *Memory) RecordError(ctx context.Context, rec *ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("record_error"); err != nil {
		return err
	}
	now := time.Now().UTC()
	if rec.CorrelationID != "" {
		for _, existing := range m.errorRecords {
			if existing.CorrelationID == rec.CorrelationID {
				existing.RetryCount = rec.RetryCount
				existing.Message = rec.Message
				existing.LastOccurrence = now
				return nil
			}
		}
	}
	stored := *rec
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.FirstOccurrence.IsZero() {
		stored.FirstOccurrence = now
	}
	if stored.LastOccurrence.IsZero() {
		stored.LastOccurrence = now
	}
	m.errorRecords[stored.ID] = &stored
	rec.ID = stored.ID
	return nil
}

// ListErrors returns a document's error records, newest first.
func (m *Memory) ListErrors(ctx context.Context, documentID string, limit int) ([]ErrorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("list_errors"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	var recs []ErrorRecord
	for _, rec := range m.errorRecords {
		if rec.DocumentID != nil && *rec.DocumentID == documentID {
			recs = append(recs, *rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].LastOccurrence.After(recs[j].LastOccurrence) })
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// CreateQueueEntry inserts a processing-queue row.
func (m *Memory) CreateQueueEntry(ctx context.Context, entry *QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("create_queue_entry"); err != nil {
		return err
	}
	stored := *entry
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = "pending"
	}
	now := time.Now().UTC()
	if stored.ScheduledAt.IsZero() {
		stored.ScheduledAt = now
	}
	stored.CreatedAt = now
	m.queueEntries[stored.ID] = &stored
	entry.ID = stored.ID
	return nil
}

// UpdateQueueEntry applies the given field updates.
func (m *Memory) UpdateQueueEntry(ctx context.Context, id string, updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("update_queue_entry"); err != nil {
		return err
	}
	entry, ok := m.queueEntries[id]
	if !ok {
		return notFound("update_queue_entry")
	}
	for key, val := range updates {
		switch key {
		case "status":
			if s, ok := val.(string); ok {
				entry.Status = s
			}
		case "started_at":
			if t, ok := val.(time.Time); ok {
				entry.StartedAt = &t
			}
		case "completed_at":
			if t, ok := val.(time.Time); ok {
				entry.CompletedAt = &t
			}
		case "priority":
			if n, ok := val.(int); ok {
				entry.Priority = n
			}
		}
	}
	return nil
}

// ListAlertRules returns rules, optionally only enabled ones.
func (m *Memory) ListAlertRules(ctx context.Context, onlyEnabled bool) ([]AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("list_alert_rules"); err != nil {
		return nil, err
	}
	var rules []AlertRule
	for _, rule := range m.alertRules {
		if onlyEnabled && !rule.Enabled {
			continue
		}
		rules = append(rules, *rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].RuleName < rules[j].RuleName })
	return rules, nil
}

// GetAlertRule fetches one rule by name.
func (m *Memory) GetAlertRule(ctx context.Context, ruleName string) (*AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("get_alert_rule"); err != nil {
		return nil, err
	}
	rule, ok := m.alertRules[ruleName]
	if !ok {
		return nil, notFound("get_alert_rule")
	}
	out := *rule
	return &out, nil
}

// UpsertAlertRule converges on rule_name.
func (m *Memory) UpsertAlertRule(ctx context.Context, rule *AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("upsert_alert_rule"); err != nil {
		return err
	}
	stored := *rule
	if existing, ok := m.alertRules[stored.RuleName]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UpdatedAt = time.Now().UTC()
	m.alertRules[stored.RuleName] = &stored
	rule.ID = stored.ID
	return nil
}

// DeleteAlertRule removes a rule by name.
func (m *Memory) DeleteAlertRule(ctx context.Context, ruleName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete_alert_rule"); err != nil {
		return err
	}
	if _, ok := m.alertRules[ruleName]; !ok {
		return notFound("delete_alert_rule")
	}
	delete(m.alertRules, ruleName)
	return nil
}

// CountAlertRules counts all rules.
func (m *Memory) CountAlertRules(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("count_alert_rules"); err != nil {
		return 0, err
	}
	return int64(len(m.alertRules)), nil
}

// CreateAlert inserts a new alert instance.
func (m *Memory) CreateAlert(ctx context.Context, alert *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("create_alert"); err != nil {
		return err
	}
	stored := *alert
	stored.Metadata = alert.Metadata.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if stored.TriggeredAt.IsZero() {
		stored.TriggeredAt = now
	}
	if stored.FirstOccurrence.IsZero() {
		stored.FirstOccurrence = now
	}
	if stored.LastOccurrence.IsZero() {
		stored.LastOccurrence = now
	}
	if stored.AggregationCount == 0 {
		stored.AggregationCount = 1
	}
	if stored.Status == "" {
		stored.Status = "pending"
	}
	m.alerts[stored.ID] = &stored
	alert.ID = stored.ID
	return nil
}

// GetAlert fetches one alert by id.
func (m *Memory) GetAlert(ctx context.Context, id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("get_alert"); err != nil {
		return nil, err
	}
	alert, ok := m.alerts[id]
	if !ok {
		return nil, notFound("get_alert")
	}
	out := *alert
	out.Metadata = alert.Metadata.Clone()
	return &out, nil
}

// ActiveAlertByKey returns the newest matching active alert or (nil, nil).
func (m *Memory) ActiveAlertByKey(ctx context.Context, aggregationKey string, since time.Time) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("active_alert_by_key"); err != nil {
		return nil, err
	}
	var best *Alert
	for _, alert := range m.alerts {
		if alert.AggregationKey != aggregationKey || alert.Acknowledged || alert.Status == "resolved" {
			continue
		}
		if alert.LastOccurrence.Before(since) {
			continue
		}
		if best == nil || alert.LastOccurrence.After(best.LastOccurrence) {
			best = alert
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	out.Metadata = best.Metadata.Clone()
	return &out, nil
}

// IncrementAlertAggregation bumps the aggregation counter.
func (m *Memory) IncrementAlertAggregation(ctx context.Context, id string, occurredAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("increment_alert"); err != nil {
		return err
	}
	alert, ok := m.alerts[id]
	if !ok {
		return notFound("increment_alert")
	}
	alert.AggregationCount++
	alert.LastOccurrence = occurredAt
	return nil
}

// ResolveAlert closes an open alert.
func (m *Memory) ResolveAlert(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("resolve_alert"); err != nil {
		return err
	}
	alert, ok := m.alerts[id]
	if !ok {
		return notFound("resolve_alert")
	}
	alert.Status = "resolved"
	return nil
}

// ListAlerts returns alerts filtered by severity and status, newest first.
func (m *Memory) ListAlerts(ctx context.Context, severity, status string, limit int) ([]Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("list_alerts"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var alerts []Alert
	for _, alert := range m.alerts {
		if severity != "" && alert.Severity != severity {
			continue
		}
		if status != "" && alert.Status != status {
			continue
		}
		out := *alert
		out.Metadata = alert.Metadata.Clone()
		alerts = append(alerts, out)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].TriggeredAt.After(alerts[j].TriggeredAt) })
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

// AcknowledgeAlert records the acknowledging user and timestamp.
func (m *Memory) AcknowledgeAlert(ctx context.Context, id, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("acknowledge_alert"); err != nil {
		return err
	}
	alert, ok := m.alerts[id]
	if !ok {
		return notFound("acknowledge_alert")
	}
	now := time.Now().UTC()
	alert.Acknowledged = true
	alert.AcknowledgedBy = &user
	alert.AcknowledgedAt = &now
	alert.Status = "acknowledged"
	return nil
}

// DeleteAlert removes an alert permanently.
func (m *Memory) DeleteAlert(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete_alert"); err != nil {
		return err
	}
	if _, ok := m.alerts[id]; !ok {
		return notFound("delete_alert")
	}
	delete(m.alerts, id)
	return nil
}

func baselineKey(stageName string, date time.Time) string {
	return stageName + ":" + date.Format("2006-01-02")
}

// SaveBaseline upserts a baseline keyed by (stage_name, measurement_date).
func (m *Memory) SaveBaseline(ctx context.Context, baseline *PerformanceBaseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("save_baseline"); err != nil {
		return err
	}
	stored := *baseline
	stored.MeasurementDate = stored.MeasurementDate.Truncate(24 * time.Hour)
	key := baselineKey(stored.StageName, stored.MeasurementDate)
	if existing, ok := m.baselines[key]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UpdatedAt = time.Now().UTC()
	m.baselines[key] = &stored
	baseline.ID = stored.ID
	return nil
}

// LatestBaseline returns the most recent baseline for a name.
func (m *Memory) LatestBaseline(ctx context.Context, stageName string) (*PerformanceBaseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("latest_baseline"); err != nil {
		return nil, err
	}
	var best *PerformanceBaseline
	for _, b := range m.baselines {
		if b.StageName != stageName {
			continue
		}
		if best == nil || b.MeasurementDate.After(best.MeasurementDate) {
			best = b
		}
	}
	if best == nil {
		return nil, notFound("latest_baseline")
	}
	out := *best
	return &out, nil
}

// UpdateBaselineCurrent writes current metrics into the newest baseline
// row for the name.
func (m *Memory) UpdateBaselineCurrent(ctx context.Context, stageName string, avg, p50, p95, p99, improvement float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("update_baseline_current"); err != nil {
		return err
	}
	var best *PerformanceBaseline
	for _, b := range m.baselines {
		if b.StageName != stageName {
			continue
		}
		if best == nil || b.MeasurementDate.After(best.MeasurementDate) {
			best = b
		}
	}
	if best == nil {
		return notFound("update_baseline_current")
	}
	best.CurrentAvgSeconds = avg
	best.CurrentP50Seconds = p50
	best.CurrentP95Seconds = p95
	best.CurrentP99Seconds = p99
	best.ImprovementPercentage = improvement
	best.UpdatedAt = time.Now().UTC()
	return nil
}

// TryAdvisoryLock acquires an in-process lock for the key.
func (m *Memory) TryAdvisoryLock(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("try_advisory_lock"); err != nil {
		return false, err
	}
	if m.locks[key] {
		return false, nil
	}
	m.locks[key] = true
	return true, nil
}

// AdvisoryUnlock releases the lock; releasing an unheld key is a no-op.
func (m *Memory) AdvisoryUnlock(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("advisory_unlock"); err != nil {
		return err
	}
	delete(m.locks, key)
	return nil
}

// Query is unsupported in memory; the raw surface is SQL-specific.
func (m *Memory) Query(ctx context.Context, query string, params map[string]interface{}) ([]map[string]interface{}, error) {
	return nil, &Error{Kind: KindFeatureMissing, Op: "query", Err: fmt.Errorf("raw queries unsupported by memory port")}
}
