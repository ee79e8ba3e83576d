// Package tracker maintains per-document stage state through the
// store's stage procedures.
//
// When the procedures are missing (fresh install, migration not yet
// applied) the tracker degrades for its lifetime: mutators succeed as
// no-ops and procedure-backed queries return zero values, so the
// pipeline keeps processing documents while only losing visibility.
package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"krai.services/engine/common"
	"krai.services/engine/config"
	"krai.services/engine/db"
)

// Event types emitted on stage transitions.
const (
	EventStageStarted   = "stage_started"
	EventStageProgress  = "stage_progress"
	EventStageCompleted = "stage_completed"
	EventStageFailed    = "stage_failed"
	EventStageSkipped   = "stage_skipped"
)

// BroadcastFunc receives every stage transition. Implementations must
// not block; the realtime hub buffers internally.
type BroadcastFunc func(eventType, stageName, documentID, newStatus string)

// ProcessorName maps a stage name to the canonical processor name used
// in broadcast payloads and statistics.
func ProcessorName(stageName string) string {
	return stageName + "_processor"
}

// Store is the slice of the db port the tracker needs.
type Store interface {
	db.RPCCaller
	GetDocument(ctx context.Context, id string) (*db.Document, error)
}

// Statistics summarizes one document's stage states.
type Statistics struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Tracker drives the stage procedures and emits transition events.
type Tracker struct {
	store     Store
	broadcast BroadcastFunc
	logger    *logrus.Entry

	mu       sync.Mutex
	degraded bool
}

// NewTracker returns a tracker over the given store. broadcast may be
// nil when no realtime consumers exist.
func NewTracker(store Store, broadcast BroadcastFunc) *Tracker {
	return &Tracker{
		store:     store,
		broadcast: broadcast,
		logger:    common.ComponentLogger("tracker"),
	}
}

// Degraded reports whether the tracker has switched to no-op mode.
func (t *Tracker) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}

func (t *Tracker) degrade(procName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.degraded {
		t.degraded = true
		t.logger.WithField("procedure", procName).
			Warn("Stage procedures missing, tracking disabled for this run")
	}
}

// call invokes one procedure unless degraded. The bool reports whether
// the call was skipped or triggered degradation.
func (t *Tracker) call(ctx context.Context, name string, params map[string]interface{}) ([]map[string]interface{}, bool, error) {
	if t.Degraded() {
		return nil, true, nil
	}
	rows, err := t.store.ExecuteRPC(ctx, name, params)
	if err != nil {
		if db.IsFeatureMissing(err) {
			t.degrade(name)
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("failed to execute %s: %w", name, err)
	}
	return rows, false, nil
}

func (t *Tracker) emit(eventType, stageName, documentID, newStatus string) {
	if t.broadcast != nil {
		t.broadcast(eventType, stageName, documentID, newStatus)
	}
}

// StartStage marks a stage as processing.
func (t *Tracker) StartStage(ctx context.Context, documentID, stageName string) error {
	_, _, err := t.call(ctx, "start_stage", map[string]interface{}{
		"p_document_id": documentID,
		"p_stage_name":  stageName,
	})
	if err != nil {
		return err
	}
	t.emit(EventStageStarted, stageName, documentID, db.StageStatusProcessing)
	return nil
}

// UpdateProgress normalizes and stores stage progress. Fractions in
// (0,1] scale to percent and are annotated; values clamp to [0,100];
// nil coerces to zero with a warning.
func (t *Tracker) UpdateProgress(ctx context.Context, documentID, stageName string, progress *float64, metadata db.JSONB) error {
	value, scaled := normalizeProgress(progress)
	if progress == nil {
		t.logger.WithFields(logrus.Fields{
			"document_id": documentID,
			"stage":       stageName,
		}).Warn("Nil progress value coerced to 0")
	}
	if scaled {
		if metadata == nil {
			metadata = db.JSONB{}
		}
		metadata["progress_scale_adjusted"] = true
	}

	params := map[string]interface{}{
		"p_document_id": documentID,
		"p_stage_name":  stageName,
		"p_progress":    value,
	}
	if metadata != nil {
		params["p_metadata"] = map[string]interface{}(metadata)
	}
	_, _, err := t.call(ctx, "update_stage_progress", params)
	if err != nil {
		return err
	}
	t.emit(EventStageProgress, stageName, documentID, db.StageStatusProcessing)
	return nil
}

// CompleteStage marks a stage completed with optional metadata.
func (t *Tracker) CompleteStage(ctx context.Context, documentID, stageName string, metadata db.JSONB) error {
	params := map[string]interface{}{
		"p_document_id": documentID,
		"p_stage_name":  stageName,
	}
	if metadata != nil {
		params["p_metadata"] = map[string]interface{}(metadata)
	}
	_, _, err := t.call(ctx, "complete_stage", params)
	if err != nil {
		return err
	}
	t.emit(EventStageCompleted, stageName, documentID, db.StageStatusCompleted)
	return nil
}

// FailStage marks a stage failed with the error message.
func (t *Tracker) FailStage(ctx context.Context, documentID, stageName, stageErr string, metadata db.JSONB) error {
	params := map[string]interface{}{
		"p_document_id": documentID,
		"p_stage_name":  stageName,
		"p_error":       stageErr,
	}
	if metadata != nil {
		params["p_metadata"] = map[string]interface{}(metadata)
	}
	_, _, err := t.call(ctx, "fail_stage", params)
	if err != nil {
		return err
	}
	t.emit(EventStageFailed, stageName, documentID, db.StageStatusFailed)
	return nil
}

// SkipStage marks a stage skipped with a reason.
func (t *Tracker) SkipStage(ctx context.Context, documentID, stageName, reason string) error {
	_, _, err := t.call(ctx, "skip_stage", map[string]interface{}{
		"p_document_id": documentID,
		"p_stage_name":  stageName,
		"p_reason":      reason,
	})
	if err != nil {
		return err
	}
	t.emit(EventStageSkipped, stageName, documentID, db.StageStatusSkipped)
	return nil
}

// GetProgress returns overall document progress in percent. Zero when
// degraded.
func (t *Tracker) GetProgress(ctx context.Context, documentID string) (float64, error) {
	rows, skipped, err := t.call(ctx, "get_document_progress", map[string]interface{}{
		"p_document_id": documentID,
	})
	if err != nil || skipped || len(rows) == 0 {
		return 0, err
	}
	return toFloat(rows[0]["progress_percent"]), nil
}

// GetCurrentStage returns the stage currently processing, or "". Empty
// when degraded.
func (t *Tracker) GetCurrentStage(ctx context.Context, documentID string) (string, error) {
	rows, skipped, err := t.call(ctx, "get_current_stage", map[string]interface{}{
		"p_document_id": documentID,
	})
	if err != nil || skipped || len(rows) == 0 {
		return "", err
	}
	if name, ok := rows[0]["stage_name"].(string); ok {
		return name, nil
	}
	return "", nil
}

// CanStartStage reports whether all prerequisite stages are terminal.
// Permissive when degraded: the sequencer's canonical walk preserves
// order on its own, and a false here would stall every document.
func (t *Tracker) CanStartStage(ctx context.Context, documentID, stageName string) (bool, error) {
	rows, skipped, err := t.call(ctx, "can_start_stage", map[string]interface{}{
		"p_document_id": documentID,
		"p_stage_name":  stageName,
	})
	if err != nil {
		return false, err
	}
	if skipped {
		return true, nil
	}
	if len(rows) == 0 {
		return false, nil
	}
	return toBool(rows[0]["can_start"]), nil
}

// GetStageStatus returns the raw stage status map from the document
// record. This is a direct read and works without the procedures.
func (t *Tracker) GetStageStatus(ctx context.Context, documentID string) (db.JSONB, error) {
	doc, err := t.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read stage status: %w", err)
	}
	if doc.StageStatus == nil {
		return db.JSONB{}, nil
	}
	return doc.StageStatus, nil
}

// GetStatistics summarizes stage states for one document. Stages absent
// from the map count as pending.
func (t *Tracker) GetStatistics(ctx context.Context, documentID string) (*Statistics, error) {
	status, err := t.GetStageStatus(ctx, documentID)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{}
	for _, stage := range config.StageOrder() {
		stats.Total++
		entry, ok := status[stage].(map[string]interface{})
		if !ok {
			stats.Pending++
			continue
		}
		switch entry["status"] {
		case db.StageStatusProcessing:
			stats.Processing++
		case db.StageStatusCompleted:
			stats.Completed++
		case db.StageStatusFailed:
			stats.Failed++
		case db.StageStatusSkipped:
			stats.Skipped++
		default:
			stats.Pending++
		}
	}
	return stats, nil
}

// normalizeProgress maps fractions to percent and clamps to [0,100].
// The bool reports whether fraction scaling was applied.
func normalizeProgress(progress *float64) (float64, bool) {
	if progress == nil {
		return 0, false
	}
	value := *progress
	scaled := false
	if value > 0 && value <= 1 {
		value *= 100
		scaled = true
	}
	if value < 0 {
		value = 0
	}
	if value > 100 {
		value = 100
	}
	return value, scaled
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func toBool(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}
