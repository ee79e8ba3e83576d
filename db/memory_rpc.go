package db

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// SupportsRPC reports whether the stage-tracking procedures are present.
func (m *Memory) SupportsRPC(ctx context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.rpcDisabled && !m.unavailable
}

// ExecuteRPC runs the in-process equivalent of the stage-tracking
// procedures. Unknown procedures surface as feature_missing, matching
// the server-side undefined-function signal.
func (m *Memory) ExecuteRPC(ctx context.Context, name string, params map[string]interface{}) ([]map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("execute_rpc"); err != nil {
		return nil, err
	}
	if m.rpcDisabled {
		return nil, &Error{Kind: KindFeatureMissing, Op: "execute_rpc", Err: fmt.Errorf("function %s does not exist", name)}
	}

	switch name {
	case "start_stage":
		return m.rpcStartStage(params)
	case "update_stage_progress":
		return m.rpcUpdateProgress(params)
	case "complete_stage":
		return m.rpcCompleteStage(params)
	case "fail_stage":
		return m.rpcFailStage(params)
	case "skip_stage":
		return m.rpcSkipStage(params)
	case "get_document_progress":
		return m.rpcDocumentProgress(params)
	case "get_current_stage":
		return m.rpcCurrentStage(params)
	case "can_start_stage":
		return m.rpcCanStartStage(params)
	default:
		return nil, &Error{Kind: KindFeatureMissing, Op: "execute_rpc", Err: fmt.Errorf("function %s does not exist", name)}
	}
}

func paramString(params map[string]interface{}, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func (m *Memory) rpcDocument(params map[string]interface{}) (*Document, error) {
	id := paramString(params, "p_document_id")
	doc, ok := m.documents[id]
	if !ok {
		return nil, notFound("execute_rpc")
	}
	return doc, nil
}

func stageEntry(doc *Document, stage string) map[string]interface{} {
	if doc.StageStatus == nil {
		doc.StageStatus = JSONB{}
	}
	if entry, ok := doc.StageStatus[stage].(map[string]interface{}); ok {
		return entry
	}
	entry := map[string]interface{}{"status": StageStatusPending, "progress_percent": float64(0)}
	doc.StageStatus[stage] = entry
	return entry
}

func (m *Memory) rpcStartStage(params map[string]interface{}) ([]map[string]interface{}, error) {
	doc, err := m.rpcDocument(params)
	if err != nil {
		return nil, err
	}
	stage := paramString(params, "p_stage_name")
	entry := stageEntry(doc, stage)
	entry["status"] = StageStatusProcessing
	entry["progress_percent"] = float64(0)
	entry["started_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	doc.ProcessingStatus = StatusInProgress
	doc.UpdatedAt = time.Now().UTC()
	return []map[string]interface{}{{"success": true}}, nil
}

func (m *Memory) rpcUpdateProgress(params map[string]interface{}) ([]map[string]interface{}, error) {
	doc, err := m.rpcDocument(params)
	if err != nil {
		return nil, err
	}
	stage := paramString(params, "p_stage_name")
	entry := stageEntry(doc, stage)
	if progress, ok := params["p_progress"].(float64); ok {
		entry["progress_percent"] = progress
	}
	if md, ok := params["p_metadata"].(map[string]interface{}); ok {
		entry["metadata"] = md
	}
	doc.UpdatedAt = time.Now().UTC()
	return []map[string]interface{}{{"success": true}}, nil
}

func (m *Memory) rpcCompleteStage(params map[string]interface{}) ([]map[string]interface{}, error) {
	doc, err := m.rpcDocument(params)
	if err != nil {
		return nil, err
	}
	stage := paramString(params, "p_stage_name")
	entry := stageEntry(doc, stage)
	entry["status"] = StageStatusCompleted
	entry["progress_percent"] = float64(100)
	entry["completed_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if md, ok := params["p_metadata"].(map[string]interface{}); ok {
		entry["metadata"] = md
	}
	doc.UpdatedAt = time.Now().UTC()
	return []map[string]interface{}{{"success": true}}, nil
}

func (m *Memory) rpcFailStage(params map[string]interface{}) ([]map[string]interface{}, error) {
	doc, err := m.rpcDocument(params)
	if err != nil {
		return nil, err
	}
	stage := paramString(params, "p_stage_name")
	entry := stageEntry(doc, stage)
	entry["status"] = StageStatusFailed
	entry["error"] = paramString(params, "p_error")
	if md, ok := params["p_metadata"].(map[string]interface{}); ok {
		entry["metadata"] = md
	}
	doc.UpdatedAt = time.Now().UTC()
	return []map[string]interface{}{{"success": true}}, nil
}

func (m *Memory) rpcSkipStage(params map[string]interface{}) ([]map[string]interface{}, error) {
	doc, err := m.rpcDocument(params)
	if err != nil {
		return nil, err
	}
	stage := paramString(params, "p_stage_name")
	entry := stageEntry(doc, stage)
	entry["status"] = StageStatusSkipped
	entry["completed_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if reason := paramString(params, "p_reason"); reason != "" {
		entry["skip_reason"] = reason
	}
	doc.UpdatedAt = time.Now().UTC()
	return []map[string]interface{}{{"success": true}}, nil
}

func (m *Memory) rpcDocumentProgress(params map[string]interface{}) ([]map[string]interface{}, error) {
	doc, err := m.rpcDocument(params)
	if err != nil {
		return nil, err
	}
	done := 0
	for _, stage := range canonicalStages {
		if entry, ok := doc.StageStatus[stage].(map[string]interface{}); ok {
			status, _ := entry["status"].(string)
			if status == StageStatusCompleted || status == StageStatusSkipped {
				done++
			}
		}
	}
	percent := float64(done) / float64(len(canonicalStages)) * 100
	return []map[string]interface{}{{"progress_percent": percent}}, nil
}

func (m *Memory) rpcCurrentStage(params map[string]interface{}) ([]map[string]interface{}, error) {
	doc, err := m.rpcDocument(params)
	if err != nil {
		return nil, err
	}
	for _, stage := range canonicalStages {
		if entry, ok := doc.StageStatus[stage].(map[string]interface{}); ok {
			if status, _ := entry["status"].(string); status == StageStatusProcessing {
				return []map[string]interface{}{{"stage_name": stage}}, nil
			}
		}
	}
	return []map[string]interface{}{{"stage_name": ""}}, nil
}

func (m *Memory) rpcCanStartStage(params map[string]interface{}) ([]map[string]interface{}, error) {
	doc, err := m.rpcDocument(params)
	if err != nil {
		return nil, err
	}
	target := paramString(params, "p_stage_name")
	can := true
	for _, stage := range canonicalStages {
		if stage == target {
			break
		}
		entry, ok := doc.StageStatus[stage].(map[string]interface{})
		if !ok {
			can = false
			break
		}
		status, _ := entry["status"].(string)
		if status != StageStatusCompleted && status != StageStatusSkipped {
			can = false
			break
		}
	}
	return []map[string]interface{}{{"can_start": can}}, nil
}

// PipelineAggregates computes pipeline counts from the document map.
func (m *Memory) PipelineAggregates(ctx context.Context) (*PipelineAggRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("pipeline_aggregates"); err != nil {
		return nil, err
	}
	row := &PipelineAggRow{}
	var totalSeconds float64
	cutoff := time.Now().UTC().Add(-time.Hour)
	for _, doc := range m.documents {
		row.TotalDocuments++
		switch doc.ProcessingStatus {
		case StatusPending:
			row.Pending++
		case StatusInProgress:
			row.InProgress++
		case StatusCompleted:
			row.Completed++
			totalSeconds += doc.UpdatedAt.Sub(doc.CreatedAt).Seconds()
			if doc.UpdatedAt.After(cutoff) {
				row.CompletedLastHour++
			}
		case StatusFailed:
			row.Failed++
		case StatusCancelled:
			row.Cancelled++
		}
	}
	if row.Completed > 0 {
		row.AvgProcessingSeconds = totalSeconds / float64(row.Completed)
	}
	return row, nil
}

// QueueAggregates groups queue entries by (task_type, status).
func (m *Memory) QueueAggregates(ctx context.Context) ([]QueueAggRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("queue_aggregates"); err != nil {
		return nil, err
	}
	type bucket struct {
		count int64
		wait  float64
	}
	buckets := map[string]*bucket{}
	now := time.Now().UTC()
	for _, entry := range m.queueEntries {
		key := entry.TaskType + "|" + entry.Status
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.count++
		if entry.StartedAt != nil {
			b.wait += entry.StartedAt.Sub(entry.ScheduledAt).Seconds()
		} else {
			b.wait += now.Sub(entry.ScheduledAt).Seconds()
		}
	}
	var rows []QueueAggRow
	for key, b := range buckets {
		var taskType, status string
		for i := 0; i < len(key); i++ {
			if key[i] == '|' {
				taskType, status = key[:i], key[i+1:]
				break
			}
		}
		rows = append(rows, QueueAggRow{
			TaskType:       taskType,
			Status:         status,
			Count:          b.count,
			AvgWaitSeconds: b.wait / float64(b.count),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TaskType != rows[j].TaskType {
			return rows[i].TaskType < rows[j].TaskType
		}
		return rows[i].Status < rows[j].Status
	})
	return rows, nil
}

// StageAggregates computes per-stage counts from document stage maps.
func (m *Memory) StageAggregates(ctx context.Context) ([]StageAggRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("stage_aggregates"); err != nil {
		return nil, err
	}
	type agg struct {
		row       StageAggRow
		durations float64
		samples   int64
	}
	aggs := map[string]*agg{}
	for _, doc := range m.documents {
		for stage, raw := range doc.StageStatus {
			entry, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			a, ok := aggs[stage]
			if !ok {
				a = &agg{row: StageAggRow{StageName: stage}}
				aggs[stage] = a
			}
			status, _ := entry["status"].(string)
			switch status {
			case StageStatusPending:
				a.row.Pending++
			case StageStatusProcessing:
				a.row.Processing++
			case StageStatusCompleted:
				a.row.Completed++
			case StageStatusFailed:
				a.row.Failed++
			case StageStatusSkipped:
				a.row.Skipped++
			}
			started, sok := entry["started_at"].(string)
			completed, cok := entry["completed_at"].(string)
			if sok && cok {
				st, serr := time.Parse(time.RFC3339Nano, started)
				ct, cerr := time.Parse(time.RFC3339Nano, completed)
				if serr == nil && cerr == nil && ct.After(st) {
					a.durations += ct.Sub(st).Seconds()
					a.samples++
				}
			}
		}
	}
	var rows []StageAggRow
	for _, a := range aggs {
		if a.samples > 0 {
			a.row.AvgDurationSeconds = a.durations / float64(a.samples)
		}
		rows = append(rows, a.row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StageName < rows[j].StageName })
	return rows, nil
}

// DuplicateDocumentCount counts dedup hits recorded on the queue.
func (m *Memory) DuplicateDocumentCount(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("duplicate_document_count"); err != nil {
		return 0, err
	}
	var count int64
	for _, entry := range m.queueEntries {
		if entry.Status == "duplicate" {
			count++
		}
	}
	return count, nil
}

// ValidationErrorCounts groups validation failures by stage.
func (m *Memory) ValidationErrorCounts(ctx context.Context) ([]ValidationErrorRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("validation_error_counts"); err != nil {
		return nil, err
	}
	counts := map[string]int64{}
	for _, rec := range m.errorRecords {
		if rec.Classification == "validation" {
			counts[rec.Stage]++
		}
	}
	var rows []ValidationErrorRow
	for stage, count := range counts {
		rows = append(rows, ValidationErrorRow{Stage: stage, Count: count})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Stage < rows[j].Stage })
	return rows, nil
}

// ProcessingBreakdown groups documents by declared type.
func (m *Memory) ProcessingBreakdown(ctx context.Context) ([]ProcessingBreakdownRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("processing_breakdown"); err != nil {
		return nil, err
	}
	counts := map[string]int64{}
	for _, doc := range m.documents {
		docType := doc.DocumentType
		if docType == "" {
			docType = "unknown"
		}
		counts[docType]++
	}
	var rows []ProcessingBreakdownRow
	for docType, count := range counts {
		rows = append(rows, ProcessingBreakdownRow{DocumentType: docType, Count: count})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].DocumentType < rows[j].DocumentType })
	return rows, nil
}
