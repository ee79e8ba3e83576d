package db

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// PipelineAggregates reads the pipeline aggregate view.
func (p *Postgres) PipelineAggregates(ctx context.Context) (*PipelineAggRow, error) {
	var row PipelineAggRow
	query := fmt.Sprintf(`
		SELECT total_documents, pending, in_progress, completed, failed,
		       cancelled, avg_processing_seconds, completed_last_hour
		FROM %s_system.vw_pipeline_metrics_aggregated`, p.prefix)
	if err := p.db.WithContext(ctx).Raw(query).Scan(&row).Error; err != nil {
		return nil, wrapError("pipeline_aggregates", err)
	}
	return &row, nil
}

// QueueAggregates reads the queue aggregate view.
func (p *Postgres) QueueAggregates(ctx context.Context) ([]QueueAggRow, error) {
	var rows []QueueAggRow
	query := fmt.Sprintf(`
		SELECT task_type, status, count, avg_wait_seconds
		FROM %s_system.vw_queue_metrics_aggregated`, p.prefix)
	if err := p.db.WithContext(ctx).Raw(query).Scan(&rows).Error; err != nil {
		return nil, wrapError("queue_aggregates", err)
	}
	return rows, nil
}

// StageAggregates reads the stage aggregate view.
func (p *Postgres) StageAggregates(ctx context.Context) ([]StageAggRow, error) {
	var rows []StageAggRow
	query := fmt.Sprintf(`
		SELECT stage_name, pending, processing, completed, failed, skipped,
		       avg_duration_seconds
		FROM %s_system.vw_stage_metrics_aggregated`, p.prefix)
	if err := p.db.WithContext(ctx).Raw(query).Scan(&rows).Error; err != nil {
		return nil, wrapError("stage_aggregates", err)
	}
	return rows, nil
}

// DuplicateDocumentCount counts deduplicated resubmissions recorded on
// the processing queue.
func (p *Postgres) DuplicateDocumentCount(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaSystem, "processing_queue")).
		Where("status = ?", "duplicate").
		Count(&count).Error
	return count, wrapError("duplicate_document_count", err)
}

// ValidationErrorCounts groups validation failures by stage.
func (p *Postgres) ValidationErrorCounts(ctx context.Context) ([]ValidationErrorRow, error) {
	var rows []ValidationErrorRow
	query := fmt.Sprintf(`
		SELECT stage, COUNT(*) AS count
		FROM %s
		WHERE classification = 'validation'
		GROUP BY stage`, p.tbl(schemaSystem, "error_log"))
	if err := p.db.WithContext(ctx).Raw(query).Scan(&rows).Error; err != nil {
		return nil, wrapError("validation_error_counts", err)
	}
	return rows, nil
}

// ProcessingBreakdown groups documents by declared type.
func (p *Postgres) ProcessingBreakdown(ctx context.Context) ([]ProcessingBreakdownRow, error) {
	var rows []ProcessingBreakdownRow
	query := fmt.Sprintf(`
		SELECT COALESCE(NULLIF(document_type, ''), 'unknown') AS document_type,
		       COUNT(*) AS count
		FROM %s
		GROUP BY 1`, p.tbl(schemaCore, "documents"))
	if err := p.db.WithContext(ctx).Raw(query).Scan(&rows).Error; err != nil {
		return nil, wrapError("processing_breakdown", err)
	}
	return rows, nil
}

// TryAdvisoryLock acquires a session advisory lock keyed by the string.
// Each held lock pins a dedicated connection so the release runs on the
// same session.
func (p *Postgres) TryAdvisoryLock(ctx context.Context, key string) (bool, error) {
	p.lockMu.Lock()
	if _, held := p.lockConns[key]; held {
		p.lockMu.Unlock()
		return false, nil
	}
	p.lockMu.Unlock()

	conn, err := p.sqlDB.Conn(ctx)
	if err != nil {
		return false, wrapError("try_advisory_lock", err)
	}

	var acquired bool
	row := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", key)
	if err := row.Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, wrapError("try_advisory_lock", err)
	}
	if !acquired {
		_ = conn.Close()
		return false, nil
	}

	p.lockMu.Lock()
	if _, held := p.lockConns[key]; held {
		// another goroutine won the local race; release ours
		p.lockMu.Unlock()
		_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", key)
		_ = conn.Close()
		return false, nil
	}
	p.lockConns[key] = conn
	p.lockMu.Unlock()
	return true, nil
}

// AdvisoryUnlock releases a held lock. Unlocking a key that is not held
// is a no-op.
func (p *Postgres) AdvisoryUnlock(ctx context.Context, key string) error {
	p.lockMu.Lock()
	conn, held := p.lockConns[key]
	if held {
		delete(p.lockConns, key)
	}
	p.lockMu.Unlock()
	if !held {
		return nil
	}

	_, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", key)
	closeErr := conn.Close()
	if err != nil {
		return wrapError("advisory_unlock", err)
	}
	return wrapError("advisory_unlock", closeErr)
}

// SupportsRPC probes once for the stage-tracking procedures.
func (p *Postgres) SupportsRPC(ctx context.Context) bool {
	p.rpcOnce.Do(func() {
		probe := fmt.Sprintf("%s_system.start_stage", p.prefix)
		var present bool
		err := p.db.WithContext(ctx).
			Raw("SELECT to_regproc($1) IS NOT NULL", probe).
			Scan(&present).Error
		if err != nil {
			p.logger.WithError(err).Warn("RPC capability probe failed, assuming unsupported")
			p.rpcPresent = false
			return
		}
		p.rpcPresent = present
	})
	return p.rpcPresent
}

var rpcNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ExecuteRPC calls a stored procedure in the system schema using named
// argument notation. Parameter order is normalized for determinism.
func (p *Postgres) ExecuteRPC(ctx context.Context, name string, params map[string]interface{}) ([]map[string]interface{}, error) {
	if !rpcNamePattern.MatchString(name) {
		return nil, &Error{Kind: KindOther, Op: "execute_rpc", Err: fmt.Errorf("invalid procedure name %q", name)}
	}

	names := make([]string, 0, len(params))
	for k := range params {
		if !rpcNamePattern.MatchString(k) {
			return nil, &Error{Kind: KindOther, Op: "execute_rpc", Err: fmt.Errorf("invalid parameter name %q", k)}
		}
		names = append(names, k)
	}
	sort.Strings(names)

	var (
		placeholders strings.Builder
		args         []interface{}
	)
	for i, k := range names {
		if i > 0 {
			placeholders.WriteString(", ")
		}
		placeholders.WriteString(k)
		placeholders.WriteString(" => $")
		placeholders.WriteString(strconv.Itoa(i + 1))
		args = append(args, params[k])
	}

	query := fmt.Sprintf("SELECT * FROM %s_system.%s(%s)", p.prefix, name, placeholders.String())

	var rows []map[string]interface{}
	if err := p.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, wrapError("execute_rpc", err)
	}
	return rows, nil
}

// Query runs an ad-hoc read after placeholder normalization.
func (p *Postgres) Query(ctx context.Context, query string, params map[string]interface{}) ([]map[string]interface{}, error) {
	translated, args, err := TranslateQuery(query, params)
	if err != nil {
		return nil, &Error{Kind: KindOther, Op: "query", Err: err}
	}
	var rows []map[string]interface{}
	if err := p.db.WithContext(ctx).Raw(translated, args...).Scan(&rows).Error; err != nil {
		return nil, wrapError("query", err)
	}
	return rows, nil
}
