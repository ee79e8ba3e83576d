package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"krai.services/engine/common"
	"krai.services/engine/db"
	"krai.services/engine/idempotency"
	"krai.services/engine/retry"
	"krai.services/engine/tracker"
)

// ErrorSink receives every classified stage error, best-effort. The
// alert service registers here to drive stream-based aggregation.
type ErrorSink func(ctx context.Context, rec *db.ErrorRecord)

// MetricsSink receives stage timings, best-effort.
type MetricsSink interface {
	RecordStage(stage string, duration time.Duration, success bool)
}

// LockKey derives the advisory lock key for one (document, stage) pair.
func LockKey(documentID, stageName string) string {
	return fmt.Sprintf("stage:%s:%s", documentID, stageName)
}

// Runner wraps stage execution with idempotency, locking, retries, and
// metrics. One Runner serves all stages and documents.
type Runner struct {
	port         db.Port
	checker      *idempotency.Checker
	tracker      *tracker.Tracker
	orchestrator *retry.Orchestrator
	metrics      MetricsSink
	errorSink    ErrorSink
	version      string
	logger       *logrus.Entry
}

// NewRunner wires a runner. metrics and errorSink may be nil.
func NewRunner(port db.Port, checker *idempotency.Checker, trk *tracker.Tracker, orchestrator *retry.Orchestrator, metrics MetricsSink, version string) *Runner {
	return &Runner{
		port:         port,
		checker:      checker,
		tracker:      trk,
		orchestrator: orchestrator,
		metrics:      metrics,
		version:      version,
		logger:       common.ComponentLogger("pipeline"),
	}
}

// SetErrorSink registers the error-stream consumer.
func (r *Runner) SetErrorSink(sink ErrorSink) {
	r.errorSink = sink
}

// SafeProcess is the generic wrapper every stage call goes through.
//
// It ensures tracking identity, applies the completion-marker decision
// rule, serializes execution under the advisory lock, classifies
// failures into sync retry / async retry / terminal failure, and
// records markers and metrics on success.
//
// When the store is unreachable the stage runs once without locks,
// markers, or retries; the outcome still propagates.
func (r *Runner) SafeProcess(ctx context.Context, proc Processor, pctx *Context) *Result {
	stage := proc.Stage()
	start := time.Now()

	if pctx.RequestID == "" {
		pctx.RequestID = retry.NewRequestID()
	}
	pctx.CorrelationID = retry.CorrelationID(pctx.RequestID, stage, pctx.RetryAttempt)

	log := r.logger.WithFields(logrus.Fields{
		"document_id":    pctx.DocumentID,
		"stage":          stage,
		"correlation_id": pctx.CorrelationID,
	})

	currentHash := pctx.Fingerprint().Hash()

	marker, err := r.checker.Get(ctx, pctx.DocumentID, stage)
	if err != nil {
		if isUnreachable(err) {
			log.WithError(err).Warn("Store unreachable, running stage without coordination")
			return r.degradedRun(ctx, proc, pctx, start)
		}
		log.WithError(err).Warn("Marker read failed, treating stage as not yet run")
	}

	switch idempotency.Decide(marker, currentHash) {
	case idempotency.Skip:
		log.Debug("Marker matches input hash, skipping stage")
		return r.finish(&Result{
			Success:   true,
			Status:    StatusSkipped,
			Metadata:  db.JSONB{"reused": true, "data_hash": currentHash},
			Timestamp: time.Now().UTC(),
		}, proc, pctx, start)
	case idempotency.Rerun:
		log.Info("Input hash changed, purging stale marker")
		if err := r.checker.Delete(ctx, pctx.DocumentID, stage); err != nil {
			log.WithError(err).Warn("Failed to delete stale marker")
		}
		if cleaner, ok := proc.(CleanupProcessor); ok {
			if err := cleaner.Cleanup(ctx, pctx); err != nil {
				log.WithError(err).Warn("Stage cleanup failed, continuing with rerun")
			}
		}
	}

	lockKey := LockKey(pctx.DocumentID, stage)
	acquired, err := r.port.TryAdvisoryLock(ctx, lockKey)
	if err != nil {
		if isUnreachable(err) {
			log.WithError(err).Warn("Store unreachable, running stage without coordination")
			return r.degradedRun(ctx, proc, pctx, start)
		}
		return r.finish(failedResult(fmt.Errorf("failed to acquire stage lock: %w", err)), proc, pctx, start)
	}
	if !acquired {
		log.Info("Stage locked by another worker")
		return r.finish(&Result{
			Status:    StatusInProgress,
			Metadata:  db.JSONB{"reason": "lock_held"},
			Timestamp: time.Now().UTC(),
		}, proc, pctx, start)
	}

	locked := true
	unlock := func() {
		if locked {
			locked = false
			if err := r.port.AdvisoryUnlock(context.WithoutCancel(ctx), lockKey); err != nil {
				log.WithError(err).Warn("Failed to release stage lock")
			}
		}
	}
	defer unlock()

	if err := r.tracker.StartStage(ctx, pctx.DocumentID, stage); err != nil {
		log.WithError(err).Warn("Failed to mark stage started")
	}

	attempt := pctx.RetryAttempt
	for {
		result, procErr := r.invoke(ctx, proc, pctx)
		if procErr == nil && (result == nil || result.Success) {
			return r.complete(ctx, proc, pctx, result, currentHash, start, attempt, unlock)
		}

		failure := procErr
		if failure == nil {
			failure = errors.New(result.Error)
		}
		r.recordError(ctx, stage, pctx, failure, attempt)

		outcome, delay := r.orchestrator.Next(ctx, pctx.DocumentID, stage, pctx.RequestID, attempt, failure)
		switch outcome {
		case retry.OutcomeRetrySync:
			if err := sleep(ctx, delay); err != nil {
				r.failStage(ctx, stage, pctx, failure)
				unlock()
				return r.finish(failedResult(failure), proc, pctx, start)
			}
			attempt++
			pctx.RetryAttempt = attempt
			pctx.CorrelationID = retry.CorrelationID(pctx.RequestID, stage, attempt)

		case retry.OutcomeRetryAsync:
			// The background attempt re-acquires its own lock; holding
			// this one would make it see the stage as in progress.
			unlock()
			if r.metrics != nil {
				r.metrics.RecordStage(stage, time.Since(start), false)
			}
			return r.finish(&Result{
				Status:    StatusInProgress,
				Error:     failure.Error(),
				Metadata:  db.JSONB{"reason": "async_retry_scheduled", "next_attempt": attempt + 1},
				Timestamp: time.Now().UTC(),
			}, proc, pctx, start)

		default:
			r.failStage(ctx, stage, pctx, failure)
			unlock()
			if r.metrics != nil {
				r.metrics.RecordStage(stage, time.Since(start), false)
			}
			return r.finish(failedResult(failure), proc, pctx, start)
		}
	}
}

// invoke runs the stage's domain logic, converting panics to errors so
// one bad document cannot take down a worker.
func (r *Runner) invoke(ctx context.Context, proc Processor, pctx *Context) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("stage panicked: %v\n%s", rec, debug.Stack())
		}
	}()
	return proc.Process(ctx, pctx)
}

// complete records the marker, tracker transition, and metrics for a
// successful run, then normalizes the result.
func (r *Runner) complete(ctx context.Context, proc Processor, pctx *Context, result *Result, dataHash string, start time.Time, attempt int, unlock func()) *Result {
	stage := proc.Stage()
	elapsed := time.Since(start)

	markerMeta := db.JSONB{
		"processing_time":   elapsed.Seconds(),
		"retry_count":       attempt,
		"processor_version": r.version,
	}
	if err := r.checker.Upsert(ctx, pctx.DocumentID, stage, dataHash, markerMeta); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"document_id": pctx.DocumentID,
			"stage":       stage,
		}).Warn("Failed to write completion marker")
	}

	completeMeta := db.JSONB{"retry_count": attempt}
	if result != nil && result.Status == StatusPartialSuccess {
		completeMeta["partial_success"] = true
	}
	if err := r.tracker.CompleteStage(ctx, pctx.DocumentID, stage, completeMeta); err != nil {
		r.logger.WithError(err).Warn("Failed to mark stage completed")
	}

	unlock()

	if r.metrics != nil {
		r.metrics.RecordStage(stage, elapsed, true)
	}

	if result == nil {
		result = Ok(tracker.ProcessorName(stage), nil)
	}
	return r.finish(result, proc, pctx, start)
}

// failStage records the terminal failure on the tracker.
func (r *Runner) failStage(ctx context.Context, stage string, pctx *Context, failure error) {
	meta := db.JSONB{"retry_count": pctx.RetryAttempt}
	if pctx.ErrorID != "" {
		meta["error_id"] = pctx.ErrorID
	}
	if err := r.tracker.FailStage(ctx, pctx.DocumentID, stage, failure.Error(), meta); err != nil {
		r.logger.WithError(err).Warn("Failed to mark stage failed")
	}
}

// recordError persists one classified error record and notifies the
// error sink. Best-effort on both paths.
func (r *Runner) recordError(ctx context.Context, stage string, pctx *Context, failure error, attempt int) {
	now := time.Now().UTC()
	docID := pctx.DocumentID
	rec := &db.ErrorRecord{
		ID:              uuid.NewString(),
		CorrelationID:   pctx.CorrelationID,
		Stage:           stage,
		DocumentID:      &docID,
		Classification:  string(retry.Classify(failure)),
		Message:         failure.Error(),
		RetryCount:      attempt,
		FirstOccurrence: now,
		LastOccurrence:  now,
	}
	pctx.ErrorID = rec.ID

	if err := r.port.RecordError(ctx, rec); err != nil {
		r.logger.WithError(err).Warn("Failed to persist error record")
	}
	if r.errorSink != nil {
		r.errorSink(ctx, rec)
	}
}

// degradedRun executes the stage once without locks, markers, or
// retries.
func (r *Runner) degradedRun(ctx context.Context, proc Processor, pctx *Context, start time.Time) *Result {
	result, err := r.invoke(ctx, proc, pctx)
	if err != nil {
		return r.finish(failedResult(err), proc, pctx, start)
	}
	if result == nil {
		result = Ok(tracker.ProcessorName(proc.Stage()), nil)
	}
	return r.finish(result, proc, pctx, start)
}

// finish normalizes the result's bookkeeping fields.
func (r *Runner) finish(result *Result, proc Processor, pctx *Context, start time.Time) *Result {
	if result.Processor == "" {
		result.Processor = tracker.ProcessorName(proc.Stage())
	}
	if result.Status == "" {
		if result.Success {
			result.Status = StatusSuccess
		} else {
			result.Status = StatusFailed
		}
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}
	result.ProcessingTime = time.Since(start).Seconds()
	result.CorrelationID = pctx.CorrelationID
	result.RetryAttempt = pctx.RetryAttempt
	if result.ErrorID == "" {
		result.ErrorID = pctx.ErrorID
	}
	return result
}

func failedResult(err error) *Result {
	return &Result{
		Success:   false,
		Status:    StatusFailed,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	}
}

// isUnreachable reports whether a store error means the database is
// down, which switches the runner to its degraded one-shot path.
func isUnreachable(err error) bool {
	var storeErr *db.Error
	if errors.As(err, &storeErr) {
		return storeErr.Kind == db.KindConnectionLost
	}
	return false
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
