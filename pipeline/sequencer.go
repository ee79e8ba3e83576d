package pipeline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"krai.services/engine/common"
	"krai.services/engine/config"
	"krai.services/engine/db"
	"krai.services/engine/tracker"
)

// Sequencer drives the Runner across the canonical stage list for one
// document. Prerequisites come from the tracker; criticality from the
// per-stage policy table.
type Sequencer struct {
	port     db.Port
	runner   *Runner
	registry *Registry
	tracker  *tracker.Tracker
	cfg      config.PipelineConfig
	logger   *logrus.Entry
}

// NewSequencer wires a sequencer.
func NewSequencer(port db.Port, runner *Runner, registry *Registry, trk *tracker.Tracker, cfg config.PipelineConfig) *Sequencer {
	return &Sequencer{
		port:     port,
		runner:   runner,
		registry: registry,
		tracker:  trk,
		cfg:      cfg,
		logger:   common.ComponentLogger("sequencer"),
	}
}

// ProcessDocument walks the canonical stage list for one document.
//
// The walk stops without error when a stage reports in_progress (a
// background retry owns the document) and resumes from the completion
// markers when re-entered. Non-critical stage failures are recorded and
// skipped over; a critical failure marks the document failed.
func (s *Sequencer) ProcessDocument(ctx context.Context, documentID string) error {
	doc, err := s.port.GetDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to load document %s: %w", documentID, err)
	}

	log := s.logger.WithField("document_id", documentID)

	switch doc.ProcessingStatus {
	case db.StatusCancelled:
		log.Info("Document cancelled, not processing")
		return nil
	case db.StatusPending:
		if err := s.setStatus(ctx, documentID, db.StatusInProgress); err != nil {
			log.WithError(err).Warn("Failed to mark document in progress")
		}
	}

	pctx := s.contextFor(doc)

	for _, stage := range config.StageOrder() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cancelled, err := s.isCancelled(ctx, documentID); err != nil {
			return err
		} else if cancelled {
			log.WithField("stage", stage).Info("Document cancelled, stopping walk")
			return nil
		}

		proc := s.registry.Get(stage)
		if proc == nil {
			if err := s.tracker.SkipStage(ctx, documentID, stage, "no processor wired"); err != nil {
				log.WithError(err).WithField("stage", stage).Warn("Failed to record stage skip")
			}
			continue
		}

		canStart, err := s.tracker.CanStartStage(ctx, documentID, stage)
		if err != nil {
			return fmt.Errorf("prerequisite check failed for %s: %w", stage, err)
		}
		if !canStart {
			// Failed non-critical prerequisites count as terminal for the
			// walk; anything else pauses it.
			terminal, err := s.blockersAreNonCritical(ctx, documentID, stage)
			if err != nil {
				return err
			}
			if !terminal {
				log.WithField("stage", stage).Info("Prerequisites not terminal, pausing walk")
				return nil
			}
		}

		result := s.runStage(ctx, proc, pctx)
		switch result.Status {
		case StatusInProgress:
			log.WithField("stage", stage).Info("Stage in progress, pausing walk")
			return nil
		case StatusFailed:
			if s.cfg.PolicyFor(stage).Critical {
				if err := s.setStatus(ctx, documentID, db.StatusFailed); err != nil {
					log.WithError(err).Warn("Failed to mark document failed")
				}
				return fmt.Errorf("critical stage %s failed: %s", stage, result.Error)
			}
			log.WithFields(logrus.Fields{
				"stage": stage,
				"error": result.Error,
			}).Warn("Non-critical stage failed, continuing")
		}
	}

	if cancelled, err := s.isCancelled(ctx, documentID); err == nil && !cancelled {
		if err := s.setStatus(ctx, documentID, db.StatusCompleted); err != nil {
			log.WithError(err).Warn("Failed to mark document completed")
		}
	}
	log.Info("Document walk finished")
	return nil
}

// ProcessDocuments runs many documents with bounded concurrency.
// Between documents no ordering is guaranteed.
func (s *Sequencer) ProcessDocuments(ctx context.Context, documentIDs []string) error {
	group, gctx := errgroup.WithContext(ctx)
	limit := s.cfg.MaxConcurrentDocuments
	if limit <= 0 {
		limit = 1
	}
	group.SetLimit(limit)

	for _, id := range documentIDs {
		group.Go(func() error {
			return s.ProcessDocument(gctx, id)
		})
	}
	return group.Wait()
}

// Resume re-enters the walk after a background retry completed a stage.
// Completion markers make all earlier stages skip.
func (s *Sequencer) Resume(ctx context.Context, documentID string) error {
	return s.ProcessDocument(ctx, documentID)
}

// RunStage executes a single named stage for a document, used by the
// retry worker. The bool reports whether the stage is wired.
func (s *Sequencer) RunStage(ctx context.Context, documentID, stage string, retryAttempt int, requestID string) (*Result, bool, error) {
	proc := s.registry.Get(stage)
	if proc == nil {
		return nil, false, nil
	}
	doc, err := s.port.GetDocument(ctx, documentID)
	if err != nil {
		return nil, true, fmt.Errorf("failed to load document %s: %w", documentID, err)
	}
	if doc.ProcessingStatus == db.StatusCancelled {
		return nil, true, nil
	}

	pctx := s.contextFor(doc)
	pctx.RetryAttempt = retryAttempt
	pctx.RequestID = requestID
	return s.runStage(ctx, proc, pctx), true, nil
}

func (s *Sequencer) runStage(ctx context.Context, proc Processor, pctx *Context) *Result {
	if s.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.StageTimeout)
		defer cancel()
	}
	return s.runner.SafeProcess(ctx, proc, pctx)
}

// blockersAreNonCritical reports whether every prerequisite of stage
// that is not completed or skipped is a failed non-critical stage.
func (s *Sequencer) blockersAreNonCritical(ctx context.Context, documentID, stage string) (bool, error) {
	status, err := s.tracker.GetStageStatus(ctx, documentID)
	if err != nil {
		return false, fmt.Errorf("failed to inspect prerequisites for %s: %w", stage, err)
	}
	for _, earlier := range config.StageOrder() {
		if earlier == stage {
			break
		}
		entry, ok := status[earlier].(map[string]interface{})
		if !ok {
			return false, nil
		}
		state, _ := entry["status"].(string)
		switch state {
		case db.StageStatusCompleted, db.StageStatusSkipped:
		case db.StageStatusFailed:
			if s.cfg.PolicyFor(earlier).Critical {
				return false, nil
			}
		default:
			return false, nil
		}
	}
	return true, nil
}

func (s *Sequencer) isCancelled(ctx context.Context, documentID string) (bool, error) {
	doc, err := s.port.GetDocument(ctx, documentID)
	if err != nil {
		return false, fmt.Errorf("failed to check cancellation: %w", err)
	}
	return doc.ProcessingStatus == db.StatusCancelled, nil
}

func (s *Sequencer) setStatus(ctx context.Context, documentID, status string) error {
	return s.port.UpdateDocument(ctx, documentID, map[string]interface{}{
		"processing_status": status,
	})
}

// contextFor builds the per-run context from the document record.
func (s *Sequencer) contextFor(doc *db.Document) *Context {
	return &Context{
		DocumentID:   doc.ID,
		FilePath:     doc.StoragePath,
		DocumentType: doc.DocumentType,
		Manufacturer: doc.Manufacturer,
		Model:        doc.Model,
		Series:       doc.Series,
		Version:      doc.Version,
		Language:     doc.Language,
		FileHash:     doc.FileHash,
		FileSize:     doc.FileSize,
	}
}
