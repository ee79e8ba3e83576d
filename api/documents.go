package api

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"krai.services/engine/db"
	"krai.services/engine/queue"
	"krai.services/engine/validation"
)

// SubmitResponse reports the outcome of a document submission.
type SubmitResponse struct {
	DocumentID string `json:"document_id"`
	FileHash   string `json:"file_hash"`
	Duplicate  bool   `json:"duplicate"`
	Status     string `json:"status"`
}

// handleSubmitDocument accepts a multipart PDF upload, dedups it by
// content hash, and hands the document to the pipeline. Duplicates are
// acknowledged without reprocessing.
func (s *Server) handleSubmitDocument(c echo.Context) error {
	ctx := c.Request().Context()

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field 'file' is required")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create upload dir: %w", err)
	}

	filename := validation.SanitizeFilename(fileHeader.Filename)
	localPath := filepath.Join(s.uploadDir, uuid.NewString()+"_"+filename)
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create upload file: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(dst, hasher), src)
	closeErr := dst.Close()
	if err != nil {
		os.Remove(localPath)
		return fmt.Errorf("failed to persist upload: %w", err)
	}
	if closeErr != nil {
		os.Remove(localPath)
		return fmt.Errorf("failed to persist upload: %w", closeErr)
	}
	fileHash := fmt.Sprintf("%x", hasher.Sum(nil))

	doc, created, err := s.deps.Port.CreateDocument(ctx, &db.Document{
		ID:               uuid.NewString(),
		Filename:         filename,
		FileSize:         size,
		FileHash:         fileHash,
		DocumentType:     c.FormValue("document_type"),
		Language:         c.FormValue("language"),
		Manufacturer:     c.FormValue("manufacturer"),
		ProcessingStatus: db.StatusPending,
		Metadata:         db.JSONB{"upload_path": localPath},
	})
	if err != nil {
		os.Remove(localPath)
		return fmt.Errorf("failed to create document: %w", err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"file_hash":   fileHash,
	})

	if !created {
		// Same content seen before; record the duplicate for the
		// data-quality metrics and stop here.
		os.Remove(localPath)
		entry := &db.QueueEntry{
			ID:          uuid.NewString(),
			DocumentID:  doc.ID,
			TaskType:    "document_processing",
			Status:      "duplicate",
			ScheduledAt: time.Now().UTC(),
		}
		if err := s.deps.Port.CreateQueueEntry(ctx, entry); err != nil {
			log.WithError(err).Warn("Failed to record duplicate submission")
		}
		log.Info("Duplicate document submission acknowledged")
		return c.JSON(http.StatusOK, envelope(SubmitResponse{
			DocumentID: doc.ID,
			FileHash:   fileHash,
			Duplicate:  true,
			Status:     doc.ProcessingStatus,
		}))
	}

	entry := &db.QueueEntry{
		ID:          uuid.NewString(),
		DocumentID:  doc.ID,
		TaskType:    "document_processing",
		Status:      "pending",
		ScheduledAt: time.Now().UTC(),
	}
	if err := s.deps.Port.CreateQueueEntry(ctx, entry); err != nil {
		log.WithError(err).Warn("Failed to record queue entry")
	}

	if err := s.dispatchDocument(doc, fileHash, filename); err != nil {
		log.WithError(err).Error("Failed to hand document to the pipeline")
		return fmt.Errorf("failed to enqueue document: %w", err)
	}

	log.Info("Document accepted")
	return c.JSON(http.StatusAccepted, envelope(SubmitResponse{
		DocumentID: doc.ID,
		FileHash:   fileHash,
		Duplicate:  false,
		Status:     doc.ProcessingStatus,
	}))
}

// dispatchDocument routes an accepted document to the pipeline, via the
// AMQP bridge when one is configured and directly otherwise.
func (s *Server) dispatchDocument(doc *db.Document, fileHash, filename string) error {
	if s.deps.Ingest != nil {
		return s.deps.Ingest.PublishAccepted(queue.DocumentAccepted{
			DocumentID: doc.ID,
			FileHash:   fileHash,
			Filename:   filename,
		})
	}
	if s.deps.Runner == nil {
		return fmt.Errorf("no pipeline runner configured")
	}

	go func() {
		if err := s.deps.Runner.ProcessDocument(context.Background(), doc.ID); err != nil {
			s.logger.WithError(err).WithField("document_id", doc.ID).Error("Document processing failed")
		}
	}()
	return nil
}

func (s *Server) handleGetDocument(c echo.Context) error {
	doc, err := s.deps.Port.GetDocument(c.Request().Context(), c.Param("id"))
	if err != nil {
		if db.IsNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return fmt.Errorf("failed to load document: %w", err)
	}
	return c.JSON(http.StatusOK, envelope(doc))
}

// ProgressResponse reports per-stage progress for one document.
type ProgressResponse struct {
	DocumentID   string      `json:"document_id"`
	Progress     float64     `json:"progress"`
	CurrentStage string      `json:"current_stage"`
	StageStatus  db.JSONB    `json:"stage_status"`
	Statistics   interface{} `json:"statistics,omitempty"`
	RetrievedAt  time.Time   `json:"retrieved_at"`
}

func (s *Server) handleGetProgress(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := s.deps.Port.GetDocument(ctx, id); err != nil {
		if db.IsNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return fmt.Errorf("failed to load document: %w", err)
	}

	progress, err := s.deps.Tracker.GetProgress(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read progress: %w", err)
	}
	current, err := s.deps.Tracker.GetCurrentStage(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read current stage: %w", err)
	}
	status, err := s.deps.Tracker.GetStageStatus(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read stage status: %w", err)
	}

	resp := ProgressResponse{
		DocumentID:   id,
		Progress:     progress,
		CurrentStage: current,
		StageStatus:  status,
		RetrievedAt:  time.Now().UTC(),
	}
	if stats, err := s.deps.Tracker.GetStatistics(ctx, id); err == nil && stats != nil {
		resp.Statistics = stats
	}
	return c.JSON(http.StatusOK, envelope(resp))
}
