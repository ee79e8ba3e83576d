// Package pipeline executes the canonical stage sequence against
// documents. The Runner wraps every stage call with idempotency checks,
// advisory locking, retry orchestration, and metrics; the Sequencer
// walks the stage list per document and applies criticality policy.
package pipeline

import (
	"time"

	"krai.services/engine/db"
	"krai.services/engine/idempotency"
)

// Result statuses returned by stage runs.
const (
	StatusSuccess        = "success"
	StatusPartialSuccess = "partial_success"
	StatusSkipped        = "skipped"
	StatusFailed         = "failed"
	StatusInProgress     = "in_progress"
)

// PageText is the extracted text of one page.
type PageText struct {
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}

// ExtractedImage is an image found during extraction, before
// persistence.
type ExtractedImage struct {
	PageNumber int    `json:"page_number"`
	FileHash   string `json:"file_hash"`
	StorageKey string `json:"storage_key"`
	Caption    string `json:"caption"`
}

// ExtractedTable is a table found during extraction.
type ExtractedTable struct {
	PageNumber int                    `json:"page_number"`
	Caption    string                 `json:"caption"`
	Cells      map[string]interface{} `json:"cells"`
}

// ExtractedLink is a hyperlink found during extraction.
type ExtractedLink struct {
	PageNumber  int    `json:"page_number"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// ExtractedVideo is a referenced video found during extraction.
type ExtractedVideo struct {
	PageNumber int    `json:"page_number"`
	URL        string `json:"url"`
	Title      string `json:"title"`
}

// Context is the per-run value object threaded through stages. The
// sequencer produces it; stages read it and write only their declared
// outputs. Tracking fields are owned by the Runner.
type Context struct {
	DocumentID   string `json:"document_id"`
	FilePath     string `json:"file_path"`
	DocumentType string `json:"document_type"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Series       string `json:"series,omitempty"`
	Version      string `json:"version,omitempty"`
	Language     string `json:"language"`
	FileHash     string `json:"file_hash"`
	FileSize     int64  `json:"file_size"`

	// Intermediate stage outputs.
	PageTexts []PageText       `json:"page_texts,omitempty"`
	Images    []ExtractedImage `json:"images,omitempty"`
	Tables    []ExtractedTable `json:"tables,omitempty"`
	Links     []ExtractedLink  `json:"links,omitempty"`
	Videos    []ExtractedVideo `json:"videos,omitempty"`
	ChunkIDs  []string         `json:"chunk_ids,omitempty"`

	// Tracking fields, owned by the Runner.
	RequestID     string `json:"request_id"`
	CorrelationID string `json:"correlation_id"`
	RetryAttempt  int    `json:"retry_attempt"`
	ErrorID       string `json:"error_id,omitempty"`
}

// Fingerprint projects the hashed identity fields for idempotency.
func (c *Context) Fingerprint() idempotency.Fingerprint {
	return idempotency.Fingerprint{
		DocumentID:   c.DocumentID,
		FilePath:     c.FilePath,
		FileHash:     c.FileHash,
		FileSize:     c.FileSize,
		Manufacturer: c.Manufacturer,
		Model:        c.Model,
		Series:       c.Series,
		Version:      c.Version,
	}
}

// Result is the outcome of one stage run.
type Result struct {
	Success        bool      `json:"success"`
	Processor      string    `json:"processor"`
	Status         string    `json:"status"`
	Data           db.JSONB  `json:"data,omitempty"`
	Metadata       db.JSONB  `json:"metadata,omitempty"`
	Error          string    `json:"error,omitempty"`
	ProcessingTime float64   `json:"processing_time"`
	Timestamp      time.Time `json:"timestamp"`
	ErrorID        string    `json:"error_id,omitempty"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	RetryAttempt   int       `json:"retry_attempt"`
}

// Succeeded reports whether the run reached a successful terminal state,
// including partial batch success and idempotent skips.
func (r *Result) Succeeded() bool {
	return r.Success
}

// Ok returns a successful result with optional payload data.
func Ok(processor string, data db.JSONB) *Result {
	return &Result{
		Success:   true,
		Processor: processor,
		Status:    StatusSuccess,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Partial returns a partial-success result carrying per-item outcomes.
func Partial(processor string, outcomes []db.BatchOutcome, data db.JSONB) *Result {
	if data == nil {
		data = db.JSONB{}
	}
	data["outcomes"] = outcomes
	return &Result{
		Success:   true,
		Processor: processor,
		Status:    StatusPartialSuccess,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
