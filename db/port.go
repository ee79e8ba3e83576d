// Package db provides a unified interface for the engine's persistence layer.
//
// The Port interface abstracts store operations into domain-specific
// segments so components depend only on the concern they use:
//
//   - DocumentStore: document lifecycle and catalog records
//   - ContentStore: chunks, media, error codes, and parts
//   - EmbeddingStore: vector persistence and similarity search
//   - TrackingStore: completion markers, error records, and queue rows
//   - AlertStore: alert rules and alert instances
//   - BaselineStore: performance baselines
//   - MetricsReader: aggregate view reads for the metrics service
//   - LockManager: advisory locks gating concurrent stage runs
//   - RPCCaller: stored-procedure invocation with capability probing
//
// Two implementations exist: Postgres (production, gorm over pgx with
// pgvector and advisory locks) and Memory (tests and degraded mode).
// Both are safe for concurrent use. All methods return structured
// errors (see Error) distinguishing connection loss, constraint
// violations, absence, timeouts, and missing server-side features.
package db

import (
	"context"
	"time"
)

// DocumentStore manages documents and the normalized catalog records
// they reference.
//
// Deduplication:
//   - Documents dedup by content hash; CreateDocument returns the
//     existing record (created=false) when the hash is already known.
//   - Manufacturers dedup by name; series and products by (parent, name).
type DocumentStore interface {
	// CreateDocument inserts doc or returns the existing record with the
	// same content hash. The boolean reports whether a row was created.
	CreateDocument(ctx context.Context, doc *Document) (*Document, bool, error)
	GetDocument(ctx context.Context, id string) (*Document, error)
	GetDocumentByHash(ctx context.Context, fileHash string) (*Document, error)
	UpdateDocument(ctx context.Context, id string, updates map[string]interface{}) error
	ListDocuments(ctx context.Context, status string, limit int) ([]Document, error)

	GetOrCreateManufacturer(ctx context.Context, name string) (*Manufacturer, error)
	GetOrCreateSeries(ctx context.Context, manufacturerID, name string) (*Series, error)
	GetOrCreateProduct(ctx context.Context, manufacturerID string, seriesID *string, name string) (*Product, error)
}

// ContentStore manages per-document content records and reference data.
//
// Batched writes are transactional: CreateChunks either persists the
// whole batch or nothing.
type ContentStore interface {
	CreateChunks(ctx context.Context, chunks []Chunk) error
	GetChunk(ctx context.Context, documentID string, chunkIndex int) (*Chunk, error)
	ListChunks(ctx context.Context, documentID string) ([]Chunk, error)
	CountChunks(ctx context.Context, documentID string) (int64, error)

	// CreateImage dedups by file hash; returns the existing record and
	// created=false when the hash is already stored.
	CreateImage(ctx context.Context, img *Image) (*Image, bool, error)
	CountImages(ctx context.Context, documentID string) (int64, error)

	CreateLink(ctx context.Context, link *Link) error
	CountLinks(ctx context.Context, documentID string) (int64, error)
	CreateVideo(ctx context.Context, video *Video) error
	CreateTable(ctx context.Context, table *TableRecord) error

	UpsertErrorCode(ctx context.Context, code *ErrorCode) error
	FindErrorCode(ctx context.Context, manufacturer, code string) (*ErrorCode, error)
	SearchErrorCodes(ctx context.Context, query string, limit int) ([]ErrorCode, error)

	UpsertPart(ctx context.Context, part *Part) error
	FindPart(ctx context.Context, partNumber string) (*Part, error)
	SearchParts(ctx context.Context, query string, limit int) ([]Part, error)
}

// BatchOutcome reports the result of one item in a batched write.
type BatchOutcome struct {
	Index    int    `json:"index"`
	SourceID string `json:"source_id"`
	Created  bool   `json:"created"`
	Error    string `json:"error,omitempty"`
}

// EmbeddingStore manages vectors and similarity search.
//
// Uniqueness: (source_id, source_type, model_name). Upserts converge
// concurrent writers to a single row.
type EmbeddingStore interface {
	UpsertEmbedding(ctx context.Context, emb *Embedding) error

	// UpsertEmbeddings persists a batch with per-item outcomes so callers
	// can report partial success. It never fails the whole batch for a
	// single bad item.
	UpsertEmbeddings(ctx context.Context, embs []Embedding) ([]BatchOutcome, error)

	GetEmbedding(ctx context.Context, sourceID, sourceType, modelName string) (*Embedding, error)
	HasEmbedding(ctx context.Context, sourceID, sourceType string) (bool, error)

	// SearchEmbeddings returns up to limit rows ordered by descending
	// cosine similarity, filtered to similarity >= threshold.
	SearchEmbeddings(ctx context.Context, vector Vector, limit int, threshold float64) ([]EmbeddingMatch, error)
}

// TrackingStore manages completion markers, the error stream, and
// processing-queue rows.
type TrackingStore interface {
	// GetMarker returns (nil, nil) when no marker exists; absence is not
	// an error.
	GetMarker(ctx context.Context, documentID, stageName string) (*CompletionMarker, error)
	UpsertMarker(ctx context.Context, marker *CompletionMarker) error
	DeleteMarker(ctx context.Context, documentID, stageName string) error

	// RecordError inserts an error record. When the correlation id is
	// already present it updates retry_count, message, and
	// last_occurrence on the existing row instead.
	RecordError(ctx context.Context, rec *ErrorRecord) error
	ListErrors(ctx context.Context, documentID string, limit int) ([]ErrorRecord, error)

	CreateQueueEntry(ctx context.Context, entry *QueueEntry) error
	UpdateQueueEntry(ctx context.Context, id string, updates map[string]interface{}) error
}

// AlertStore manages alert rules and alert instances.
type AlertStore interface {
	ListAlertRules(ctx context.Context, onlyEnabled bool) ([]AlertRule, error)
	GetAlertRule(ctx context.Context, ruleName string) (*AlertRule, error)
	UpsertAlertRule(ctx context.Context, rule *AlertRule) error
	DeleteAlertRule(ctx context.Context, ruleName string) error
	CountAlertRules(ctx context.Context) (int64, error)

	CreateAlert(ctx context.Context, alert *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, error)

	// ActiveAlertByKey returns the newest open alert (neither
	// acknowledged nor resolved) with the aggregation key whose last
	// occurrence is at or after since. Returns (nil, nil) when none
	// is active.
	ActiveAlertByKey(ctx context.Context, aggregationKey string, since time.Time) (*Alert, error)
	IncrementAlertAggregation(ctx context.Context, id string, occurredAt time.Time) error
	// ResolveAlert closes an open alert once its breach clears.
	// Resolved alerts no longer aggregate.
	ResolveAlert(ctx context.Context, id string) error
	ListAlerts(ctx context.Context, severity, status string, limit int) ([]Alert, error)
	AcknowledgeAlert(ctx context.Context, id, user string) error
	DeleteAlert(ctx context.Context, id string) error
}

// BaselineStore persists performance baselines keyed by (name, date).
type BaselineStore interface {
	SaveBaseline(ctx context.Context, baseline *PerformanceBaseline) error
	LatestBaseline(ctx context.Context, stageName string) (*PerformanceBaseline, error)
	UpdateBaselineCurrent(ctx context.Context, stageName string, avg, p50, p95, p99, improvement float64) error
}

// PipelineAggRow is one row of the pipeline aggregate view.
type PipelineAggRow struct {
	TotalDocuments       int64   `json:"total_documents"`
	Pending              int64   `json:"pending"`
	InProgress           int64   `json:"in_progress"`
	Completed            int64   `json:"completed"`
	Failed               int64   `json:"failed"`
	Cancelled            int64   `json:"cancelled"`
	AvgProcessingSeconds float64 `json:"avg_processing_seconds"`
	CompletedLastHour    int64   `json:"completed_last_hour"`
}

// QueueAggRow is one (task_type, status) bucket of the queue view.
type QueueAggRow struct {
	TaskType       string  `json:"task_type"`
	Status         string  `json:"status"`
	Count          int64   `json:"count"`
	AvgWaitSeconds float64 `json:"avg_wait_seconds"`
}

// StageAggRow is one per-stage bucket of the stage view.
type StageAggRow struct {
	StageName          string  `json:"stage_name"`
	Pending            int64   `json:"pending"`
	Processing         int64   `json:"processing"`
	Completed          int64   `json:"completed"`
	Failed             int64   `json:"failed"`
	Skipped            int64   `json:"skipped"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

// ValidationErrorRow counts validation failures per stage.
type ValidationErrorRow struct {
	Stage string `json:"stage"`
	Count int64  `json:"count"`
}

// ProcessingBreakdownRow counts documents per declared type.
type ProcessingBreakdownRow struct {
	DocumentType string `json:"document_type"`
	Count        int64  `json:"count"`
}

// MetricsReader exposes the aggregate views backing the metrics service.
//
// Implementation: Postgres reads the vw_*_aggregated views; Memory
// computes equivalent aggregates from its maps.
type MetricsReader interface {
	PipelineAggregates(ctx context.Context) (*PipelineAggRow, error)
	QueueAggregates(ctx context.Context) ([]QueueAggRow, error)
	StageAggregates(ctx context.Context) ([]StageAggRow, error)
	DuplicateDocumentCount(ctx context.Context) (int64, error)
	ValidationErrorCounts(ctx context.Context) ([]ValidationErrorRow, error)
	ProcessingBreakdown(ctx context.Context) ([]ProcessingBreakdownRow, error)
}

// LockManager provides advisory locks keyed by arbitrary strings.
//
// Keys are hashed server-side; locks are held per session and released
// explicitly or on disconnect.
type LockManager interface {
	TryAdvisoryLock(ctx context.Context, key string) (bool, error)
	AdvisoryUnlock(ctx context.Context, key string) error
}

// RPCCaller invokes stored procedures by name.
//
// SupportsRPC is a cheap capability probe; a false result (or a
// feature_missing error from ExecuteRPC) tells callers to downgrade
// instead of failing the pipeline.
type RPCCaller interface {
	SupportsRPC(ctx context.Context) bool
	ExecuteRPC(ctx context.Context, name string, params map[string]interface{}) ([]map[string]interface{}, error)
}

// RawQuerier runs ad-hoc reads with placeholder normalization.
//
// Queries may use named :param or positional $N placeholders; the port
// translates to the backend dialect before execution.
type RawQuerier interface {
	Query(ctx context.Context, query string, params map[string]interface{}) ([]map[string]interface{}, error)
}

// Port is the single interface the pipeline core talks to.
type Port interface {
	DocumentStore
	ContentStore
	EmbeddingStore
	TrackingStore
	AlertStore
	BaselineStore
	MetricsReader
	LockManager
	RPCCaller
	RawQuerier

	Ping(ctx context.Context) error
	Close() error
}
