package db

import (
	"time"
)

// Processing status values for documents.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Stage status values inside a document's stage status map.
const (
	StageStatusPending    = "pending"
	StageStatusProcessing = "processing"
	StageStatusCompleted  = "completed"
	StageStatusFailed     = "failed"
	StageStatusSkipped    = "skipped"
)

// Embedding source types.
const (
	SourceTypeText  = "text"
	SourceTypeImage = "image"
	SourceTypeTable = "table"
	SourceTypeLink  = "link"
	SourceTypeVideo = "video"
)

// Document is the unit of work moving through the pipeline. Identity is
// immutable; status and stage map are mutated by the pipeline core only.
type Document struct {
	ID               string    `gorm:"type:uuid;primaryKey" json:"id"`
	Filename         string    `gorm:"not null" json:"filename"`
	FileSize         int64     `json:"file_size"`
	FileHash         string    `gorm:"uniqueIndex;not null" json:"file_hash"`
	DocumentType     string    `json:"document_type"`
	Language         string    `json:"language"`
	Manufacturer     string    `json:"manufacturer"`
	Model            string    `json:"model"`
	Series           string    `json:"series"`
	Version          string    `json:"version"`
	StoragePath      string    `json:"storage_path"`
	ProcessingStatus string    `gorm:"default:pending" json:"processing_status"`
	StageStatus      JSONB     `gorm:"type:jsonb" json:"stage_status"`
	Metadata         JSONB     `gorm:"type:jsonb" json:"metadata"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Manufacturer is a normalized vendor record.
type Manufacturer struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null" json:"name"`
	Metadata  JSONB     `gorm:"type:jsonb" json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

// Series groups products of one manufacturer.
type Series struct {
	ID             string    `gorm:"type:uuid;primaryKey" json:"id"`
	ManufacturerID string    `gorm:"type:uuid;uniqueIndex:idx_series_name;not null" json:"manufacturer_id"`
	Name           string    `gorm:"uniqueIndex:idx_series_name;not null" json:"name"`
	Metadata       JSONB     `gorm:"type:jsonb" json:"metadata"`
	CreatedAt      time.Time `json:"created_at"`
}

// Product is a concrete model within a series.
type Product struct {
	ID             string    `gorm:"type:uuid;primaryKey" json:"id"`
	ManufacturerID string    `gorm:"type:uuid;uniqueIndex:idx_product_name;not null" json:"manufacturer_id"`
	SeriesID       *string   `gorm:"type:uuid" json:"series_id,omitempty"`
	Name           string    `gorm:"uniqueIndex:idx_product_name;not null" json:"name"`
	Metadata       JSONB     `gorm:"type:jsonb" json:"metadata"`
	CreatedAt      time.Time `json:"created_at"`
}

// Chunk is a persisted text fragment of a document.
type Chunk struct {
	ID          string     `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID  string     `gorm:"type:uuid;uniqueIndex:idx_chunk_index;not null" json:"document_id"`
	ChunkIndex  int        `gorm:"uniqueIndex:idx_chunk_index;not null" json:"chunk_index"`
	Content     string     `json:"content"`
	PageStart   int        `json:"page_start"`
	PageEnd     int        `json:"page_end"`
	ChunkType   string     `json:"chunk_type"`
	SectionPath StringList `gorm:"type:jsonb" json:"section_path"`
	Metadata    JSONB      `gorm:"type:jsonb" json:"metadata"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Image is an extracted figure or photo with optional dedup hash.
type Image struct {
	ID          string    `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID  string    `gorm:"type:uuid;index;not null" json:"document_id"`
	PageNumber  int       `json:"page_number"`
	FileHash    string    `gorm:"index" json:"file_hash"`
	StorageKey  string    `json:"storage_key"`
	Caption     string    `json:"caption"`
	Description string    `json:"description"`
	Metadata    JSONB     `gorm:"type:jsonb" json:"metadata"`
	CreatedAt   time.Time `json:"created_at"`
}

// Link is an extracted hyperlink.
type Link struct {
	ID          string    `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID  string    `gorm:"type:uuid;index;not null" json:"document_id"`
	PageNumber  int       `json:"page_number"`
	URL         string    `gorm:"not null" json:"url"`
	Description string    `json:"description"`
	Metadata    JSONB     `gorm:"type:jsonb" json:"metadata"`
	CreatedAt   time.Time `json:"created_at"`
}

// Video is an extracted or referenced tutorial video.
type Video struct {
	ID          string    `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID  string    `gorm:"type:uuid;index;not null" json:"document_id"`
	PageNumber  int       `json:"page_number"`
	URL         string    `gorm:"not null" json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Metadata    JSONB     `gorm:"type:jsonb" json:"metadata"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableRecord is an extracted table with its cells serialized as JSON.
type TableRecord struct {
	ID         string    `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID string    `gorm:"type:uuid;index;not null" json:"document_id"`
	PageNumber int       `json:"page_number"`
	Caption    string    `json:"caption"`
	Content    JSONB     `gorm:"type:jsonb" json:"content"`
	Metadata   JSONB     `gorm:"type:jsonb" json:"metadata"`
	CreatedAt  time.Time `json:"created_at"`
}

// Embedding is a stored vector for any source record. The triple
// (source_id, source_type, model_name) is unique.
type Embedding struct {
	ID               string    `gorm:"type:uuid;primaryKey" json:"id"`
	SourceID         string    `gorm:"type:uuid;uniqueIndex:idx_embedding_source;not null" json:"source_id"`
	SourceType       string    `gorm:"uniqueIndex:idx_embedding_source;not null" json:"source_type"`
	DocumentID       string    `gorm:"type:uuid;index" json:"document_id"`
	Embedding        Vector    `gorm:"type:vector(768)" json:"embedding"`
	ModelName        string    `gorm:"uniqueIndex:idx_embedding_source;not null" json:"model_name"`
	EmbeddingContext string    `json:"embedding_context"`
	Metadata         JSONB     `gorm:"type:jsonb" json:"metadata"`
	CreatedAt        time.Time `json:"created_at"`
}

// EmbeddingMatch is one vector search hit.
type EmbeddingMatch struct {
	Embedding
	Similarity float64 `json:"similarity"`
}

// CompletionMarker records that a stage finished for a given data hash.
// At most one row per (document_id, stage_name).
type CompletionMarker struct {
	ID          string    `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID  string    `gorm:"type:uuid;uniqueIndex:idx_marker_stage;not null" json:"document_id"`
	StageName   string    `gorm:"uniqueIndex:idx_marker_stage;not null" json:"stage_name"`
	DataHash    string    `gorm:"not null" json:"data_hash"`
	Metadata    JSONB     `gorm:"type:jsonb" json:"metadata"`
	CompletedAt time.Time `json:"completed_at"`
}

// ErrorRecord is one classified processing error, keyed for tracing.
type ErrorRecord struct {
	ID              string    `gorm:"type:uuid;primaryKey" json:"error_id"`
	CorrelationID   string    `gorm:"index" json:"correlation_id"`
	Stage           string    `gorm:"index" json:"stage"`
	DocumentID      *string   `gorm:"type:uuid;index" json:"document_id,omitempty"`
	Classification  string    `json:"classification"`
	Message         string    `json:"message"`
	Stack           string    `json:"stack,omitempty"`
	RetryCount      int       `json:"retry_count"`
	FirstOccurrence time.Time `json:"first_occurrence"`
	LastOccurrence  time.Time `json:"last_occurrence"`
}

// ErrorCode is a manufacturer service code with its remedy.
type ErrorCode struct {
	ID           string    `gorm:"type:uuid;primaryKey" json:"id"`
	Manufacturer string    `gorm:"uniqueIndex:idx_error_code;not null" json:"manufacturer"`
	Code         string    `gorm:"uniqueIndex:idx_error_code;not null" json:"code"`
	Description  string    `json:"description"`
	Solution     string    `json:"solution"`
	Metadata     JSONB     `gorm:"type:jsonb" json:"metadata"`
	CreatedAt    time.Time `json:"created_at"`
}

// Part is a spare part referenced by service documentation.
type Part struct {
	ID           string    `gorm:"type:uuid;primaryKey" json:"id"`
	PartNumber   string    `gorm:"uniqueIndex:idx_part_number;not null" json:"part_number"`
	Manufacturer string    `gorm:"uniqueIndex:idx_part_number" json:"manufacturer"`
	Description  string    `json:"description"`
	Metadata     JSONB     `gorm:"type:jsonb" json:"metadata"`
	CreatedAt    time.Time `json:"created_at"`
}

// AlertRule configures one alerting condition.
type AlertRule struct {
	ID                       string     `gorm:"type:uuid;primaryKey" json:"id"`
	RuleName                 string     `gorm:"uniqueIndex;not null" json:"rule_name"`
	Enabled                  bool       `gorm:"default:true" json:"enabled"`
	ErrorTypes               StringList `gorm:"type:jsonb" json:"error_types"`
	Stages                   StringList `gorm:"type:jsonb" json:"stages"`
	SeverityThreshold        string     `json:"severity_threshold"`
	ThresholdValue           float64    `json:"threshold_value"`
	ThresholdOperator        string     `json:"threshold_operator"`
	MetricKey                string     `json:"metric_key"`
	ErrorCountThreshold      int        `json:"error_count_threshold"`
	TimeWindowMinutes        int        `json:"time_window_minutes"`
	AggregationWindowMinutes int        `json:"aggregation_window_minutes"`
	EmailRecipients          StringList `gorm:"type:jsonb" json:"email_recipients"`
	SlackWebhooks            StringList `gorm:"type:jsonb" json:"slack_webhooks"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// Alert is a triggered alert instance, aggregated by key.
type Alert struct {
	ID               string     `gorm:"type:uuid;primaryKey" json:"id"`
	AlertType        string     `json:"alert_type"`
	Severity         string     `gorm:"index" json:"severity"`
	Status           string     `gorm:"index;default:pending" json:"status"`
	Title            string     `json:"title"`
	Message          string     `json:"message"`
	Metadata         JSONB      `gorm:"type:jsonb" json:"metadata"`
	AggregationKey   string     `gorm:"index" json:"aggregation_key"`
	AggregationCount int        `gorm:"default:1" json:"aggregation_count"`
	FirstOccurrence  time.Time  `json:"first_occurrence"`
	LastOccurrence   time.Time  `json:"last_occurrence"`
	TriggeredAt      time.Time  `json:"triggered_at"`
	Acknowledged     bool       `json:"acknowledged"`
	AcknowledgedBy   *string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty"`
}

// PerformanceBaseline stores aggregate timings per stage and day.
// DB-query and API-endpoint baselines share the table via name prefixes.
type PerformanceBaseline struct {
	ID                    string     `gorm:"type:uuid;primaryKey" json:"id"`
	StageName             string     `gorm:"uniqueIndex:idx_baseline_date;not null" json:"stage_name"`
	MeasurementDate       time.Time  `gorm:"type:date;uniqueIndex:idx_baseline_date;not null" json:"measurement_date"`
	BaselineAvgSeconds    float64    `json:"baseline_avg_seconds"`
	BaselineP50Seconds    float64    `json:"baseline_p50_seconds"`
	BaselineP95Seconds    float64    `json:"baseline_p95_seconds"`
	BaselineP99Seconds    float64    `json:"baseline_p99_seconds"`
	CurrentAvgSeconds     float64    `json:"current_avg_seconds"`
	CurrentP50Seconds     float64    `json:"current_p50_seconds"`
	CurrentP95Seconds     float64    `json:"current_p95_seconds"`
	CurrentP99Seconds     float64    `json:"current_p99_seconds"`
	ImprovementPercentage float64    `json:"improvement_percentage"`
	TestDocumentIDs       StringList `gorm:"type:jsonb" json:"test_document_ids"`
	Notes                 string     `json:"notes"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// QueueEntry mirrors one row of the processing queue used for queue
// metrics and async retry bookkeeping.
type QueueEntry struct {
	ID          string     `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID  string     `gorm:"type:uuid;index" json:"document_id"`
	TaskType    string     `gorm:"index" json:"task_type"`
	Status      string     `gorm:"index;default:pending" json:"status"`
	Priority    int        `json:"priority"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
