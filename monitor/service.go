package monitor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"krai.services/engine/common"
	"krai.services/engine/config"
	"krai.services/engine/db"
)

// Cache keys for the metric families.
const (
	KeyPipeline    = "pipeline"
	KeyQueue       = "queue"
	KeyStages      = "stages"
	KeyHardware    = "hardware"
	KeyDataQuality = "data_quality"
)

// PipelineMetrics summarizes document flow.
type PipelineMetrics struct {
	TotalDocuments       int64   `json:"total_documents"`
	Pending              int64   `json:"pending"`
	InProgress           int64   `json:"in_progress"`
	Completed            int64   `json:"completed"`
	Failed               int64   `json:"failed"`
	Cancelled            int64   `json:"cancelled"`
	SuccessRate          float64 `json:"success_rate"`
	AvgProcessingTime    float64 `json:"avg_processing_time"`
	RecentThroughputHour int64   `json:"recent_throughput_per_hour"`
}

// QueueMetrics summarizes the processing queue.
type QueueMetrics struct {
	CountsByStatus map[string]int64 `json:"counts_by_status"`
	CountsByType   map[string]int64 `json:"counts_by_task_type"`
	AvgWaitSeconds float64          `json:"avg_wait_seconds"`
}

// StageMetrics is one per-stage summary row.
type StageMetrics struct {
	StageName          string  `json:"stage_name"`
	Pending            int64   `json:"pending"`
	Processing         int64   `json:"processing"`
	Completed          int64   `json:"completed"`
	Failed             int64   `json:"failed"`
	Skipped            int64   `json:"skipped"`
	SuccessRate        float64 `json:"success_rate"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

// DataQualityMetrics summarizes dedup and validation health.
type DataQualityMetrics struct {
	DuplicateDocuments  int64            `json:"duplicate_documents"`
	ValidationErrors    map[string]int64 `json:"validation_errors_by_stage"`
	ProcessingBreakdown map[string]int64 `json:"processing_breakdown_by_type"`
}

// Service is the read-through metrics cache over the aggregate views.
type Service struct {
	reader   db.MetricsReader
	hardware HardwareReader
	cache    *ttlCache
	cfg      config.MonitorConfig
	logger   *logrus.Entry
}

// NewService wires a metrics service. hardware may be nil to disable
// host sampling (tests).
func NewService(reader db.MetricsReader, hardware HardwareReader, cfg config.MonitorConfig) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Second
	}
	if cfg.HardwareCacheTTL <= 0 {
		cfg.HardwareCacheTTL = time.Second
	}
	return &Service{
		reader:   reader,
		hardware: hardware,
		cache:    newTTLCache(),
		cfg:      cfg,
		logger:   common.ComponentLogger("monitor"),
	}
}

// InvalidateCache drops one cached key, or all when key is empty.
func (s *Service) InvalidateCache(key string) {
	s.cache.invalidate(key)
}

// Sweep purges entries expired beyond the cutoff; called periodically
// by the broadcast loop.
func (s *Service) Sweep() {
	s.cache.sweep()
}

// GetPipelineMetrics returns document-flow totals.
func (s *Service) GetPipelineMetrics(ctx context.Context) *PipelineMetrics {
	if cached, ok := s.cache.get(KeyPipeline); ok {
		return cached.(*PipelineMetrics)
	}

	row, err := s.reader.PipelineAggregates(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Pipeline aggregate read failed, returning zeros")
		return &PipelineMetrics{}
	}

	metrics := &PipelineMetrics{
		TotalDocuments:       row.TotalDocuments,
		Pending:              row.Pending,
		InProgress:           row.InProgress,
		Completed:            row.Completed,
		Failed:               row.Failed,
		Cancelled:            row.Cancelled,
		AvgProcessingTime:    row.AvgProcessingSeconds,
		RecentThroughputHour: row.CompletedLastHour,
	}
	if finished := row.Completed + row.Failed; finished > 0 {
		metrics.SuccessRate = float64(row.Completed) / float64(finished)
	}
	s.cache.set(KeyPipeline, metrics, s.cfg.CacheTTL)
	return metrics
}

// GetQueueMetrics returns processing-queue counts and wait times.
func (s *Service) GetQueueMetrics(ctx context.Context) *QueueMetrics {
	if cached, ok := s.cache.get(KeyQueue); ok {
		return cached.(*QueueMetrics)
	}

	rows, err := s.reader.QueueAggregates(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Queue aggregate read failed, returning zeros")
		return &QueueMetrics{CountsByStatus: map[string]int64{}, CountsByType: map[string]int64{}}
	}

	metrics := &QueueMetrics{
		CountsByStatus: map[string]int64{},
		CountsByType:   map[string]int64{},
	}
	var waitSum float64
	var waitRows int64
	for _, row := range rows {
		metrics.CountsByStatus[row.Status] += row.Count
		metrics.CountsByType[row.TaskType] += row.Count
		if row.AvgWaitSeconds > 0 {
			waitSum += row.AvgWaitSeconds * float64(row.Count)
			waitRows += row.Count
		}
	}
	if waitRows > 0 {
		metrics.AvgWaitSeconds = waitSum / float64(waitRows)
	}
	s.cache.set(KeyQueue, metrics, s.cfg.CacheTTL)
	return metrics
}

// GetStageMetrics returns per-stage counts and success rates.
func (s *Service) GetStageMetrics(ctx context.Context) []StageMetrics {
	if cached, ok := s.cache.get(KeyStages); ok {
		return cached.([]StageMetrics)
	}

	rows, err := s.reader.StageAggregates(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Stage aggregate read failed, returning zeros")
		return []StageMetrics{}
	}

	metrics := make([]StageMetrics, 0, len(rows))
	for _, row := range rows {
		stage := StageMetrics{
			StageName:          row.StageName,
			Pending:            row.Pending,
			Processing:         row.Processing,
			Completed:          row.Completed,
			Failed:             row.Failed,
			Skipped:            row.Skipped,
			AvgDurationSeconds: row.AvgDurationSeconds,
		}
		if finished := row.Completed + row.Failed; finished > 0 {
			stage.SuccessRate = float64(row.Completed) / float64(finished)
		}
		metrics = append(metrics, stage)
	}
	s.cache.set(KeyStages, metrics, s.cfg.CacheTTL)
	return metrics
}

// GetHardwareMetrics returns a host resource snapshot with a short TTL.
func (s *Service) GetHardwareMetrics(ctx context.Context) *HardwareMetrics {
	if cached, ok := s.cache.get(KeyHardware); ok {
		return cached.(*HardwareMetrics)
	}
	if s.hardware == nil {
		return &HardwareMetrics{}
	}

	metrics, err := s.hardware.Read(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Hardware read failed, returning zeros")
		return &HardwareMetrics{}
	}
	s.cache.set(KeyHardware, metrics, s.cfg.HardwareCacheTTL)
	return metrics
}

// GetDataQualityMetrics returns dedup and validation health.
func (s *Service) GetDataQualityMetrics(ctx context.Context) *DataQualityMetrics {
	if cached, ok := s.cache.get(KeyDataQuality); ok {
		return cached.(*DataQualityMetrics)
	}

	metrics := &DataQualityMetrics{
		ValidationErrors:    map[string]int64{},
		ProcessingBreakdown: map[string]int64{},
	}

	duplicates, err := s.reader.DuplicateDocumentCount(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Duplicate count read failed, returning zeros")
		return metrics
	}
	metrics.DuplicateDocuments = duplicates

	validationRows, err := s.reader.ValidationErrorCounts(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Validation error read failed, returning zeros")
		return metrics
	}
	for _, row := range validationRows {
		metrics.ValidationErrors[row.Stage] = row.Count
	}

	breakdownRows, err := s.reader.ProcessingBreakdown(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Breakdown read failed, returning zeros")
		return metrics
	}
	for _, row := range breakdownRows {
		metrics.ProcessingBreakdown[row.DocumentType] = row.Count
	}

	s.cache.set(KeyDataQuality, metrics, s.cfg.CacheTTL)
	return metrics
}

// MetricValue resolves a dotted metric key ("pipeline.failed",
// "hardware.cpu_percent") against the current snapshots. The alert
// evaluator uses it for rule thresholds; the bool reports whether the
// key is known.
func (s *Service) MetricValue(ctx context.Context, key string) (float64, bool) {
	switch key {
	case "pipeline.total_documents":
		return float64(s.GetPipelineMetrics(ctx).TotalDocuments), true
	case "pipeline.failed":
		return float64(s.GetPipelineMetrics(ctx).Failed), true
	case "pipeline.in_progress":
		return float64(s.GetPipelineMetrics(ctx).InProgress), true
	case "pipeline.success_rate":
		return s.GetPipelineMetrics(ctx).SuccessRate, true
	case "pipeline.failure_rate":
		return 1 - s.GetPipelineMetrics(ctx).SuccessRate, true
	case "queue.pending":
		return float64(s.GetQueueMetrics(ctx).CountsByStatus["pending"]), true
	case "queue.avg_wait_seconds":
		return s.GetQueueMetrics(ctx).AvgWaitSeconds, true
	case "hardware.cpu_percent":
		return s.GetHardwareMetrics(ctx).CPUPercent, true
	case "hardware.ram_percent":
		return s.GetHardwareMetrics(ctx).RAMPercent, true
	case "data_quality.duplicate_documents":
		return float64(s.GetDataQualityMetrics(ctx).DuplicateDocuments), true
	case "data_quality.validation_errors":
		var total int64
		for _, count := range s.GetDataQualityMetrics(ctx).ValidationErrors {
			total += count
		}
		return float64(total), true
	}
	return 0, false
}
