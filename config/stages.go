package config

import "time"

// Stage names in canonical execution order.
const (
	StageUpload             = "upload"
	StageTextExtraction     = "text_extraction"
	StageTableExtraction    = "table_extraction"
	StageSVGProcessing      = "svg_processing"
	StageImageProcessing    = "image_processing"
	StageVisualEmbedding    = "visual_embedding"
	StageLinkExtraction     = "link_extraction"
	StageChunkPrep          = "chunk_prep"
	StageClassification     = "classification"
	StageMetadataExtraction = "metadata_extraction"
	StagePartsExtraction    = "parts_extraction"
	StageSeriesDetection    = "series_detection"
	StageStorage            = "storage"
	StageEmbedding          = "embedding"
	StageSearchIndexing     = "search_indexing"
)

// StageOrder returns the canonical stage sequence. Prerequisite checks
// and progress math both count against this list.
func StageOrder() []string {
	return []string{
		StageUpload, StageTextExtraction, StageTableExtraction,
		StageSVGProcessing, StageImageProcessing, StageVisualEmbedding,
		StageLinkExtraction, StageChunkPrep, StageClassification,
		StageMetadataExtraction, StagePartsExtraction, StageSeriesDetection,
		StageStorage, StageEmbedding, StageSearchIndexing,
	}
}

// DefaultStagePolicies returns the built-in per-stage execution policy.
// Stages on the critical path abort the document run when they fail;
// enrichment stages log and continue.
func DefaultStagePolicies() map[string]StagePolicy {
	critical := StagePolicy{
		Critical:   true,
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
	}
	enrichment := StagePolicy{
		Critical:   false,
		MaxRetries: 2,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
	}

	return map[string]StagePolicy{
		StageUpload:             critical,
		StageTextExtraction:     critical,
		StageTableExtraction:    enrichment,
		StageSVGProcessing:      enrichment,
		StageImageProcessing:    enrichment,
		StageVisualEmbedding:    enrichment,
		StageLinkExtraction:     enrichment,
		StageChunkPrep:          critical,
		StageClassification:     enrichment,
		StageMetadataExtraction: enrichment,
		StagePartsExtraction:    enrichment,
		StageSeriesDetection:    enrichment,
		StageStorage:            critical,
		StageEmbedding:          critical,
		StageSearchIndexing:     critical,
	}
}

// PolicyFor returns the policy for a stage, falling back to a safe
// default when the stage has no explicit entry.
func (p PipelineConfig) PolicyFor(stage string) StagePolicy {
	if pol, ok := p.Stages[stage]; ok {
		return pol
	}
	if pol, ok := DefaultStagePolicies()[stage]; ok {
		return pol
	}
	return StagePolicy{
		Critical:   false,
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
	}
}
