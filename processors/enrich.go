package processors

import (
	"context"
	"fmt"

	"krai.services/engine/config"
	"krai.services/engine/db"
	"krai.services/engine/pipeline"
)

// VisualEmbeddingProcessor captions extracted images and stores their
// context embeddings for multimodal search.
type VisualEmbeddingProcessor struct {
	Captioner Captioner
	Embedder  Embedder
	Store     db.EmbeddingStore
	Content   db.ContentStore
}

func (p *VisualEmbeddingProcessor) Stage() string { return config.StageVisualEmbedding }

func (p *VisualEmbeddingProcessor) Process(ctx context.Context, pctx *pipeline.Context) (*pipeline.Result, error) {
	if len(pctx.Images) == 0 {
		return pipeline.Ok("visual_embedding_processor", db.JSONB{"images": 0}), nil
	}

	captions := make([]string, 0, len(pctx.Images))
	for _, image := range pctx.Images {
		caption, err := p.Captioner.Caption(ctx, image.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("captioning failed for %s: %w", image.StorageKey, err)
		}
		captions = append(captions, caption)
	}

	vectors, err := p.Embedder.Embed(ctx, captions)
	if err != nil {
		return nil, fmt.Errorf("caption embedding failed: %w", err)
	}
	if len(vectors) != len(captions) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d captions", len(vectors), len(captions))
	}

	embs := make([]db.Embedding, 0, len(vectors))
	for i, image := range pctx.Images {
		embs = append(embs, db.Embedding{
			SourceID:         image.FileHash,
			SourceType:       db.SourceTypeImage,
			DocumentID:       pctx.DocumentID,
			Embedding:        vectors[i],
			ModelName:        p.Embedder.ModelName(),
			EmbeddingContext: captions[i],
		})
	}
	outcomes, err := p.Store.UpsertEmbeddings(ctx, embs)
	if err != nil {
		return nil, fmt.Errorf("failed to persist visual embeddings: %w", err)
	}
	if failed := failedOutcomes(outcomes); failed > 0 {
		return pipeline.Partial("visual_embedding_processor", outcomes, db.JSONB{"failed": failed}), nil
	}
	return pipeline.Ok("visual_embedding_processor", db.JSONB{"embedded": len(embs)}), nil
}

// ClassificationProcessor assigns the document type.
type ClassificationProcessor struct {
	Classifier Classifier
	Store      db.DocumentStore
}

func (p *ClassificationProcessor) Stage() string { return config.StageClassification }

func (p *ClassificationProcessor) Process(ctx context.Context, pctx *pipeline.Context) (*pipeline.Result, error) {
	docType, confidence, err := p.Classifier.Classify(ctx, pctx)
	if err != nil {
		return nil, fmt.Errorf("classification failed: %w", err)
	}
	if err := p.Store.UpdateDocument(ctx, pctx.DocumentID, map[string]interface{}{
		"document_type": docType,
	}); err != nil {
		return nil, fmt.Errorf("failed to record document type: %w", err)
	}
	pctx.DocumentType = docType
	return pipeline.Ok("classification_processor", db.JSONB{
		"document_type": docType,
		"confidence":    confidence,
	}), nil
}

// MetadataProcessor derives catalog fields and normalizes them into the
// manufacturer/series/product tables.
type MetadataProcessor struct {
	Extractor MetadataExtractor
	Store     db.DocumentStore
}

func (p *MetadataProcessor) Stage() string { return config.StageMetadataExtraction }

func (p *MetadataProcessor) Process(ctx context.Context, pctx *pipeline.Context) (*pipeline.Result, error) {
	meta, err := p.Extractor.ExtractMetadata(ctx, pctx)
	if err != nil {
		return nil, fmt.Errorf("metadata extraction failed: %w", err)
	}

	updates := map[string]interface{}{}
	if meta.Manufacturer != "" {
		if _, err := p.Store.GetOrCreateManufacturer(ctx, meta.Manufacturer); err != nil {
			return nil, fmt.Errorf("failed to normalize manufacturer: %w", err)
		}
		updates["manufacturer"] = meta.Manufacturer
		pctx.Manufacturer = meta.Manufacturer
	}
	if meta.Model != "" {
		updates["model"] = meta.Model
		pctx.Model = meta.Model
	}
	if meta.Version != "" {
		updates["version"] = meta.Version
		pctx.Version = meta.Version
	}
	if meta.Language != "" {
		updates["language"] = meta.Language
		pctx.Language = meta.Language
	}
	if len(updates) > 0 {
		if err := p.Store.UpdateDocument(ctx, pctx.DocumentID, updates); err != nil {
			return nil, fmt.Errorf("failed to record metadata: %w", err)
		}
	}
	return pipeline.Ok("metadata_extraction_processor", db.JSONB{
		"manufacturer": meta.Manufacturer,
		"model":        meta.Model,
	}), nil
}

// PartsProcessor records spare-part references.
type PartsProcessor struct {
	Extractor PartsExtractor
	Store     db.ContentStore
}

func (p *PartsProcessor) Stage() string { return config.StagePartsExtraction }

func (p *PartsProcessor) Process(ctx context.Context, pctx *pipeline.Context) (*pipeline.Result, error) {
	parts, err := p.Extractor.ExtractParts(ctx, pctx)
	if err != nil {
		return nil, fmt.Errorf("parts extraction failed: %w", err)
	}
	for i := range parts {
		if err := p.Store.UpsertPart(ctx, &parts[i]); err != nil {
			return nil, fmt.Errorf("failed to persist part %s: %w", parts[i].PartNumber, err)
		}
	}
	return pipeline.Ok("parts_extraction_processor", db.JSONB{"parts": len(parts)}), nil
}

// SeriesProcessor resolves the product series from the extracted
// manufacturer/model pair.
type SeriesProcessor struct {
	Detector SeriesDetector
	Store    db.DocumentStore
}

func (p *SeriesProcessor) Stage() string { return config.StageSeriesDetection }

func (p *SeriesProcessor) Process(ctx context.Context, pctx *pipeline.Context) (*pipeline.Result, error) {
	if pctx.Manufacturer == "" {
		return pipeline.Ok("series_detection_processor", db.JSONB{"series": ""}), nil
	}
	series, err := p.Detector.DetectSeries(ctx, pctx.Manufacturer, pctx.Model)
	if err != nil {
		return nil, fmt.Errorf("series detection failed: %w", err)
	}
	if series != "" {
		manufacturer, err := p.Store.GetOrCreateManufacturer(ctx, pctx.Manufacturer)
		if err != nil {
			return nil, fmt.Errorf("failed to normalize manufacturer: %w", err)
		}
		if _, err := p.Store.GetOrCreateSeries(ctx, manufacturer.ID, series); err != nil {
			return nil, fmt.Errorf("failed to normalize series: %w", err)
		}
		if err := p.Store.UpdateDocument(ctx, pctx.DocumentID, map[string]interface{}{
			"series": series,
		}); err != nil {
			return nil, fmt.Errorf("failed to record series: %w", err)
		}
		pctx.Series = series
	}
	return pipeline.Ok("series_detection_processor", db.JSONB{"series": series}), nil
}

func failedOutcomes(outcomes []db.BatchOutcome) int {
	failed := 0
	for _, outcome := range outcomes {
		if outcome.Error != "" {
			failed++
		}
	}
	return failed
}
