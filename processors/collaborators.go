// Package processors adapts the canonical pipeline stages onto the
// engine's collaborator services. Each processor is a thin bridge: the
// extraction, classification, and embedding algorithms live behind the
// collaborator interfaces, while the processors own persistence and
// context threading. The Runner wraps them with idempotency, locking,
// and retries.
package processors

import (
	"context"

	"krai.services/engine/db"
	"krai.services/engine/pipeline"
)

// TextExtractor pulls per-page text out of a source document.
type TextExtractor interface {
	ExtractText(ctx context.Context, filePath string) ([]pipeline.PageText, error)
}

// TableExtractor pulls structured tables out of a source document.
type TableExtractor interface {
	ExtractTables(ctx context.Context, filePath string) ([]pipeline.ExtractedTable, error)
}

// DrawingExtractor rasterizes vector drawings (exploded views,
// schematics) into stored images.
type DrawingExtractor interface {
	ExtractDrawings(ctx context.Context, filePath string) ([]pipeline.ExtractedImage, error)
}

// ImageExtractor pulls raster images out of a source document and
// stages them in object storage.
type ImageExtractor interface {
	ExtractImages(ctx context.Context, filePath string) ([]pipeline.ExtractedImage, error)
}

// LinkExtractor pulls hyperlinks and referenced videos out of a source
// document.
type LinkExtractor interface {
	ExtractLinks(ctx context.Context, filePath string) ([]pipeline.ExtractedLink, []pipeline.ExtractedVideo, error)
}

// Chunker splits page texts into retrieval-sized fragments.
type Chunker interface {
	Chunk(ctx context.Context, pages []pipeline.PageText) ([]ChunkDraft, error)
}

// ChunkDraft is one fragment before persistence.
type ChunkDraft struct {
	Content     string
	PageStart   int
	PageEnd     int
	ChunkType   string
	SectionPath []string
}

// Classifier assigns a document type.
type Classifier interface {
	Classify(ctx context.Context, pctx *pipeline.Context) (documentType string, confidence float64, err error)
}

// MetadataExtractor derives catalog fields from the document content.
type MetadataExtractor interface {
	ExtractMetadata(ctx context.Context, pctx *pipeline.Context) (DocumentMetadata, error)
}

// DocumentMetadata is the catalog projection of one document.
type DocumentMetadata struct {
	Manufacturer string
	Model        string
	Version      string
	Language     string
}

// PartsExtractor finds spare-part references in the document.
type PartsExtractor interface {
	ExtractParts(ctx context.Context, pctx *pipeline.Context) ([]db.Part, error)
}

// SeriesDetector resolves the product series for a manufacturer/model
// pair.
type SeriesDetector interface {
	DetectSeries(ctx context.Context, manufacturer, model string) (string, error)
}

// Embedder produces fixed-dimension vectors for text inputs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]db.Vector, error)
	ModelName() string
	Dimension() int
}

// Captioner describes an image for visual search.
type Captioner interface {
	Caption(ctx context.Context, storageKey string) (string, error)
}

// BlobStore holds source documents; the storage stage verifies the
// original is durably persisted before indexing begins.
type BlobStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, localPath string) error
}

// SearchIndexer refreshes derived search structures after a document's
// embeddings land.
type SearchIndexer interface {
	IndexDocument(ctx context.Context, documentID string) error
}
