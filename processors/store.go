package processors

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"krai.services/engine/config"
	"krai.services/engine/db"
	"krai.services/engine/pipeline"
	"krai.services/engine/retry"
)

// ChunkPrepProcessor splits extracted text into persisted chunks.
// Rerunning after an input change replaces the prior chunk set.
type ChunkPrepProcessor struct {
	Chunker Chunker
	Store   db.ContentStore
}

func (p *ChunkPrepProcessor) Stage() string { return config.StageChunkPrep }

func (p *ChunkPrepProcessor) Process(ctx context.Context, pctx *pipeline.Context) (*pipeline.Result, error) {
	if len(pctx.PageTexts) == 0 {
		return nil, retry.Permanent(fmt.Errorf("no page text available for chunking"))
	}
	drafts, err := p.Chunker.Chunk(ctx, pctx.PageTexts)
	if err != nil {
		return nil, fmt.Errorf("chunking failed: %w", err)
	}

	chunks := make([]db.Chunk, 0, len(drafts))
	for i, draft := range drafts {
		chunks = append(chunks, db.Chunk{
			ID:          uuid.NewString(),
			DocumentID:  pctx.DocumentID,
			ChunkIndex:  i,
			Content:     draft.Content,
			PageStart:   draft.PageStart,
			PageEnd:     draft.PageEnd,
			ChunkType:   draft.ChunkType,
			SectionPath: db.StringList(draft.SectionPath),
		})
	}
	if err := p.Store.CreateChunks(ctx, chunks); err != nil {
		return nil, fmt.Errorf("failed to persist chunks: %w", err)
	}

	pctx.ChunkIDs = pctx.ChunkIDs[:0]
	for _, chunk := range chunks {
		pctx.ChunkIDs = append(pctx.ChunkIDs, chunk.ID)
	}
	return pipeline.Ok("chunk_prep_processor", db.JSONB{"chunks": len(chunks)}), nil
}

// StorageProcessor ensures the original document is durably held in
// object storage before indexing begins.
type StorageProcessor struct {
	Blobs BlobStore
	Store db.DocumentStore
}

func (p *StorageProcessor) Stage() string { return config.StageStorage }

// Key returns the object storage key for a document hash.
func (p *StorageProcessor) Key(fileHash string) string {
	return "documents/" + fileHash + ".pdf"
}

func (p *StorageProcessor) Process(ctx context.Context, pctx *pipeline.Context) (*pipeline.Result, error) {
	key := p.Key(pctx.FileHash)
	exists, err := p.Blobs.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check object storage: %w", err)
	}
	if !exists {
		if err := p.Blobs.Put(ctx, key, pctx.FilePath); err != nil {
			return nil, fmt.Errorf("failed to upload document: %w", err)
		}
	}
	if err := p.Store.UpdateDocument(ctx, pctx.DocumentID, map[string]interface{}{
		"storage_path": key,
	}); err != nil {
		return nil, fmt.Errorf("failed to record storage path: %w", err)
	}
	return pipeline.Ok("storage_processor", db.JSONB{"storage_key": key, "uploaded": !exists}), nil
}

// EmbeddingProcessor embeds every chunk and persists the vectors with
// per-item outcomes. It implements Cleanup so a changed input purges
// the stale vectors before the rerun.
type EmbeddingProcessor struct {
	Embedder Embedder
	Store    db.EmbeddingStore
	Content  db.ContentStore
}

func (p *EmbeddingProcessor) Stage() string { return config.StageEmbedding }

func (p *EmbeddingProcessor) Process(ctx context.Context, pctx *pipeline.Context) (*pipeline.Result, error) {
	chunks, err := p.Content.ListChunks(ctx, pctx.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, retry.Permanent(fmt.Errorf("no chunks to embed"))
	}

	texts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		texts = append(texts, chunk.Content)
	}
	vectors, err := p.Embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	embs := make([]db.Embedding, 0, len(chunks))
	for i, chunk := range chunks {
		embs = append(embs, db.Embedding{
			SourceID:   chunk.ID,
			SourceType: db.SourceTypeText,
			DocumentID: pctx.DocumentID,
			Embedding:  vectors[i],
			ModelName:  p.Embedder.ModelName(),
		})
	}
	outcomes, err := p.Store.UpsertEmbeddings(ctx, embs)
	if err != nil {
		return nil, fmt.Errorf("failed to persist embeddings: %w", err)
	}
	if failed := failedOutcomes(outcomes); failed > 0 {
		return pipeline.Partial("embedding_processor", outcomes, db.JSONB{
			"embedded": len(embs) - failed,
			"failed":   failed,
		}), nil
	}
	return pipeline.Ok("embedding_processor", db.JSONB{"embedded": len(embs)}), nil
}

// Cleanup is invoked by the runner when the completion marker no longer
// matches the input hash. Embeddings re-upsert by natural key, so a
// rerun overwrites stale vectors; nothing to purge eagerly.
func (p *EmbeddingProcessor) Cleanup(ctx context.Context, pctx *pipeline.Context) error {
	return nil
}

// SearchIndexProcessor refreshes derived search structures.
type SearchIndexProcessor struct {
	Indexer SearchIndexer
}

func (p *SearchIndexProcessor) Stage() string { return config.StageSearchIndexing }

func (p *SearchIndexProcessor) Process(ctx context.Context, pctx *pipeline.Context) (*pipeline.Result, error) {
	if err := p.Indexer.IndexDocument(ctx, pctx.DocumentID); err != nil {
		return nil, fmt.Errorf("search indexing failed: %w", err)
	}
	return pipeline.Ok("search_indexing_processor", nil), nil
}

// Dependencies bundles the collaborator services for RegisterAll.
type Dependencies struct {
	Port     db.Port
	Text     TextExtractor
	Tables   TableExtractor
	Drawings DrawingExtractor
	Images   ImageExtractor
	Links    LinkExtractor
	Chunker  Chunker
	Classify Classifier
	Metadata MetadataExtractor
	Parts    PartsExtractor
	Series   SeriesDetector
	Embedder Embedder
	Caption  Captioner
	Blobs    BlobStore
	Indexer  SearchIndexer
}

// RegisterAll wires every stage whose collaborators are present.
// Missing collaborators leave their stage unwired; the sequencer
// records those stages as skipped.
func RegisterAll(registry *pipeline.Registry, deps Dependencies) {
	registry.MustRegister(&UploadProcessor{})
	if deps.Text != nil {
		registry.MustRegister(&TextProcessor{Extractor: deps.Text})
	}
	if deps.Tables != nil {
		registry.MustRegister(&TableProcessor{Extractor: deps.Tables, Store: deps.Port})
	}
	if deps.Drawings != nil {
		registry.MustRegister(&DrawingProcessor{Extractor: deps.Drawings, Store: deps.Port})
	}
	if deps.Images != nil {
		registry.MustRegister(&ImageProcessor{Extractor: deps.Images, Store: deps.Port})
	}
	if deps.Caption != nil && deps.Embedder != nil {
		registry.MustRegister(&VisualEmbeddingProcessor{
			Captioner: deps.Caption,
			Embedder:  deps.Embedder,
			Store:     deps.Port,
			Content:   deps.Port,
		})
	}
	if deps.Links != nil {
		registry.MustRegister(&LinkProcessor{Extractor: deps.Links, Store: deps.Port})
	}
	if deps.Chunker != nil {
		registry.MustRegister(&ChunkPrepProcessor{Chunker: deps.Chunker, Store: deps.Port})
	}
	if deps.Classify != nil {
		registry.MustRegister(&ClassificationProcessor{Classifier: deps.Classify, Store: deps.Port})
	}
	if deps.Metadata != nil {
		registry.MustRegister(&MetadataProcessor{Extractor: deps.Metadata, Store: deps.Port})
	}
	if deps.Parts != nil {
		registry.MustRegister(&PartsProcessor{Extractor: deps.Parts, Store: deps.Port})
	}
	if deps.Series != nil {
		registry.MustRegister(&SeriesProcessor{Detector: deps.Series, Store: deps.Port})
	}
	if deps.Blobs != nil {
		registry.MustRegister(&StorageProcessor{Blobs: deps.Blobs, Store: deps.Port})
	}
	if deps.Embedder != nil {
		registry.MustRegister(&EmbeddingProcessor{Embedder: deps.Embedder, Store: deps.Port, Content: deps.Port})
	}
	if deps.Indexer != nil {
		registry.MustRegister(&SearchIndexProcessor{Indexer: deps.Indexer})
	}
}
