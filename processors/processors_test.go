package processors

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krai.services/engine/config"
	"krai.services/engine/db"
	"krai.services/engine/pipeline"
	"krai.services/engine/retry"
)

type fakeChunker struct{}

func (fakeChunker) Chunk(ctx context.Context, pages []pipeline.PageText) ([]ChunkDraft, error) {
	drafts := make([]ChunkDraft, 0, len(pages))
	for _, page := range pages {
		drafts = append(drafts, ChunkDraft{
			Content:   page.Text,
			PageStart: page.PageNumber,
			PageEnd:   page.PageNumber,
			ChunkType: "paragraph",
		})
	}
	return drafts, nil
}

type fakeEmbedder struct {
	dim int
}

func (e *fakeEmbedder) Embed(ctx context.Context, texts []string) ([]db.Vector, error) {
	vectors := make([]db.Vector, 0, len(texts))
	for range texts {
		v := make(db.Vector, e.dim)
		v[0] = 1
		vectors = append(vectors, v)
	}
	return vectors, nil
}

func (e *fakeEmbedder) ModelName() string { return "test-embed" }
func (e *fakeEmbedder) Dimension() int    { return e.dim }

type fakeBlobs struct {
	objects map[string]string
}

func (b *fakeBlobs) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := b.objects[key]
	return ok, nil
}

func (b *fakeBlobs) Put(ctx context.Context, key, localPath string) error {
	b.objects[key] = localPath
	return nil
}

func seedDoc(t *testing.T, store *db.Memory) *db.Document {
	t.Helper()
	doc, _, err := store.CreateDocument(context.Background(), &db.Document{
		Filename: "manual.pdf",
		FileHash: "hash-1",
	})
	require.NoError(t, err)
	return doc
}

// TestChunkPrepThenEmbedding tests the chunk -> embed handoff through the store
func TestChunkPrepThenEmbedding(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	doc := seedDoc(t, store)

	pctx := &pipeline.Context{
		DocumentID: doc.ID,
		PageTexts: []pipeline.PageText{
			{PageNumber: 1, Text: "drum unit replacement"},
			{PageNumber: 2, Text: "fuser assembly torque specs"},
		},
	}

	chunkProc := &ChunkPrepProcessor{Chunker: fakeChunker{}, Store: store}
	result, err := chunkProc.Process(ctx, pctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, pctx.ChunkIDs, 2)

	count, err := store.CountChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	embProc := &EmbeddingProcessor{Embedder: &fakeEmbedder{dim: 4}, Store: store, Content: store}
	result, err = embProc.Process(ctx, pctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, pipeline.StatusSuccess, result.Status)

	// Round-trip: stored vector retrievable by the natural key.
	chunks, err := store.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	emb, err := store.GetEmbedding(ctx, chunks[0].ID, db.SourceTypeText, "test-embed")
	require.NoError(t, err)
	require.NotNil(t, emb)
	assert.Equal(t, db.Vector{1, 0, 0, 0}, emb.Embedding)
}

// TestEmbeddingProcessor_NoChunks tests the permanent failure on empty input
func TestEmbeddingProcessor_NoChunks(t *testing.T) {
	store := db.NewMemory()
	doc := seedDoc(t, store)
	proc := &EmbeddingProcessor{Embedder: &fakeEmbedder{dim: 4}, Store: store, Content: store}

	_, err := proc.Process(context.Background(), &pipeline.Context{DocumentID: doc.ID})
	require.Error(t, err)
	assert.Equal(t, retry.ClassPermanent, retry.Classify(err))
}

// TestStorageProcessor tests upload-if-absent and path recording
func TestStorageProcessor(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	doc := seedDoc(t, store)
	blobs := &fakeBlobs{objects: map[string]string{}}
	proc := &StorageProcessor{Blobs: blobs, Store: store}

	pctx := &pipeline.Context{DocumentID: doc.ID, FileHash: doc.FileHash, FilePath: "/tmp/manual.pdf"}
	result, err := proc.Process(ctx, pctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, true, result.Data["uploaded"])

	updated, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "documents/hash-1.pdf", updated.StoragePath)

	// Second run finds the object and skips the upload.
	result, err = proc.Process(ctx, pctx)
	require.NoError(t, err)
	assert.Equal(t, false, result.Data["uploaded"])
}

// TestAIClient_Embed tests the happy path against a stub service
func TestAIClient_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		fmt.Fprint(w, `{"embeddings":[[0.1,0.2],[0.3,0.4]]}`)
	}))
	defer server.Close()

	client := NewAIClient(config.AIConfig{
		EmbeddingURL:   server.URL,
		EmbeddingModel: "nomic-embed-text",
		EmbeddingDim:   2,
	}, nil)

	vectors, err := client.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.InDelta(t, 0.1, float64(vectors[0][0]), 0.0001)
}

// TestAIClient_ServerErrorIsTransient tests 5xx classification
func TestAIClient_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewAIClient(config.AIConfig{EmbeddingURL: server.URL, EmbeddingDim: 2}, nil)
	_, err := client.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, retry.ClassTransient, retry.Classify(err))
}

// TestAIClient_DimensionMismatchIsPermanent tests contract enforcement
func TestAIClient_DimensionMismatchIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embeddings":[[0.1,0.2,0.3]]}`)
	}))
	defer server.Close()

	client := NewAIClient(config.AIConfig{EmbeddingURL: server.URL, EmbeddingDim: 2}, nil)
	_, err := client.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, retry.ClassPermanent, retry.Classify(err))
}

// TestRegisterAll tests that wired collaborators register their stages
func TestRegisterAll(t *testing.T) {
	registry := pipeline.NewRegistry()
	store := db.NewMemory()
	RegisterAll(registry, Dependencies{
		Port:     store,
		Chunker:  fakeChunker{},
		Embedder: &fakeEmbedder{dim: 4},
		Blobs:    &fakeBlobs{objects: map[string]string{}},
	})

	assert.NotNil(t, registry.Get(config.StageUpload))
	assert.NotNil(t, registry.Get(config.StageChunkPrep))
	assert.NotNil(t, registry.Get(config.StageEmbedding))
	assert.NotNil(t, registry.Get(config.StageStorage))
	assert.Nil(t, registry.Get(config.StageTextExtraction), "unwired collaborator leaves stage empty")
}
