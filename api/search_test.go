package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krai.services/engine/db"
)

func seedEmbedding(t *testing.T, mem *db.Memory, docID string, vec db.Vector) {
	t.Helper()
	require.NoError(t, mem.UpsertEmbedding(context.Background(), &db.Embedding{
		ID:         uuid.NewString(),
		SourceID:   uuid.NewString(),
		SourceType: db.SourceTypeText,
		DocumentID: docID,
		Embedding:  vec,
		ModelName:  "nomic-embed-text",
	}))
}

// TestSearch tests similarity ordering and the list envelope
func TestSearch(t *testing.T) {
	srv, mem, _ := newTestServer(t)
	docID := uuid.NewString()

	seedEmbedding(t, mem, docID, db.Vector{1, 0, 0})
	seedEmbedding(t, mem, docID, db.Vector{0.9, 0.1, 0})
	seedEmbedding(t, mem, docID, db.Vector{0, 1, 0})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/search", SearchRequest{
		Vector:    db.Vector{1, 0, 0},
		Limit:     2,
		Threshold: 0.5,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data             []db.EmbeddingMatch `json:"data"`
		TotalCount       *int                `json:"total_count"`
		ProcessingTimeMs *float64            `json:"processing_time_ms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotNil(t, env.TotalCount)
	assert.Equal(t, 2, *env.TotalCount)
	require.NotNil(t, env.ProcessingTimeMs)
	require.Len(t, env.Data, 2)
	assert.GreaterOrEqual(t, env.Data[0].Similarity, env.Data[1].Similarity, "results ordered by similarity")
	assert.InDelta(t, 1.0, env.Data[0].Similarity, 1e-6)
}

// TestSearch_BadRequests tests input validation on the search endpoint
func TestSearch_BadRequests(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/search", SearchRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing vector")

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/search", SearchRequest{
		Vector:    db.Vector{1, 0},
		Threshold: 1.5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "threshold out of range")
}
