package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"
)

// CreateChunks persists a chunk batch transactionally. Re-runs converge
// via upsert on (document_id, chunk_index).
func (p *Postgres) CreateChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	for i := range chunks {
		if chunks[i].ID == "" {
			chunks[i].ID = uuid.NewString()
		}
	}
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaContent, "chunks")).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "document_id"}, {Name: "chunk_index"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"content", "page_start", "page_end", "chunk_type", "section_path", "metadata",
			}),
		}).
		CreateInBatches(chunks, 200).Error
	return wrapError("create_chunks", err)
}

// GetChunk fetches one chunk by its natural key.
func (p *Postgres) GetChunk(ctx context.Context, documentID string, chunkIndex int) (*Chunk, error) {
	var chunk Chunk
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaContent, "chunks")).
		Where("document_id = ? AND chunk_index = ?", documentID, chunkIndex).
		First(&chunk).Error
	if err != nil {
		return nil, wrapError("get_chunk", err)
	}
	return &chunk, nil
}

// ListChunks returns all chunks of a document in index order.
func (p *Postgres) ListChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	var chunks []Chunk
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaContent, "chunks")).
		Where("document_id = ?", documentID).
		Order("chunk_index ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, wrapError("list_chunks", err)
	}
	return chunks, nil
}

// CountChunks counts a document's chunks.
func (p *Postgres) CountChunks(ctx context.Context, documentID string) (int64, error) {
	var count int64
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaContent, "chunks")).
		Where("document_id = ?", documentID).
		Count(&count).Error
	return count, wrapError("count_chunks", err)
}

// CreateImage inserts an image, deduplicating by file hash when set.
func (p *Postgres) CreateImage(ctx context.Context, img *Image) (*Image, bool, error) {
	table := p.tbl(schemaContent, "images")

	if img.FileHash != "" {
		var existing Image
		err := p.db.WithContext(ctx).Table(table).
			Where("file_hash = ?", img.FileHash).
			First(&existing).Error
		if err == nil {
			return &existing, false, nil
		}
		if classify(err) != KindNotFound {
			return nil, false, wrapError("get_image_by_hash", err)
		}
	}

	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	if err := p.db.WithContext(ctx).Table(table).Create(img).Error; err != nil {
		return nil, false, wrapError("create_image", err)
	}
	return img, true, nil
}

// CountImages counts a document's images.
func (p *Postgres) CountImages(ctx context.Context, documentID string) (int64, error) {
	var count int64
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaContent, "images")).
		Where("document_id = ?", documentID).
		Count(&count).Error
	return count, wrapError("count_images", err)
}

// CreateLink inserts a link record.
func (p *Postgres) CreateLink(ctx context.Context, link *Link) error {
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaContent, "links")).
		Create(link).Error
	return wrapError("create_link", err)
}

// CountLinks counts a document's links.
func (p *Postgres) CountLinks(ctx context.Context, documentID string) (int64, error) {
	var count int64
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaContent, "links")).
		Where("document_id = ?", documentID).
		Count(&count).Error
	return count, wrapError("count_links", err)
}

// CreateVideo inserts a video record.
func (p *Postgres) CreateVideo(ctx context.Context, video *Video) error {
	if video.ID == "" {
		video.ID = uuid.NewString()
	}
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaContent, "videos")).
		Create(video).Error
	return wrapError("create_video", err)
}

// CreateTable inserts an extracted table record.
func (p *Postgres) CreateTable(ctx context.Context, table *TableRecord) error {
	if table.ID == "" {
		table.ID = uuid.NewString()
	}
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaContent, "tables")).
		Create(table).Error
	return wrapError("create_table", err)
}

// UpsertErrorCode converges on (manufacturer, code).
func (p *Postgres) UpsertErrorCode(ctx context.Context, code *ErrorCode) error {
	if code.ID == "" {
		code.ID = uuid.NewString()
	}
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaContent, "error_codes")).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "manufacturer"}, {Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{"description", "solution", "metadata"}),
		}).
		Create(code).Error
	return wrapError("upsert_error_code", err)
}

// FindErrorCode fetches one code by manufacturer and code.
func (p *Postgres) FindErrorCode(ctx context.Context, manufacturer, code string) (*ErrorCode, error) {
	var ec ErrorCode
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaContent, "error_codes")).
		Where("manufacturer = ? AND code = ?", manufacturer, code).
		First(&ec).Error
	if err != nil {
		return nil, wrapError("find_error_code", err)
	}
	return &ec, nil
}

// SearchErrorCodes matches code or description case-insensitively.
func (p *Postgres) SearchErrorCodes(ctx context.Context, query string, limit int) ([]ErrorCode, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := fmt.Sprintf("%%%s%%", query)
	var codes []ErrorCode
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaContent, "error_codes")).
		Where("code ILIKE ? OR description ILIKE ?", pattern, pattern).
		Limit(limit).
		Find(&codes).Error
	if err != nil {
		return nil, wrapError("search_error_codes", err)
	}
	return codes, nil
}

// UpsertPart converges on (part_number, manufacturer).
func (p *Postgres) UpsertPart(ctx context.Context, part *Part) error {
	if part.ID == "" {
		part.ID = uuid.NewString()
	}
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaParts, "parts")).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "part_number"}, {Name: "manufacturer"}},
			DoUpdates: clause.AssignmentColumns([]string{"description", "metadata"}),
		}).
		Create(part).Error
	return wrapError("upsert_part", err)
}

// FindPart fetches one part by its number.
func (p *Postgres) FindPart(ctx context.Context, partNumber string) (*Part, error) {
	var part Part
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaParts, "parts")).
		Where("part_number = ?", partNumber).
		First(&part).Error
	if err != nil {
		return nil, wrapError("find_part", err)
	}
	return &part, nil
}

// SearchParts matches part number or description case-insensitively.
func (p *Postgres) SearchParts(ctx context.Context, query string, limit int) ([]Part, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := fmt.Sprintf("%%%s%%", query)
	var parts []Part
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaParts, "parts")).
		Where("part_number ILIKE ? OR description ILIKE ?", pattern, pattern).
		Limit(limit).
		Find(&parts).Error
	if err != nil {
		return nil, wrapError("search_parts", err)
	}
	return parts, nil
}

// UpsertEmbedding converges on (source_id, source_type, model_name).
func (p *Postgres) UpsertEmbedding(ctx context.Context, emb *Embedding) error {
	if emb.ID == "" {
		emb.ID = uuid.NewString()
	}
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaIntelligence, "embeddings")).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "source_id"}, {Name: "source_type"}, {Name: "model_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"embedding", "embedding_context", "metadata", "document_id",
			}),
		}).
		Create(emb).Error
	return wrapError("upsert_embedding", err)
}

// UpsertEmbeddings persists a batch with per-item outcomes. A bad item
// is reported in its outcome and does not abort the rest.
func (p *Postgres) UpsertEmbeddings(ctx context.Context, embs []Embedding) ([]BatchOutcome, error) {
	outcomes := make([]BatchOutcome, 0, len(embs))
	for i := range embs {
		outcome := BatchOutcome{Index: i, SourceID: embs[i].SourceID}

		existed, err := p.HasEmbedding(ctx, embs[i].SourceID, embs[i].SourceType)
		if err != nil {
			outcome.Error = err.Error()
			outcomes = append(outcomes, outcome)
			continue
		}
		if err := p.UpsertEmbedding(ctx, &embs[i]); err != nil {
			outcome.Error = err.Error()
			outcomes = append(outcomes, outcome)
			continue
		}
		outcome.Created = !existed
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// GetEmbedding fetches one vector by its natural key.
func (p *Postgres) GetEmbedding(ctx context.Context, sourceID, sourceType, modelName string) (*Embedding, error) {
	var emb Embedding
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaIntelligence, "embeddings")).
		Where("source_id = ? AND source_type = ? AND model_name = ?", sourceID, sourceType, modelName).
		First(&emb).Error
	if err != nil {
		return nil, wrapError("get_embedding", err)
	}
	return &emb, nil
}

// HasEmbedding reports whether any vector exists for the source.
func (p *Postgres) HasEmbedding(ctx context.Context, sourceID, sourceType string) (bool, error) {
	var count int64
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaIntelligence, "embeddings")).
		Where("source_id = ? AND source_type = ?", sourceID, sourceType).
		Count(&count).Error
	if err != nil {
		return false, wrapError("has_embedding", err)
	}
	return count > 0, nil
}

// embeddingMatchRow is the flat scan target for similarity search.
type embeddingMatchRow struct {
	ID               string
	SourceID         string
	SourceType       string
	DocumentID       string
	Embedding        Vector
	ModelName        string
	EmbeddingContext string
	Metadata         JSONB
	Similarity       float64
}

// SearchEmbeddings runs cosine similarity search ordered best-first.
func (p *Postgres) SearchEmbeddings(ctx context.Context, vector Vector, limit int, threshold float64) ([]EmbeddingMatch, error) {
	if limit <= 0 {
		limit = 10
	}
	query := fmt.Sprintf(`
		SELECT id, source_id, source_type, document_id, embedding, model_name,
		       embedding_context, metadata,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM %s
		WHERE 1 - (embedding <=> $1::vector) >= $2
		ORDER BY embedding <=> $1::vector
		LIMIT $3`, p.tbl(schemaIntelligence, "embeddings"))

	var rows []embeddingMatchRow
	err := p.db.WithContext(ctx).
		Raw(query, vector.String(), threshold, limit).
		Scan(&rows).Error
	if err != nil {
		return nil, wrapError("search_embeddings", err)
	}

	matches := make([]EmbeddingMatch, 0, len(rows))
	for _, r := range rows {
		matches = append(matches, EmbeddingMatch{
			Embedding: Embedding{
				ID:               r.ID,
				SourceID:         r.SourceID,
				SourceType:       r.SourceType,
				DocumentID:       r.DocumentID,
				Embedding:        r.Embedding,
				ModelName:        r.ModelName,
				EmbeddingContext: r.EmbeddingContext,
				Metadata:         r.Metadata,
			},
			Similarity: r.Similarity,
		})
	}
	return matches, nil
}
