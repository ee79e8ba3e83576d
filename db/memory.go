package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// canonicalStages mirrors the stage order encoded in the server-side
// procedures so the in-memory port can answer can_start_stage.
var canonicalStages = []string{
	"upload", "text_extraction", "table_extraction", "svg_processing",
	"image_processing", "visual_embedding", "link_extraction", "chunk_prep",
	"classification", "metadata_extraction", "parts_extraction",
	"series_detection", "storage", "embedding", "search_indexing",
}

// Memory implements Port entirely in process. It backs unit tests and
// degraded single-node runs; semantics match the Postgres port,
// including stored-procedure behavior.
type Memory struct {
	mu sync.RWMutex

	documents     map[string]*Document
	docByHash     map[string]string
	manufacturers map[string]*Manufacturer
	series        map[string]*Series
	products      map[string]*Product
	chunks        map[string]*Chunk
	images        map[string]*Image
	imageByHash   map[string]string
	links         map[string]*Link
	videos        map[string]*Video
	tables        map[string]*TableRecord
	embeddings    map[string]*Embedding
	markers       map[string]*CompletionMarker
	errorRecords  map[string]*ErrorRecord
	errorCodeMap  map[string]*ErrorCode
	partMap       map[string]*Part
	queueEntries  map[string]*QueueEntry
	alertRules    map[string]*AlertRule
	alerts        map[string]*Alert
	baselines     map[string]*PerformanceBaseline
	locks         map[string]bool

	rpcDisabled bool
	unavailable bool
}

var _ Port = (*Memory)(nil)

// NewMemory returns an empty in-memory port.
func NewMemory() *Memory {
	return &Memory{
		documents:     map[string]*Document{},
		docByHash:     map[string]string{},
		manufacturers: map[string]*Manufacturer{},
		series:        map[string]*Series{},
		products:      map[string]*Product{},
		chunks:        map[string]*Chunk{},
		images:        map[string]*Image{},
		imageByHash:   map[string]string{},
		links:         map[string]*Link{},
		videos:        map[string]*Video{},
		tables:        map[string]*TableRecord{},
		embeddings:    map[string]*Embedding{},
		markers:       map[string]*CompletionMarker{},
		errorRecords:  map[string]*ErrorRecord{},
		errorCodeMap:  map[string]*ErrorCode{},
		partMap:       map[string]*Part{},
		queueEntries:  map[string]*QueueEntry{},
		alertRules:    map[string]*AlertRule{},
		alerts:        map[string]*Alert{},
		baselines:     map[string]*PerformanceBaseline{},
		locks:         map[string]bool{},
	}
}

// DisableRPC simulates a store without the stage-tracking procedures.
func (m *Memory) DisableRPC() {
	m.mu.Lock()
	m.rpcDisabled = true
	m.mu.Unlock()
}

// SetUnavailable toggles simulated connection loss for every operation.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	m.unavailable = down
	m.mu.Unlock()
}

func (m *Memory) check(op string) error {
	if m.unavailable {
		return &Error{Kind: KindConnectionLost, Op: op, Err: fmt.Errorf("store unavailable")}
	}
	return nil
}

func notFound(op string) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf("record not found")}
}

func copyDocument(d *Document) *Document {
	out := *d
	out.StageStatus = d.StageStatus.Clone()
	out.Metadata = d.Metadata.Clone()
	return &out
}

// Ping reports simulated availability.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check("ping")
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// CreateDocument inserts doc or returns the existing record by hash.
func (m *Memory) CreateDocument(ctx context.Context, doc *Document) (*Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("create_document"); err != nil {
		return nil, false, err
	}

	if id, ok := m.docByHash[doc.FileHash]; ok {
		return copyDocument(m.documents[id]), false, nil
	}

	stored := copyDocument(doc)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.ProcessingStatus == "" {
		stored.ProcessingStatus = StatusPending
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	m.documents[stored.ID] = stored
	m.docByHash[stored.FileHash] = stored.ID

	doc.ID = stored.ID
	return copyDocument(stored), true, nil
}

// GetDocument fetches a document by id.
func (m *Memory) GetDocument(ctx context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("get_document"); err != nil {
		return nil, err
	}
	doc, ok := m.documents[id]
	if !ok {
		return nil, notFound("get_document")
	}
	return copyDocument(doc), nil
}

// GetDocumentByHash fetches a document by content hash.
func (m *Memory) GetDocumentByHash(ctx context.Context, fileHash string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("get_document_by_hash"); err != nil {
		return nil, err
	}
	id, ok := m.docByHash[fileHash]
	if !ok {
		return nil, notFound("get_document_by_hash")
	}
	return copyDocument(m.documents[id]), nil
}

// UpdateDocument applies the given field updates.
func (m *Memory) UpdateDocument(ctx context.Context, id string, updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("update_document"); err != nil {
		return err
	}
	doc, ok := m.documents[id]
	if !ok {
		return notFound("update_document")
	}
	for key, val := range updates {
		switch key {
		case "processing_status":
			if s, ok := val.(string); ok {
				doc.ProcessingStatus = s
			}
		case "stage_status":
			if sm, ok := val.(JSONB); ok {
				doc.StageStatus = sm.Clone()
			}
		case "metadata":
			if md, ok := val.(JSONB); ok {
				doc.Metadata = md.Clone()
			}
		case "document_type":
			if s, ok := val.(string); ok {
				doc.DocumentType = s
			}
		case "language":
			if s, ok := val.(string); ok {
				doc.Language = s
			}
		case "manufacturer":
			if s, ok := val.(string); ok {
				doc.Manufacturer = s
			}
		case "model":
			if s, ok := val.(string); ok {
				doc.Model = s
			}
		case "series":
			if s, ok := val.(string); ok {
				doc.Series = s
			}
		case "version":
			if s, ok := val.(string); ok {
				doc.Version = s
			}
		case "storage_path":
			if s, ok := val.(string); ok {
				doc.StoragePath = s
			}
		}
	}
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

// ListDocuments returns documents, newest first.
func (m *Memory) ListDocuments(ctx context.Context, status string, limit int) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("list_documents"); err != nil {
		return nil, err
	}
	var docs []Document
	for _, d := range m.documents {
		if status != "" && d.ProcessingStatus != status {
			continue
		}
		docs = append(docs, *copyDocument(d))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.After(docs[j].CreatedAt) })
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// GetOrCreateManufacturer dedups by name.
func (m *Memory) GetOrCreateManufacturer(ctx context.Context, name string) (*Manufacturer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("get_or_create_manufacturer"); err != nil {
		return nil, err
	}
	for _, man := range m.manufacturers {
		if man.Name == name {
			out := *man
			return &out, nil
		}
	}
	man := &Manufacturer{ID: uuid.NewString(), Name: name, Metadata: JSONB{}, CreatedAt: time.Now().UTC()}
	m.manufacturers[man.ID] = man
	out := *man
	return &out, nil
}

// GetOrCreateSeries dedups by (manufacturer_id, name).
func (m *Memory) GetOrCreateSeries(ctx context.Context, manufacturerID, name string) (*Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("get_or_create_series"); err != nil {
		return nil, err
	}
	for _, s := range m.series {
		if s.ManufacturerID == manufacturerID && s.Name == name {
			out := *s
			return &out, nil
		}
	}
	s := &Series{ID: uuid.NewString(), ManufacturerID: manufacturerID, Name: name, Metadata: JSONB{}, CreatedAt: time.Now().UTC()}
	m.series[s.ID] = s
	out := *s
	return &out, nil
}

// GetOrCreateProduct dedups by (manufacturer_id, name).
func (m *Memory) GetOrCreateProduct(ctx context.Context, manufacturerID string, seriesID *string, name string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("get_or_create_product"); err != nil {
		return nil, err
	}
	for _, p := range m.products {
		if p.ManufacturerID == manufacturerID && p.Name == name {
			out := *p
			return &out, nil
		}
	}
	p := &Product{ID: uuid.NewString(), ManufacturerID: manufacturerID, SeriesID: seriesID, Name: name, Metadata: JSONB{}, CreatedAt: time.Now().UTC()}
	m.products[p.ID] = p
	out := *p
	return &out, nil
}

func chunkKey(documentID string, index int) string {
	return fmt.Sprintf("%s:%d", documentID, index)
}

// CreateChunks persists a batch, upserting on (document_id, chunk_index).
func (m *Memory) CreateChunks(ctx context.Context, chunks []Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("create_chunks"); err != nil {
		return err
	}
	for i := range chunks {
		c := chunks[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.CreatedAt = time.Now().UTC()
		m.chunks[chunkKey(c.DocumentID, c.ChunkIndex)] = &c
	}
	return nil
}

// GetChunk fetches one chunk by its natural key.
func (m *Memory) GetChunk(ctx context.Context, documentID string, chunkIndex int) (*Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("get_chunk"); err != nil {
		return nil, err
	}
	c, ok := m.chunks[chunkKey(documentID, chunkIndex)]
	if !ok {
		return nil, notFound("get_chunk")
	}
	out := *c
	return &out, nil
}

// ListChunks returns a document's chunks in index order.
func (m *Memory) ListChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("list_chunks"); err != nil {
		return nil, err
	}
	var chunks []Chunk
	for _, c := range m.chunks {
		if c.DocumentID == documentID {
			chunks = append(chunks, *c)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	return chunks, nil
}

// CountChunks counts a document's chunks.
func (m *Memory) CountChunks(ctx context.Context, documentID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("count_chunks"); err != nil {
		return 0, err
	}
	var count int64
	for _, c := range m.chunks {
		if c.DocumentID == documentID {
			count++
		}
	}
	return count, nil
}

// CreateImage inserts an image, deduplicating by file hash when set.
func (m *Memory) CreateImage(ctx context.Context, img *Image) (*Image, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("create_image"); err != nil {
		return nil, false, err
	}
	if img.FileHash != "" {
		if id, ok := m.imageByHash[img.FileHash]; ok {
			out := *m.images[id]
			return &out, false, nil
		}
	}
	stored := *img
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.CreatedAt = time.Now().UTC()
	m.images[stored.ID] = &stored
	if stored.FileHash != "" {
		m.imageByHash[stored.FileHash] = stored.ID
	}
	img.ID = stored.ID
	out := stored
	return &out, true, nil
}

// CountImages counts a document's images.
func (m *Memory) CountImages(ctx context.Context, documentID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("count_images"); err != nil {
		return 0, err
	}
	var count int64
	for _, img := range m.images {
		if img.DocumentID == documentID {
			count++
		}
	}
	return count, nil
}

// CreateLink inserts a link record.
func (m *Memory) CreateLink(ctx context.Context, link *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("create_link"); err != nil {
		return err
	}
	stored := *link
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.CreatedAt = time.Now().UTC()
	m.links[stored.ID] = &stored
	link.ID = stored.ID
	return nil
}

// CountLinks counts a document's links.
func (m *Memory) CountLinks(ctx context.Context, documentID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("count_links"); err != nil {
		return 0, err
	}
	var count int64
	for _, l := range m.links {
		if l.DocumentID == documentID {
			count++
		}
	}
	return count, nil
}

// CreateVideo inserts a video record.
func (m *Memory) CreateVideo(ctx context.Context, video *Video) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("create_video"); err != nil {
		return err
	}
	stored := *video
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.CreatedAt = time.Now().UTC()
	m.videos[stored.ID] = &stored
	video.ID = stored.ID
	return nil
}

// CreateTable inserts an extracted table record.
func (m *Memory) CreateTable(ctx context.Context, table *TableRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("create_table"); err != nil {
		return err
	}
	stored := *table
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.CreatedAt = time.Now().UTC()
	m.tables[stored.ID] = &stored
	table.ID = stored.ID
	return nil
}

func errorCodeKey(manufacturer, code string) string {
	return manufacturer + ":" + code
}

// UpsertErrorCode converges on (manufacturer, code).
func (m *Memory) UpsertErrorCode(ctx context.Context, code *ErrorCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("upsert_error_code"); err != nil {
		return err
	}
	stored := *code
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.CreatedAt = time.Now().UTC()
	key := errorCodeKey(stored.Manufacturer, stored.Code)
	for id, existing := range m.errorCodeMap {
		if errorCodeKey(existing.Manufacturer, existing.Code) == key {
			stored.ID = id
			break
		}
	}
	m.errorCodeMap[stored.ID] = &stored
	code.ID = stored.ID
	return nil
}

// FindErrorCode fetches one code by manufacturer and code.
func (m *Memory) FindErrorCode(ctx context.Context, manufacturer, code string) (*ErrorCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("find_error_code"); err != nil {
		return nil, err
	}
	for _, ec := range m.errorCodeMap {
		if ec.Manufacturer == manufacturer && ec.Code == code {
			out := *ec
			return &out, nil
		}
	}
	return nil, notFound("find_error_code")
}

// SearchErrorCodes matches code or description case-insensitively.
func (m *Memory) SearchErrorCodes(ctx context.Context, query string, limit int) ([]ErrorCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("search_error_codes"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(query)
	var out []ErrorCode
	for _, ec := range m.errorCodeMap {
		if strings.Contains(strings.ToLower(ec.Code), needle) ||
			strings.Contains(strings.ToLower(ec.Description), needle) {
			out = append(out, *ec)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// UpsertPart converges on (part_number, manufacturer).
func (m *Memory) UpsertPart(ctx context.Context, part *Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("upsert_part"); err != nil {
		return err
	}
	stored := *part
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.CreatedAt = time.Now().UTC()
	for id, existing := range m.partMap {
		if existing.PartNumber == stored.PartNumber && existing.Manufacturer == stored.Manufacturer {
			stored.ID = id
			break
		}
	}
	m.partMap[stored.ID] = &stored
	part.ID = stored.ID
	return nil
}

// FindPart fetches one part by its number.
func (m *Memory) FindPart(ctx context.Context, partNumber string) (*Part, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("find_part"); err != nil {
		return nil, err
	}
	for _, p := range m.partMap {
		if p.PartNumber == partNumber {
			out := *p
			return &out, nil
		}
	}
	return nil, notFound("find_part")
}

// SearchParts matches part number or description case-insensitively.
func (m *Memory) SearchParts(ctx context.Context, query string, limit int) ([]Part, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("search_parts"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(query)
	var out []Part
	for _, p := range m.partMap {
		if strings.Contains(strings.ToLower(p.PartNumber), needle) ||
			strings.Contains(strings.ToLower(p.Description), needle) {
			out = append(out, *p)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
