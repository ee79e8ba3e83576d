package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"krai.services/engine/common"
)

// Schema suffixes appended to the configured prefix.
const (
	schemaCore         = "core"
	schemaContent      = "content"
	schemaIntelligence = "intelligence"
	schemaSystem       = "system"
	schemaParts        = "parts"
)

// Options contains Postgres connection options.
type Options struct {
	URL             string        // Connection URL
	SchemaPrefix    string        // Schema namespace prefix (default: krai)
	MaxOpenConns    int           // Maximum open connections
	MaxIdleConns    int           // Maximum idle pooled connections
	ConnMaxLifetime time.Duration // Maximum connection reuse time
}

// DefaultOptions returns Postgres options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		SchemaPrefix:    "krai",
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
	}
}

// Postgres implements Port on top of gorm with the pgx driver.
type Postgres struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	prefix string
	logger *logrus.Entry

	rpcOnce    sync.Once
	rpcPresent bool

	// advisory locks are session-scoped; each held lock pins one
	// connection until released
	lockMu    sync.Mutex
	lockConns map[string]*sql.Conn
}

var _ Port = (*Postgres)(nil)

// NewPostgres opens a connection pool and verifies connectivity.
func NewPostgres(opts Options) (*Postgres, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("database URL cannot be empty")
	}
	if opts.SchemaPrefix == "" {
		opts.SchemaPrefix = "krai"
	}

	gdb, err := gorm.Open(postgres.Open(opts.URL), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	p := &Postgres{
		db:        gdb,
		sqlDB:     sqlDB,
		prefix:    opts.SchemaPrefix,
		logger:    common.ComponentLogger("db"),
		lockConns: map[string]*sql.Conn{},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p.logger.WithField("schema_prefix", p.prefix).Info("Connected to Postgres")
	return p, nil
}

// tbl returns the schema-qualified table name.
func (p *Postgres) tbl(schema, name string) string {
	return fmt.Sprintf("%s_%s.%s", p.prefix, schema, name)
}

// Ping verifies the connection is alive.
func (p *Postgres) Ping(ctx context.Context) error {
	return wrapError("ping", p.sqlDB.PingContext(ctx))
}

// Close releases held lock connections and closes the pool.
func (p *Postgres) Close() error {
	p.lockMu.Lock()
	for key, conn := range p.lockConns {
		_ = conn.Close()
		delete(p.lockConns, key)
	}
	p.lockMu.Unlock()
	return p.sqlDB.Close()
}

// CreateDocument inserts doc, deduplicating by content hash. When the
// hash is already known the existing record is returned unchanged.
func (p *Postgres) CreateDocument(ctx context.Context, doc *Document) (*Document, bool, error) {
	if existing, err := p.GetDocumentByHash(ctx, doc.FileHash); err == nil {
		return existing, false, nil
	} else if !IsNotFound(err) {
		return nil, false, err
	}

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.ProcessingStatus == "" {
		doc.ProcessingStatus = StatusPending
	}
	if doc.StageStatus == nil {
		doc.StageStatus = JSONB{}
	}

	res := p.db.WithContext(ctx).
		Table(p.tbl(schemaCore, "documents")).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "file_hash"}},
			DoNothing: true,
		}).
		Create(doc)
	if res.Error != nil {
		return nil, false, wrapError("create_document", res.Error)
	}
	if res.RowsAffected == 0 {
		// lost the race to a concurrent submitter
		existing, err := p.GetDocumentByHash(ctx, doc.FileHash)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return doc, true, nil
}

// GetDocument fetches a document by id.
func (p *Postgres) GetDocument(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaCore, "documents")).
		Where("id = ?", id).
		First(&doc).Error
	if err != nil {
		return nil, wrapError("get_document", err)
	}
	return &doc, nil
}

// GetDocumentByHash fetches a document by content hash.
func (p *Postgres) GetDocumentByHash(ctx context.Context, fileHash string) (*Document, error) {
	var doc Document
	err := p.db.WithContext(ctx).
		Table(p.tbl(schemaCore, "documents")).
		Where("file_hash = ?", fileHash).
		First(&doc).Error
	if err != nil {
		return nil, wrapError("get_document_by_hash", err)
	}
	return &doc, nil
}

// UpdateDocument applies the given column updates.
func (p *Postgres) UpdateDocument(ctx context.Context, id string, updates map[string]interface{}) error {
	res := p.db.WithContext(ctx).
		Table(p.tbl(schemaCore, "documents")).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return wrapError("update_document", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrapError("update_document", gorm.ErrRecordNotFound)
	}
	return nil
}

// ListDocuments returns documents, newest first, optionally filtered by
// processing status.
func (p *Postgres) ListDocuments(ctx context.Context, status string, limit int) ([]Document, error) {
	q := p.db.WithContext(ctx).
		Table(p.tbl(schemaCore, "documents")).
		Order("created_at DESC")
	if status != "" {
		q = q.Where("processing_status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var docs []Document
	if err := q.Find(&docs).Error; err != nil {
		return nil, wrapError("list_documents", err)
	}
	return docs, nil
}

// GetOrCreateManufacturer dedups by name.
func (p *Postgres) GetOrCreateManufacturer(ctx context.Context, name string) (*Manufacturer, error) {
	table := p.tbl(schemaCore, "manufacturers")

	var m Manufacturer
	err := p.db.WithContext(ctx).Table(table).Where("name = ?", name).First(&m).Error
	if err == nil {
		return &m, nil
	}
	if classify(err) != KindNotFound {
		return nil, wrapError("get_manufacturer", err)
	}

	m = Manufacturer{ID: uuid.NewString(), Name: name, Metadata: JSONB{}}
	res := p.db.WithContext(ctx).Table(table).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&m)
	if res.Error != nil {
		return nil, wrapError("create_manufacturer", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := p.db.WithContext(ctx).Table(table).Where("name = ?", name).First(&m).Error; err != nil {
			return nil, wrapError("get_manufacturer", err)
		}
	}
	return &m, nil
}

// GetOrCreateSeries dedups by (manufacturer_id, name).
func (p *Postgres) GetOrCreateSeries(ctx context.Context, manufacturerID, name string) (*Series, error) {
	table := p.tbl(schemaCore, "series")

	var s Series
	err := p.db.WithContext(ctx).Table(table).
		Where("manufacturer_id = ? AND name = ?", manufacturerID, name).
		First(&s).Error
	if err == nil {
		return &s, nil
	}
	if classify(err) != KindNotFound {
		return nil, wrapError("get_series", err)
	}

	s = Series{ID: uuid.NewString(), ManufacturerID: manufacturerID, Name: name, Metadata: JSONB{}}
	res := p.db.WithContext(ctx).Table(table).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "manufacturer_id"}, {Name: "name"}},
			DoNothing: true,
		}).
		Create(&s)
	if res.Error != nil {
		return nil, wrapError("create_series", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := p.db.WithContext(ctx).Table(table).
			Where("manufacturer_id = ? AND name = ?", manufacturerID, name).
			First(&s).Error; err != nil {
			return nil, wrapError("get_series", err)
		}
	}
	return &s, nil
}

// GetOrCreateProduct dedups by (manufacturer_id, name).
func (p *Postgres) GetOrCreateProduct(ctx context.Context, manufacturerID string, seriesID *string, name string) (*Product, error) {
	table := p.tbl(schemaCore, "products")

	var prod Product
	err := p.db.WithContext(ctx).Table(table).
		Where("manufacturer_id = ? AND name = ?", manufacturerID, name).
		First(&prod).Error
	if err == nil {
		return &prod, nil
	}
	if classify(err) != KindNotFound {
		return nil, wrapError("get_product", err)
	}

	prod = Product{
		ID:             uuid.NewString(),
		ManufacturerID: manufacturerID,
		SeriesID:       seriesID,
		Name:           name,
		Metadata:       JSONB{},
	}
	res := p.db.WithContext(ctx).Table(table).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "manufacturer_id"}, {Name: "name"}},
			DoNothing: true,
		}).
		Create(&prod)
	if res.Error != nil {
		return nil, wrapError("create_product", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := p.db.WithContext(ctx).Table(table).
			Where("manufacturer_id = ? AND name = ?", manufacturerID, name).
			First(&prod).Error; err != nil {
			return nil, wrapError("get_product", err)
		}
	}
	return &prod, nil
}
