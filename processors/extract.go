package processors

import (
	"context"
	"fmt"
	"os"

	"krai.services/engine/config"
	"krai.services/engine/db"
	"krai.services/engine/pipeline"
	"krai.services/engine/retry"
)

// UploadProcessor verifies the source file is readable and matches the
// recorded size. It anchors the walk: everything downstream assumes the
// bytes named by the context exist.
type UploadProcessor struct{}

func (p *UploadProcessor) Stage() string { return config.StageUpload }

func (p *UploadProcessor) Process(ctx context.Context, pctx *pipeline.Context) (*pipeline.Result, error) {
	info, err := os.Stat(pctx.FilePath)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("source file missing: %w", err))
	}
	if pctx.FileSize > 0 && info.Size() != pctx.FileSize {
		return nil, retry.Permanent(fmt.Errorf("source file size %d does not match recorded %d", info.Size(), pctx.FileSize))
	}
	return pipeline.Ok("upload_processor", db.JSONB{"file_size": info.Size()}), nil
}

// TextProcessor extracts per-page text into the context for the
// chunking and enrichment stages.
type TextProcessor struct {
	Extractor TextExtractor
}

func (p *TextProcessor) Stage() string { return config.StageTextExtraction }

func (p *TextProcessor) Process(ctx context.Context, pctx *pipeline.Context) (*pipeline.Result, error) {
	pages, err := p.Extractor.ExtractText(ctx, pctx.FilePath)
	if err != nil {
		return nil, fmt.Errorf("text extraction failed: %w", err)
	}
	pctx.PageTexts = pages
	return pipeline.Ok("text_extraction_processor", db.JSONB{"pages": len(pages)}), nil
}

// TableProcessor extracts tables and persists them.
type TableProcessor struct {
	Extractor TableExtractor
	Store     db.ContentStore
}

func (p *TableProcessor) Stage() string { return config.StageTableExtraction }

func (p *TableProcessor) Process(ctx context.Context, pctx *pipeline.Context) (*pipeline.Result, error) {
	tables, err := p.Extractor.ExtractTables(ctx, pctx.FilePath)
	if err != nil {
		return nil, fmt.Errorf("table extraction failed: %w", err)
	}
	for _, table := range tables {
		record := &db.TableRecord{
			DocumentID: pctx.DocumentID,
			PageNumber: table.PageNumber,
			Caption:    table.Caption,
			Content:    db.JSONB(table.Cells),
		}
		if err := p.Store.CreateTable(ctx, record); err != nil {
			return nil, fmt.Errorf("failed to persist table: %w", err)
		}
	}
	pctx.Tables = tables
	return pipeline.Ok("table_extraction_processor", db.JSONB{"tables": len(tables)}), nil
}

// DrawingProcessor rasterizes vector drawings into stored images.
type DrawingProcessor struct {
	Extractor DrawingExtractor
	Store     db.ContentStore
}

func (p *DrawingProcessor) Stage() string { return config.StageSVGProcessing }

func (p *DrawingProcessor) Process(ctx context.Context, pctx *pipeline.Context) (*pipeline.Result, error) {
	drawings, err := p.Extractor.ExtractDrawings(ctx, pctx.FilePath)
	if err != nil {
		return nil, fmt.Errorf("drawing extraction failed: %w", err)
	}
	stored := 0
	for _, drawing := range drawings {
		img := &db.Image{
			DocumentID: pctx.DocumentID,
			PageNumber: drawing.PageNumber,
			FileHash:   drawing.FileHash,
			StorageKey: drawing.StorageKey,
			Caption:    drawing.Caption,
			Metadata:   db.JSONB{"kind": "drawing"},
		}
		if _, created, err := p.Store.CreateImage(ctx, img); err != nil {
			return nil, fmt.Errorf("failed to persist drawing: %w", err)
		} else if created {
			stored++
		}
	}
	pctx.Images = append(pctx.Images, drawings...)
	return pipeline.Ok("svg_processing_processor", db.JSONB{"drawings": len(drawings), "stored": stored}), nil
}

// ImageProcessor extracts raster images, dedups by content hash, and
// persists the survivors.
type ImageProcessor struct {
	Extractor ImageExtractor
	Store     db.ContentStore
}

func (p *ImageProcessor) Stage() string { return config.StageImageProcessing }

func (p *ImageProcessor) Process(ctx context.Context, pctx *pipeline.Context) (*pipeline.Result, error) {
	images, err := p.Extractor.ExtractImages(ctx, pctx.FilePath)
	if err != nil {
		return nil, fmt.Errorf("image extraction failed: %w", err)
	}
	stored, duplicates := 0, 0
	for _, image := range images {
		record := &db.Image{
			DocumentID: pctx.DocumentID,
			PageNumber: image.PageNumber,
			FileHash:   image.FileHash,
			StorageKey: image.StorageKey,
			Caption:    image.Caption,
		}
		_, created, err := p.Store.CreateImage(ctx, record)
		if err != nil {
			return nil, fmt.Errorf("failed to persist image: %w", err)
		}
		if created {
			stored++
		} else {
			duplicates++
		}
	}
	pctx.Images = append(pctx.Images, images...)
	return pipeline.Ok("image_processing_processor", db.JSONB{
		"images":     len(images),
		"stored":     stored,
		"duplicates": duplicates,
	}), nil
}

// LinkProcessor extracts hyperlinks and referenced videos.
type LinkProcessor struct {
	Extractor LinkExtractor
	Store     db.ContentStore
}

func (p *LinkProcessor) Stage() string { return config.StageLinkExtraction }

func (p *LinkProcessor) Process(ctx context.Context, pctx *pipeline.Context) (*pipeline.Result, error) {
	links, videos, err := p.Extractor.ExtractLinks(ctx, pctx.FilePath)
	if err != nil {
		return nil, fmt.Errorf("link extraction failed: %w", err)
	}
	for _, link := range links {
		record := &db.Link{
			DocumentID:  pctx.DocumentID,
			PageNumber:  link.PageNumber,
			URL:         link.URL,
			Description: link.Description,
		}
		if err := p.Store.CreateLink(ctx, record); err != nil {
			return nil, fmt.Errorf("failed to persist link: %w", err)
		}
	}
	for _, video := range videos {
		record := &db.Video{
			DocumentID: pctx.DocumentID,
			PageNumber: video.PageNumber,
			URL:        video.URL,
			Title:      video.Title,
		}
		if err := p.Store.CreateVideo(ctx, record); err != nil {
			return nil, fmt.Errorf("failed to persist video: %w", err)
		}
	}
	pctx.Links = links
	pctx.Videos = videos
	return pipeline.Ok("link_extraction_processor", db.JSONB{"links": len(links), "videos": len(videos)}), nil
}
