// Package ingest orchestrates the document ingestion pipeline: persist the
// upload, split it into pages, enrich each page with synthetic queries and
// multi-vector embeddings, and submit the batch to the external index.
//
// The blob store and the index are written in two phases. If any step fails
// after document records were persisted, those records are deleted again so a
// failed ingest leaves no partial state behind.
package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/google/uuid"
	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"

	"github.com/kailas-cloud/visidex/internal/domain"
	"github.com/kailas-cloud/visidex/internal/logger"
	"github.com/kailas-cloud/visidex/internal/metrics"
	"github.com/kailas-cloud/visidex/internal/quantize"
)

// Upload is one file received for ingestion.
type Upload struct {
	Filename string
	Data     []byte
}

// Result summarizes one ingested document.
type Result struct {
	DocumentID string
	Name       string
	Pages      int
}

// Service implements the ingestion pipeline.
type Service struct {
	extractor  Extractor
	synth      Synthesizer
	embedder   Embedder
	indexer    Indexer
	store      DocumentStore
	thumbWidth int
	newID      func() string
}

// New creates an ingest service.
func New(extractor Extractor, synth Synthesizer, embedder Embedder, indexer Indexer, store DocumentStore) *Service {
	return &Service{
		extractor:  extractor,
		synth:      synth,
		embedder:   embedder,
		indexer:    indexer,
		store:      store,
		thumbWidth: 32,
		newID:      uuid.NewString,
	}
}

// WithThumbnailWidth configures the width of the scaled-down preview image.
func (s *Service) WithThumbnailWidth(w int) *Service {
	if w > 0 {
		s.thumbWidth = w
	}
	return s
}

// Ingest runs the pipeline for a batch of uploads. The batch succeeds or
// fails as one unit: on any fatal error, document records persisted by this
// call are deleted again before returning.
func (s *Service) Ingest(ctx context.Context, uploads []Upload) ([]Result, error) {
	log := logger.FromContext(ctx)

	var persisted []string
	rollback := func() {
		// The ingest may have failed because the request context was
		// cancelled; the deletes still have to go through.
		ctx := context.WithoutCancel(ctx)
		for _, id := range persisted {
			if err := s.store.Delete(ctx, id); err != nil {
				log.Error("rollback: delete document record", zap.String("doc_id", id), zap.Error(err))
			}
		}
	}

	var pages []domain.PageRecord
	results := make([]Result, 0, len(uploads))

	for _, upload := range uploads {
		docID := s.newID()

		extracted, err := s.extractor.Extract(ctx, upload.Filename, upload.Data)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("extract %s: %w", upload.Filename, err)
		}

		if err := s.store.Save(ctx, domain.StoredDocument{
			ID:       docID,
			Name:     upload.Filename,
			Content:  upload.Data,
			PageRows: len(extracted),
		}); err != nil {
			rollback()
			return nil, fmt.Errorf("persist %s: %w", upload.Filename, err)
		}
		persisted = append(persisted, docID)

		title := titleFromFilename(upload.Filename)
		for i := range extracted {
			extracted[i].DocumentID = docID
			extracted[i].Title = title
			extracted[i].URL = "/documents/" + docID
		}
		pages = append(pages, extracted...)
		results = append(results, Result{DocumentID: docID, Name: upload.Filename, Pages: len(extracted)})
	}

	if len(pages) == 0 {
		return results, nil
	}

	// Synthetic queries are enrichment only. A failed page degrades to empty
	// fields inside the synthesizer and never aborts the batch.
	for i := range pages {
		pages[i].Synthesis = s.synth.Synthesize(ctx, pages[i].Title, pages[i].JPEG, pages[i].Text)
	}

	images := make([][]byte, len(pages))
	for i, page := range pages {
		images[i] = page.JPEG
	}
	embeddings, err := s.embedder.EmbedImages(ctx, images)
	if err != nil {
		rollback()
		metrics.IngestPagesTotal.WithLabelValues("failed").Add(float64(len(pages)))
		return nil, fmt.Errorf("embed %d pages: %w", len(pages), err)
	}
	for i := range pages {
		pages[i].Embedding = embeddings[i]
	}

	records := make([]domain.IndexRecord, len(pages))
	for i, page := range pages {
		record, err := s.buildRecord(page)
		if err != nil {
			rollback()
			metrics.IngestPagesTotal.WithLabelValues("failed").Add(float64(len(pages)))
			return nil, fmt.Errorf("build index record for %s page %d: %w", page.DocumentID, page.PageNumber, err)
		}
		records[i] = record
	}

	if err := s.indexer.Feed(ctx, records); err != nil {
		rollback()
		metrics.IngestPagesTotal.WithLabelValues("failed").Add(float64(len(pages)))
		return nil, fmt.Errorf("feed index: %w", err)
	}

	metrics.IngestPagesTotal.WithLabelValues("indexed").Add(float64(len(pages)))
	log.Info("ingested documents",
		zap.Int("documents", len(results)),
		zap.Int("pages", len(pages)))
	return results, nil
}

// Delete removes a document from both stores. The index is cleaned first;
// when it fails, the blob record is kept so the operation can be retried.
func (s *Service) Delete(ctx context.Context, docID string) error {
	doc, err := s.store.Get(ctx, docID)
	if err != nil {
		return err
	}

	for page := 0; page < doc.PageRows; page++ {
		if err := s.indexer.Remove(ctx, pageID(docID, page)); err != nil {
			return fmt.Errorf("remove page %d: %w", page, err)
		}
	}

	if err := s.store.Delete(ctx, docID); err != nil {
		return fmt.Errorf("delete document record: %w", err)
	}
	return nil
}

// buildRecord denormalizes one enriched page into the index wire record.
func (s *Service) buildRecord(page domain.PageRecord) (domain.IndexRecord, error) {
	thumb, err := s.thumbnail(page.Image)
	if err != nil {
		return domain.IndexRecord{}, err
	}
	return domain.IndexRecord{
		ID:         pageID(page.DocumentID, page.PageNumber),
		Title:      page.Title,
		URL:        page.URL,
		PageNumber: page.PageNumber,
		Thumbnail:  thumb,
		FullImage:  base64.StdEncoding.EncodeToString(page.JPEG),
		Text:       page.Text,
		Embedding:  quantize.PackPatches(page.Embedding),
		Queries:    page.Synthesis.Queries(),
		Questions:  page.Synthesis.Questions(),
	}, nil
}

// thumbnail scales the page down to the configured width and encodes it as
// base64 JPEG.
func (s *Service) thumbnail(img image.Image) (string, error) {
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return "", fmt.Errorf("empty page image")
	}

	height := bounds.Dy() * s.thumbWidth / bounds.Dx()
	if height < 1 {
		height = 1
	}
	scaled := image.NewRGBA(image.Rect(0, 0, s.thumbWidth, height))
	xdraw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, bounds, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: 75}); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func pageID(docID string, page int) string {
	return fmt.Sprintf("%s_%d", docID, page)
}

// titleFromFilename strips the extension from an upload name.
func titleFromFilename(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i]
		}
		if name[i] == '/' || name[i] == '\\' {
			break
		}
	}
	return name
}
