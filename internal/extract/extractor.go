// Package extract converts uploaded documents into ordered page records.
// PDFs are split per page with their embedded text layer; standalone images
// become a single page with OCR text. All raster output is normalized to
// JPEG so downstream storage sees one format.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // register PNG decoding for uploaded images
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kailas-cloud/visidex/internal/domain"
	"github.com/kailas-cloud/visidex/internal/logger"
)

const (
	renderDPI   = 144
	jpegQuality = 90
)

// Extractor produces PageRecords from raw upload bytes. It performs no
// filesystem writes outside its own temp dirs; persisting anything is the
// caller's responsibility.
type Extractor struct {
	runner    Runner
	pdfToPPM  string
	tesseract string
}

// New creates an extractor using the given command runner.
func New(runner Runner) *Extractor {
	return &Extractor{
		runner:    runner,
		pdfToPPM:  "pdftoppm",
		tesseract: "tesseract",
	}
}

// Extract converts raw bytes into ordered page records based on the file
// extension. Extensions outside the allow-list fail with ErrUnsupportedFormat.
func (e *Extractor) Extract(ctx context.Context, filename string, data []byte) ([]domain.PageRecord, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return e.extractPDF(ctx, data)
	case ".png", ".jpg", ".jpeg":
		return e.extractImage(ctx, data)
	default:
		return nil, fmt.Errorf("%q: %w", filepath.Ext(filename), domain.ErrUnsupportedFormat)
	}
}

// extractPDF splits a PDF into one record per page: the embedded text layer
// plus a rendered bitmap. OCR is never run on PDFs; scanned pages simply
// carry an empty text layer.
func (e *Extractor) extractPDF(ctx context.Context, data []byte) ([]domain.PageRecord, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	texts := make([]string, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			texts = append(texts, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Text layer extraction is best-effort per page; the bitmap
			// still carries the content.
			logger.FromContext(ctx).Warn("pdf text layer extraction failed")
			text = ""
		}
		texts = append(texts, text)
	}

	images, err := e.renderPDFPages(ctx, data)
	if err != nil {
		return nil, err
	}
	if len(images) != len(texts) {
		return nil, fmt.Errorf("rendered %d pages but text layer has %d", len(images), len(texts))
	}

	records := make([]domain.PageRecord, len(images))
	for i, jpegBytes := range images {
		img, _, decodeErr := image.Decode(bytes.NewReader(jpegBytes))
		if decodeErr != nil {
			return nil, fmt.Errorf("decode rendered page %d: %w", i, decodeErr)
		}
		records[i] = domain.PageRecord{
			PageNumber: i,
			Image:      img,
			JPEG:       jpegBytes,
			Text:       texts[i],
		}
	}
	return records, nil
}

// renderPDFPages rasterizes every page to JPEG via the external renderer.
func (e *Extractor) renderPDFPages(ctx context.Context, data []byte) ([][]byte, error) {
	tmpDir, err := os.MkdirTemp("", "visidex-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	src := filepath.Join(tmpDir, "doc.pdf")
	if err := os.WriteFile(src, data, 0o600); err != nil {
		return nil, fmt.Errorf("write temp pdf: %w", err)
	}

	prefix := filepath.Join(tmpDir, "page")
	_, stderr, err := e.runner.Run(ctx, e.pdfToPPM,
		"-jpeg", "-r", fmt.Sprint(renderDPI), src, prefix)
	if err != nil {
		return nil, fmt.Errorf("render pdf pages: %s: %w", strings.TrimSpace(string(stderr)), err)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return nil, fmt.Errorf("read render output: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "page") && strings.HasSuffix(entry.Name(), ".jpg") {
			names = append(names, entry.Name())
		}
	}
	// pdftoppm zero-pads page numbers, so lexical order is page order.
	sort.Strings(names)

	pages := make([][]byte, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(tmpDir, name))
		if err != nil {
			return nil, fmt.Errorf("read rendered page %s: %w", name, err)
		}
		pages = append(pages, data)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("renderer produced no pages")
	}
	return pages, nil
}

// extractImage produces a single-page record: the image normalized to JPEG
// and text recovered via OCR.
func (e *Extractor) extractImage(ctx context.Context, data []byte) ([]domain.PageRecord, error) {
	img, jpegBytes, err := NormalizeJPEG(data)
	if err != nil {
		return nil, err
	}

	text, err := e.OCR(ctx, jpegBytes)
	if err != nil {
		return nil, fmt.Errorf("ocr: %w", err)
	}

	return []domain.PageRecord{{
		PageNumber: 0,
		Image:      img,
		JPEG:       jpegBytes,
		Text:       text,
	}}, nil
}

// OCR extracts text from JPEG bytes via the external OCR engine.
func (e *Extractor) OCR(ctx context.Context, jpegBytes []byte) (string, error) {
	tmp, err := os.CreateTemp("", "visidex-ocr-*.jpg")
	if err != nil {
		return "", fmt.Errorf("create temp image: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(jpegBytes); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp image: %w", err)
	}
	tmp.Close()

	stdout, stderr, err := e.runner.Run(ctx, e.tesseract, tmp.Name(), "stdout")
	if err != nil {
		return "", fmt.Errorf("run ocr: %s: %w", strings.TrimSpace(string(stderr)), err)
	}
	return string(stdout), nil
}

// NormalizeJPEG decodes a raster image and re-encodes non-JPEG formats to
// JPEG, bounding downstream storage format variance. Already-JPEG input is
// passed through unchanged.
func NormalizeJPEG(data []byte) (image.Image, []byte, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("decode image: %w: %w", err, domain.ErrUnsupportedFormat)
	}

	if format == "jpeg" {
		return img, data, nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return img, buf.Bytes(), nil
}
