// Package chi holds the HTTP handlers for the visidex JSON API. Routing is
// assembled in the composition root; this package maps requests onto the
// usecases and domain errors onto status codes.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	chipkg "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/visidex/internal/db"
	"github.com/kailas-cloud/visidex/internal/domain"
	"github.com/kailas-cloud/visidex/internal/extract"
	chatuc "github.com/kailas-cloud/visidex/internal/usecase/chat"
	ingestuc "github.com/kailas-cloud/visidex/internal/usecase/ingest"
	searchuc "github.com/kailas-cloud/visidex/internal/usecase/search"
	simmapuc "github.com/kailas-cloud/visidex/internal/usecase/simmap"
)

// Upload size cap for document and image-query bodies.
const maxUploadBytes = 64 << 20

// Ingestor runs the ingestion pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, uploads []ingestuc.Upload) ([]ingestuc.Result, error)
	Delete(ctx context.Context, docID string) error
}

// Searcher runs queries and registers image queries.
type Searcher interface {
	Search(ctx context.Context, req searchuc.Request) (string, []domain.Hit, error)
	RegisterImageQuery(ctx context.Context, imageJPEG []byte, ocrText string) (domain.ImageQuery, error)
}

// SimMapper submits similarity-map jobs and serves poll requests.
type SimMapper interface {
	Submit(job simmapuc.Job)
	Poll(fingerprint string, resultIdx, tokenIdx int) ([]byte, bool)
}

// ChatStreamer streams result explanations.
type ChatStreamer interface {
	Stream(ctx context.Context, req chatuc.Request, emit func(chatuc.Event) error) error
}

// IndexReader covers the read paths served straight from the index.
type IndexReader interface {
	FullImage(ctx context.Context, docID string) ([]byte, error)
	Suggestions(ctx context.Context, prefix string) ([]string, error)
}

// ImageCache is the on-disk cache for full-resolution page images.
type ImageCache interface {
	HasImage(docID string) bool
	SaveImage(docID string, jpeg []byte) error
	ReadImage(docID string) ([]byte, error)
}

// OCR extracts text from an uploaded query image.
type OCR interface {
	OCR(ctx context.Context, jpegBytes []byte) (string, error)
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server holds the HTTP handlers.
type Server struct {
	ingest  Ingestor
	search  Searcher
	simMaps SimMapper
	chat    ChatStreamer
	reader  IndexReader
	images  ImageCache
	ocr     OCR
	pinger  db.Pinger

	defaultRanking string
	pollRetryMs    int
	logger         *zap.Logger
	errorHandlers  []errorHandler
}

// NewServer creates the API server.
func NewServer(
	ingest Ingestor,
	search Searcher,
	simMaps SimMapper,
	chat ChatStreamer,
	reader IndexReader,
	images ImageCache,
	ocr OCR,
	pinger db.Pinger,
	defaultRanking string,
	pollRetryMs int,
	logger *zap.Logger,
) *Server {
	if pollRetryMs <= 0 {
		pollRetryMs = 500
	}
	s := &Server{
		ingest:         ingest,
		search:         search,
		simMaps:        simMaps,
		chat:           chat,
		reader:         reader,
		images:         images,
		ocr:            ocr,
		pinger:         pinger,
		defaultRanking: defaultRanking,
		pollRetryMs:    pollRetryMs,
		logger:         logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrUnsupportedFormat, http.StatusBadRequest, "unsupported_format"),
		sentinelHandler(domain.ErrQueryNotFound, http.StatusNotFound, "query_not_found"),
		sentinelHandler(domain.ErrDocumentNotFound, http.StatusNotFound, "document_not_found"),
		sentinelHandler(domain.ErrImageUnavailable, http.StatusNotFound, "image_unavailable"),
		sentinelHandler(domain.ErrIndexUnreachable, http.StatusServiceUnavailable, "index_unreachable"),
		sentinelHandler(domain.ErrMalformedResponse, http.StatusBadGateway, "malformed_upstream_response"),
		sentinelHandler(domain.ErrEmbeddingFailure, http.StatusBadGateway, "embedding_failure"),
	}
	return s
}

// Register mounts all routes on the given router.
func (s *Server) Register(r chipkg.Router) {
	r.Route("/api", func(r chipkg.Router) {
		r.Post("/documents", s.UploadDocuments)
		r.Delete("/documents/{docID}", s.DeleteDocument)
		r.Get("/search", s.Search)
		r.Post("/image-search", s.ImageSearch)
		r.Get("/simmap", s.SimMap)
		r.Get("/full-image/{docID}", s.FullImage)
		r.Get("/message", s.Message)
		r.Get("/suggestions", s.Suggestions)
	})
	r.Get("/healthz", s.Healthz)
	r.Get("/metrics", s.Metrics)
}

// UploadDocuments handles POST /api/documents (multipart upload).
func (s *Server) UploadDocuments(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid multipart body: "+err.Error())
		return
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "no files in upload")
		return
	}

	uploads := make([]ingestuc.Upload, 0, len(files))
	for _, header := range files {
		f, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "open upload: "+err.Error())
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "read upload: "+err.Error())
			return
		}
		uploads = append(uploads, ingestuc.Upload{Filename: header.Filename, Data: data})
	}

	results, err := s.ingest.Ingest(r.Context(), uploads)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	type docResult struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Pages int    `json:"pages"`
	}
	out := make([]docResult, len(results))
	for i, res := range results {
		out[i] = docResult{ID: res.DocumentID, Name: res.Name, Pages: res.Pages}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

// DeleteDocument handles DELETE /api/documents/{docID}.
func (s *Server) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := chipkg.URLParam(r, "docID")
	if err := s.ingest.Delete(r.Context(), docID); err != nil {
		s.handleDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /api/search. A successful search also queues
// similarity-map generation for the returned results.
func (s *Server) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	ranking := r.URL.Query().Get("ranking")
	imageQueryID := r.URL.Query().Get("image_query")
	if query == "" && imageQueryID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "query or image_query is required")
		return
	}
	if ranking == "" {
		ranking = s.defaultRanking
	}

	fingerprint, hits, err := s.search.Search(r.Context(), searchuc.Request{
		Query:        query,
		Ranking:      ranking,
		ImageQueryID: imageQueryID,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	docIDs := make([]string, 0, len(hits))
	for _, hit := range hits {
		if id := hit.ID(); id != "" {
			docIDs = append(docIDs, id)
		}
	}
	if len(docIDs) > 0 {
		s.simMaps.Submit(simmapuc.Job{
			Fingerprint:  fingerprint,
			Query:        query,
			ImageQueryID: imageQueryID,
			Ranking:      ranking,
			DocIDs:       docIDs,
		})
	}

	type hitOut struct {
		Relevance float64        `json:"relevance"`
		Fields    map[string]any `json:"fields"`
	}
	out := make([]hitOut, len(hits))
	for i, hit := range hits {
		out[i] = hitOut{Relevance: hit.Relevance, Fields: hit.Fields}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query_id": fingerprint,
		"results":  out,
	})
}

// ImageSearch handles POST /api/image-search: register an uploaded query
// image for reuse in later searches.
func (s *Server) ImageSearch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid multipart body: "+err.Error())
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "image file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "read upload: "+err.Error())
		return
	}

	_, jpegBytes, err := extract.NormalizeJPEG(data)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	// OCR informs the visual-only classification; a failed OCR run just
	// means no usable text.
	text, err := s.ocr.OCR(r.Context(), jpegBytes)
	if err != nil {
		s.logger.Warn("query image ocr failed", zap.Error(err))
		text = ""
	}

	q, err := s.search.RegisterImageQuery(r.Context(), jpegBytes, text)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query_id":    q.ID,
		"visual_only": q.VisualOnly,
	})
}

// SimMap handles GET /api/simmap: the artifact if ready, otherwise a 202
// telling the client when to retry.
func (s *Server) SimMap(w http.ResponseWriter, r *http.Request) {
	fingerprint := r.URL.Query().Get("query_id")
	resultIdx, err1 := strconv.Atoi(r.URL.Query().Get("idx"))
	tokenIdx, err2 := strconv.Atoi(r.URL.Query().Get("token_idx"))
	if fingerprint == "" || err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "query_id, idx and token_idx are required")
		return
	}

	data, ready := s.simMaps.Poll(fingerprint, resultIdx, tokenIdx)
	if !ready {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":   "pending",
			"retry_ms": s.pollRetryMs,
		})
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// FullImage handles GET /api/full-image/{docID}, serving from the on-disk
// cache and falling back to the index.
func (s *Server) FullImage(w http.ResponseWriter, r *http.Request) {
	docID := chipkg.URLParam(r, "docID")

	var data []byte
	var err error
	if s.images.HasImage(docID) {
		data, err = s.images.ReadImage(docID)
	} else {
		data, err = s.reader.FullImage(r.Context(), docID)
		if err == nil {
			if saveErr := s.images.SaveImage(docID, data); saveErr != nil {
				s.logger.Warn("cache full image", zap.String("doc_id", docID), zap.Error(saveErr))
			}
		}
	}
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Message handles GET /api/message: the SSE chat stream.
func (s *Server) Message(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	docIDsParam := r.URL.Query().Get("doc_ids")
	if docIDsParam == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "doc_ids is required")
		return
	}
	var docIDs []string
	for _, id := range strings.Split(docIDsParam, ",") {
		if id = strings.TrimSpace(id); id != "" {
			docIDs = append(docIDs, id)
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.chat.Stream(r.Context(), chatuc.Request{Query: query, DocIDs: docIDs}, func(e chatuc.Event) error {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Name, e.Data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		// Headers are long gone; all we can do is log.
		s.logger.Warn("chat stream aborted", zap.Error(err))
	}
}

// Suggestions handles GET /api/suggestions.
func (s *Server) Suggestions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if strings.TrimSpace(query) == "" {
		writeJSON(w, http.StatusOK, map[string]any{"suggestions": []string{}})
		return
	}

	suggestions, err := s.reader.Suggestions(r.Context(), query)
	if err != nil {
		s.logger.Warn("suggestions lookup failed", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]any{"suggestions": []string{}})
		return
	}
	if suggestions == nil {
		suggestions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

// Healthz handles GET /healthz.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.pinger.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}

// safeDomainMessage returns a sentinel error message for the client without
// exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrUnsupportedFormat,
		domain.ErrQueryNotFound,
		domain.ErrDocumentNotFound,
		domain.ErrImageUnavailable,
		domain.ErrIndexUnreachable,
		domain.ErrMalformedResponse,
		domain.ErrEmbeddingFailure,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
