package simmap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/visidex/internal/domain"
	"github.com/kailas-cloud/visidex/internal/index"
)

// --- Mocks ---

type mockResolver struct {
	embedding domain.PatchEmbedding
	tokens    map[int]string
	err       error
}

func (m *mockResolver) QueryEmbedding(_ context.Context, _, _ string) (domain.PatchEmbedding, map[int]string, error) {
	return m.embedding, m.tokens, m.err
}

type mockQuerier struct {
	mu      sync.Mutex
	resp    *index.Response
	err     error
	gotBody map[string]any
}

func (m *mockQuerier) Query(_ context.Context, body map[string]any) (*index.Response, error) {
	m.mu.Lock()
	m.gotBody = body
	m.mu.Unlock()
	return m.resp, m.err
}

type mockFetcher struct {
	mu      sync.Mutex
	images  map[string][]byte
	failFor string
	fetched []string
}

func (m *mockFetcher) FullImage(_ context.Context, docID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if docID == m.failFor {
		return nil, domain.ErrImageUnavailable
	}
	m.fetched = append(m.fetched, docID)
	return m.images[docID], nil
}

type memStore struct {
	mu      sync.Mutex
	images  map[string][]byte
	simMaps map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{images: make(map[string][]byte), simMaps: make(map[string][]byte)}
}

func (s *memStore) HasImage(docID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.images[docID]
	return ok
}

func (s *memStore) SaveImage(docID string, jpeg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[docID] = jpeg
	return nil
}

func (s *memStore) ReadImage(docID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.images[docID]
	if !ok {
		return nil, errors.New("image missing")
	}
	return data, nil
}

func simKey(fp string, resultIdx, tokenIdx int) string {
	return fmt.Sprintf("%s_%d_%d", fp, resultIdx, tokenIdx)
}

func (s *memStore) HasSimMap(fp string, resultIdx, tokenIdx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.simMaps[simKey(fp, resultIdx, tokenIdx)]
	return ok
}

func (s *memStore) SaveSimMap(fp string, resultIdx, tokenIdx int, png []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.simMaps[simKey(fp, resultIdx, tokenIdx)] = png
	return nil
}

func (s *memStore) ReadSimMap(fp string, resultIdx, tokenIdx int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.simMaps[simKey(fp, resultIdx, tokenIdx)]
	if !ok {
		return nil, errors.New("sim map missing")
	}
	return data, nil
}

func (s *memStore) simMapCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.simMaps)
}

// --- Helpers ---

func testJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 16)), nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// signalCells builds a summaryfeatures payload with a 2x2 patch grid for the
// given token.
func signalCells(token int, values []float64) map[string]any {
	cells := make([]any, 0, len(values))
	for patch, v := range values {
		cells = append(cells, map[string]any{
			"address": map[string]any{
				"querytoken": fmt.Sprint(token),
				"patch":      fmt.Sprint(patch),
			},
			"value": v,
		})
	}
	return map[string]any{"similarities": map[string]any{"cells": cells}}
}

func signalResponse(docIDs []string, token int) *index.Response {
	children := make([]index.Child, len(docIDs))
	for i, id := range docIDs {
		children[i] = index.Child{Fields: map[string]any{
			"id":              id,
			"summaryfeatures": signalCells(token, []float64{0.1, 0.9, 0.4, 0.6}),
		}}
	}
	return &index.Response{Root: &index.Root{Children: children}}
}

func newTestWorker(resolver EmbeddingResolver, querier Querier, fetcher ImageFetcher, store ArtifactStore) *Worker {
	return NewWorker(resolver, querier, fetcher, store, "pdf_page", 2, 5*time.Second, zap.NewNop())
}

func waitDone(t *testing.T, w *Worker) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish in time")
	}
}

// --- Tests ---

func TestSubmit_RendersArtifactsAndBecomesReady(t *testing.T) {
	docIDs := []string{"doc1_0", "doc2_3"}
	resolver := &mockResolver{
		embedding: domain.PatchEmbedding{{0.5, -0.5}},
		tokens:    map[int]string{0: "solar"},
	}
	querier := &mockQuerier{resp: signalResponse(docIDs, 0)}
	fetcher := &mockFetcher{images: map[string][]byte{
		"doc1_0": testJPEG(t),
		"doc2_3": testJPEG(t),
	}}
	store := newMemStore()

	w := newTestWorker(resolver, querier, fetcher, store)
	w.Submit(Job{Fingerprint: "fp1", Query: "solar", Ranking: "colpali", DocIDs: docIDs})
	waitDone(t, w)

	for resultIdx := range docIDs {
		data, ok := w.Poll("fp1", resultIdx, 0)
		if !ok {
			t.Fatalf("expected artifact for result %d token 0", resultIdx)
		}
		if _, err := png.Decode(bytes.NewReader(data)); err != nil {
			t.Errorf("artifact for result %d is not valid PNG: %v", resultIdx, err)
		}
	}
}

func TestSubmit_SignalQueryMatchesPrimarySearchTerms(t *testing.T) {
	docIDs := []string{"doc1_0"}
	resolver := &mockResolver{embedding: domain.PatchEmbedding{{0.5}}, tokens: map[int]string{0: "solar"}}
	fetcher := &mockFetcher{images: map[string][]byte{"doc1_0": testJPEG(t)}}

	t.Run("text query", func(t *testing.T) {
		querier := &mockQuerier{resp: signalResponse(docIDs, 0)}
		w := newTestWorker(resolver, querier, fetcher, newMemStore())
		w.Submit(Job{Fingerprint: "fp1", Query: "solar", Ranking: "colpali", DocIDs: docIDs})
		waitDone(t, w)

		querier.mu.Lock()
		body := querier.gotBody
		querier.mu.Unlock()
		if body["query"] != "solar" {
			t.Errorf("query = %v, want the search text", body["query"])
		}
		yql, _ := body["yql"].(string)
		if !strings.Contains(yql, "userQuery()") {
			t.Errorf("yql = %q, want userQuery() selection", yql)
		}
		if body["ranking.profile"] != "colpali_sim" {
			t.Errorf("ranking.profile = %v", body["ranking.profile"])
		}
	})

	t.Run("visual-only query", func(t *testing.T) {
		querier := &mockQuerier{resp: signalResponse(docIDs, 0)}
		w := newTestWorker(resolver, querier, fetcher, newMemStore())
		w.Submit(Job{Fingerprint: "fp2", ImageQueryID: "iq1", Ranking: "colpali", DocIDs: docIDs})
		waitDone(t, w)

		querier.mu.Lock()
		body := querier.gotBody
		querier.mu.Unlock()
		if _, ok := body["query"]; ok {
			t.Error("visual-only job must not send query text")
		}
		yql, _ := body["yql"].(string)
		if !strings.Contains(yql, "where true") {
			t.Errorf("yql = %q, want unconditional selection", yql)
		}
	})
}

func TestSubmit_DownloadFailureProducesZeroArtifacts(t *testing.T) {
	docIDs := []string{"doc1_0", "doc2_3"}
	resolver := &mockResolver{embedding: domain.PatchEmbedding{{0.5}}, tokens: map[int]string{0: "q"}}
	querier := &mockQuerier{resp: signalResponse(docIDs, 0)}
	// Second image fails; the first must not leave artifacts behind.
	fetcher := &mockFetcher{
		images:  map[string][]byte{"doc1_0": testJPEG(t)},
		failFor: "doc2_3",
	}
	store := newMemStore()

	w := newTestWorker(resolver, querier, fetcher, store)
	w.Submit(Job{Fingerprint: "fp1", Query: "q", Ranking: "colpali", DocIDs: docIDs})
	waitDone(t, w)

	if n := store.simMapCount(); n != 0 {
		t.Errorf("expected zero artifacts after download failure, got %d", n)
	}
	// Pollers keep seeing not-ready, indefinitely.
	if _, ok := w.Poll("fp1", 0, 0); ok {
		t.Error("failed job must poll not-ready")
	}
}

func TestSubmit_DuplicateFingerprintRunsOnce(t *testing.T) {
	docIDs := []string{"doc1_0"}
	resolver := &mockResolver{embedding: domain.PatchEmbedding{{0.5}}, tokens: map[int]string{0: "q"}}
	querier := &mockQuerier{resp: signalResponse(docIDs, 0)}
	fetcher := &mockFetcher{images: map[string][]byte{"doc1_0": testJPEG(t)}}
	store := newMemStore()

	w := newTestWorker(resolver, querier, fetcher, store)
	job := Job{Fingerprint: "fp1", Query: "q", Ranking: "colpali", DocIDs: docIDs}
	w.Submit(job)
	waitDone(t, w)
	w.Submit(job) // ready: must not re-run
	waitDone(t, w)

	fetcher.mu.Lock()
	fetched := len(fetcher.fetched)
	fetcher.mu.Unlock()
	if fetched != 1 {
		t.Errorf("image fetched %d times, want 1", fetched)
	}
}

func TestSubmit_FailedJobCanBeRetried(t *testing.T) {
	docIDs := []string{"doc1_0"}
	resolver := &mockResolver{embedding: domain.PatchEmbedding{{0.5}}, tokens: map[int]string{0: "q"}}
	querier := &mockQuerier{resp: signalResponse(docIDs, 0)}
	fetcher := &mockFetcher{failFor: "doc1_0"}
	store := newMemStore()

	w := newTestWorker(resolver, querier, fetcher, store)
	job := Job{Fingerprint: "fp1", Query: "q", Ranking: "colpali", DocIDs: docIDs}
	w.Submit(job)
	waitDone(t, w)

	// Clear the failure and retry under the same fingerprint.
	fetcher.mu.Lock()
	fetcher.failFor = ""
	fetcher.images = map[string][]byte{"doc1_0": testJPEG(t)}
	fetcher.mu.Unlock()

	w.Submit(job)
	waitDone(t, w)

	if _, ok := w.Poll("fp1", 0, 0); !ok {
		t.Error("retried job must become ready")
	}
}

func TestPoll_UnknownFingerprint(t *testing.T) {
	w := newTestWorker(&mockResolver{}, &mockQuerier{}, &mockFetcher{}, newMemStore())
	if _, ok := w.Poll("never-submitted", 0, 0); ok {
		t.Error("unknown fingerprint must poll not-ready")
	}
}

func TestTokenSignals_ParsesCells(t *testing.T) {
	fields := map[string]any{
		"id":              "doc1_0",
		"summaryfeatures": signalCells(2, []float64{0.1, 0.2, 0.3, 0.4}),
	}

	signals := tokenSignals(fields)
	if len(signals) != 1 {
		t.Fatalf("expected 1 token, got %d", len(signals))
	}
	grid := signals[2]
	if len(grid) != 4 || grid[3] != 0.4 {
		t.Errorf("unexpected grid: %v", grid)
	}
}

func TestTokenSignals_IgnoresMalformedShapes(t *testing.T) {
	for name, fields := range map[string]map[string]any{
		"no features":   {"id": "x"},
		"wrong type":    {"summaryfeatures": "nope"},
		"no similarity": {"summaryfeatures": map[string]any{}},
	} {
		t.Run(name, func(t *testing.T) {
			if got := tokenSignals(fields); len(got) != 0 {
				t.Errorf("expected no signals, got %v", got)
			}
		})
	}
}

func TestRenderOverlay_ProducesPNG(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 20, 20))
	data, err := renderOverlay(src, []float64{0.1, 0.9, 0.4, 0.6})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not PNG: %v", err)
	}
	if img.Bounds().Dx() != 20 || img.Bounds().Dy() != 20 {
		t.Errorf("overlay bounds = %v, want source size", img.Bounds())
	}
}

func TestRenderOverlay_EmptySignals(t *testing.T) {
	if _, err := renderOverlay(image.NewRGBA(image.Rect(0, 0, 4, 4)), nil); err == nil {
		t.Error("expected error for empty signal vector")
	}
}
