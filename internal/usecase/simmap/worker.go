// Package simmap renders similarity-map overlays: for each search result and
// each query token, a heatmap of the token's patch-level match strength
// blended over the page image.
//
// Generation is fire-and-forget. A search submits a job and returns
// immediately; clients poll for artifacts. The registry keeps the real job
// state so a poller can distinguish "still rendering" from "artifact exists",
// but a failed job is never surfaced as an error: pollers simply keep seeing
// not-ready.
package simmap

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // stored page images are JPEG
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/visidex/internal/metrics"
	"github.com/kailas-cloud/visidex/internal/quantize"
)

// Status is the lifecycle state of one similarity-map job.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// Job describes one similarity-map generation request, keyed by the search
// fingerprint it belongs to.
type Job struct {
	Fingerprint  string
	Query        string
	ImageQueryID string
	Ranking      string
	DocIDs       []string
}

// Worker runs similarity-map jobs on a bounded pool.
type Worker struct {
	resolver EmbeddingResolver
	querier  Querier
	fetcher  ImageFetcher
	store    ArtifactStore

	schema     string
	jobTimeout time.Duration
	sem        chan struct{}
	log        *zap.Logger

	mu     sync.Mutex
	status map[string]Status
	wg     sync.WaitGroup
}

// NewWorker creates a similarity-map worker with the given pool size.
func NewWorker(resolver EmbeddingResolver, querier Querier, fetcher ImageFetcher, store ArtifactStore, schema string, workers int, jobTimeout time.Duration, log *zap.Logger) *Worker {
	if workers <= 0 {
		workers = 4
	}
	if jobTimeout <= 0 {
		jobTimeout = 2 * time.Minute
	}
	return &Worker{
		resolver:   resolver,
		querier:    querier,
		fetcher:    fetcher,
		store:      store,
		schema:     schema,
		jobTimeout: jobTimeout,
		sem:        make(chan struct{}, workers),
		log:        log,
		status:     make(map[string]Status),
	}
}

// Submit queues a job and returns immediately. Jobs already pending or ready
// for the same fingerprint are not re-run; a failed fingerprint may be
// retried by a later submit.
func (w *Worker) Submit(job Job) {
	w.mu.Lock()
	if s, ok := w.status[job.Fingerprint]; ok && s != StatusFailed {
		w.mu.Unlock()
		return
	}
	w.status[job.Fingerprint] = StatusPending
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sem <- struct{}{}
		defer func() { <-w.sem }()

		// Detached from the submitting request: work runs to completion
		// regardless of pollers.
		ctx, cancel := context.WithTimeout(context.Background(), w.jobTimeout)
		defer cancel()

		metrics.SimMapJobsInflight.Inc()
		defer metrics.SimMapJobsInflight.Dec()

		if err := w.run(ctx, job); err != nil {
			w.log.Warn("similarity-map job failed",
				zap.String("fingerprint", job.Fingerprint),
				zap.Error(err))
			w.setStatus(job.Fingerprint, StatusFailed)
			metrics.SimMapJobsTotal.WithLabelValues("failed").Inc()
			return
		}
		w.setStatus(job.Fingerprint, StatusReady)
		metrics.SimMapJobsTotal.WithLabelValues("ready").Inc()
	}()
}

// Poll returns the rendered overlay for (fingerprint, result, token) if the
// job finished and the artifact exists. Failed jobs report not-ready forever.
func (w *Worker) Poll(fingerprint string, resultIdx, tokenIdx int) ([]byte, bool) {
	w.mu.Lock()
	s := w.status[fingerprint]
	w.mu.Unlock()

	if s != StatusReady {
		return nil, false
	}
	if !w.store.HasSimMap(fingerprint, resultIdx, tokenIdx) {
		return nil, false
	}
	data, err := w.store.ReadSimMap(fingerprint, resultIdx, tokenIdx)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Wait blocks until all submitted jobs have finished. Used on shutdown.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) setStatus(fp string, s Status) {
	w.mu.Lock()
	w.status[fp] = s
	w.mu.Unlock()
}

// run executes one job: fetch per-token signals, download every source image,
// then render and persist all overlays. Images are downloaded up front so a
// partial failure never leaves a half-rendered result set behind.
func (w *Worker) run(ctx context.Context, job Job) error {
	embedding, idxToToken, err := w.resolver.QueryEmbedding(ctx, job.Query, job.ImageQueryID)
	if err != nil {
		return fmt.Errorf("resolve query embedding: %w", err)
	}

	resp, err := w.querier.Query(ctx, w.simBody(job, embedding))
	if err != nil {
		return fmt.Errorf("query similarity signals: %w", err)
	}
	if resp.Root == nil {
		return fmt.Errorf("similarity query returned no result tree")
	}

	// Map returned hits back onto the submitted result order.
	signalsByDoc := make(map[string]map[int][]float64, len(resp.Root.Children))
	for _, child := range resp.Root.Children {
		id, _ := child.Fields["id"].(string)
		if id == "" {
			continue
		}
		signalsByDoc[id] = tokenSignals(child.Fields)
	}

	// Phase one: every image must be on disk before any artifact is written.
	for _, docID := range job.DocIDs {
		if w.store.HasImage(docID) {
			continue
		}
		data, err := w.fetcher.FullImage(ctx, docID)
		if err != nil {
			return fmt.Errorf("download image %s: %w", docID, err)
		}
		if err := w.store.SaveImage(docID, data); err != nil {
			return fmt.Errorf("persist image %s: %w", docID, err)
		}
	}

	// Phase two: render one overlay per (result, token).
	for resultIdx, docID := range job.DocIDs {
		signals := signalsByDoc[docID]
		if len(signals) == 0 {
			continue
		}

		jpegBytes, err := w.store.ReadImage(docID)
		if err != nil {
			return fmt.Errorf("read image %s: %w", docID, err)
		}
		img, _, err := image.Decode(bytes.NewReader(jpegBytes))
		if err != nil {
			return fmt.Errorf("decode image %s: %w", docID, err)
		}

		for tokenIdx := range idxToTokenOrSignals(idxToToken, signals) {
			grid, ok := signals[tokenIdx]
			if !ok {
				continue
			}
			overlay, err := renderOverlay(img, grid)
			if err != nil {
				return fmt.Errorf("render overlay %s token %d: %w", docID, tokenIdx, err)
			}
			if err := w.store.SaveSimMap(job.Fingerprint, resultIdx, tokenIdx, overlay); err != nil {
				return fmt.Errorf("persist overlay: %w", err)
			}
		}
	}
	return nil
}

// idxToTokenOrSignals picks the token index set: the embedder's token map
// when available, otherwise every token the index returned signals for.
func idxToTokenOrSignals(idxToToken map[int]string, signals map[int][]float64) map[int]struct{} {
	out := make(map[int]struct{})
	if len(idxToToken) > 0 {
		for idx := range idxToToken {
			out[idx] = struct{}{}
		}
		return out
	}
	for idx := range signals {
		out[idx] = struct{}{}
	}
	return out
}

// simBody builds the signal query: the search restricted to the given
// documents, ranked by the "<profile>_sim" variant that emits per-token
// similarities as summary features.
func (w *Worker) simBody(job Job, embedding [][]float32) map[string]any {
	floatBlocks := make(map[string][]float32, len(embedding))
	binaryBlocks := make(map[string][]int8, len(embedding))
	for i, vec := range embedding {
		key := strconv.Itoa(i)
		floatBlocks[key] = vec
		packed := quantize.Pack(vec)
		signed := make([]int8, len(packed))
		for j, b := range packed {
			signed[j] = int8(b)
		}
		binaryBlocks[key] = signed
	}

	// Same selection terms as the primary search, so text-dependent rank
	// profiles score the same documents into the top hits.
	yql := fmt.Sprintf("select id from %s where userQuery()", w.schema)
	if job.Query == "" {
		yql = fmt.Sprintf("select id from %s where true", w.schema)
	}

	body := map[string]any{
		"yql":              yql,
		"ranking.profile":  job.Ranking + "_sim",
		"hits":             len(job.DocIDs),
		"input.query(qt)":  floatBlocks,
		"input.query(qtb)": binaryBlocks,
	}
	if job.Query != "" {
		body["query"] = job.Query
	}
	return body
}
