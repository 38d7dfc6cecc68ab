// Package search orchestrates retrieval: fingerprinting, the result cache,
// query embedding and response normalization. The external index owns
// ranking; results are never re-sorted here.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/kailas-cloud/visidex/internal/domain"
	"github.com/kailas-cloud/visidex/internal/index"
	"github.com/kailas-cloud/visidex/internal/metrics"
	"github.com/kailas-cloud/visidex/internal/quantize"
)

// ImageEmbedder embeds a query image the same way page images are embedded.
type ImageEmbedder interface {
	EmbedImages(ctx context.Context, images [][]byte) ([]domain.PatchEmbedding, error)
}

// Request is one search invocation.
type Request struct {
	Query        string
	Ranking      string
	ImageQueryID string // set for image-driven searches; embedding comes from the store
	Hits         int
}

// Service implements the search orchestrator.
type Service struct {
	embedder      Embedder
	imageEmbedder ImageEmbedder
	querier       Querier
	queries       QueryStore
	cache         Cache

	schema         string
	defaultRanking string
	defaultHits    int
	newID          func() string
}

// New creates a search service.
func New(embedder Embedder, imageEmbedder ImageEmbedder, querier Querier, queries QueryStore, cache Cache, schema, defaultRanking string) *Service {
	return &Service{
		embedder:       embedder,
		imageEmbedder:  imageEmbedder,
		querier:        querier,
		queries:        queries,
		cache:          cache,
		schema:         schema,
		defaultRanking: defaultRanking,
		defaultHits:    20,
		newID:          uuid.NewString,
	}
}

// WithDefaultHits configures the result count used when a request does not
// specify one.
func (s *Service) WithDefaultHits(n int) *Service {
	if n > 0 {
		s.defaultHits = n
	}
	return s
}

// Fingerprint derives the deterministic identity of one (ranking, query)
// pair. The separator keeps "abc"+"d" and "ab"+"cd" distinct.
func Fingerprint(identity, ranking string) string {
	sum := sha256.Sum256([]byte(ranking + "\x00" + identity))
	return hex.EncodeToString(sum[:])
}

// Search runs one query. A cache hit returns the stored result set without
// touching the embedder or the index. Concurrent misses for the same
// fingerprint may duplicate work; the last writer wins.
func (s *Service) Search(ctx context.Context, req Request) (string, []domain.Hit, error) {
	ranking := req.Ranking
	if ranking == "" {
		ranking = s.defaultRanking
	}
	hits := req.Hits
	if hits <= 0 {
		hits = s.defaultHits
	}

	identity := req.Query
	var stored *domain.ImageQuery
	if req.ImageQueryID != "" {
		q, err := s.queries.Get(ctx, req.ImageQueryID)
		if err != nil {
			return "", nil, err
		}
		stored = &q
		identity = q.ID
		// A query image without usable text can only rank visually.
		if q.VisualOnly {
			ranking = s.defaultRanking
		}
	}

	fingerprint := Fingerprint(identity, ranking)

	if cached, ok := s.cache.Get(ctx, fingerprint); ok {
		metrics.ResultCacheTotal.WithLabelValues("hit").Inc()
		return fingerprint, cached, nil
	}
	metrics.ResultCacheTotal.WithLabelValues("miss").Inc()

	var (
		embedding domain.PatchEmbedding
		text      string
	)
	if stored != nil {
		embedding = stored.Embedding
		text = stored.Text
	} else {
		emb, _, err := s.embedder.EmbedText(ctx, req.Query)
		if err != nil {
			return "", nil, fmt.Errorf("embed query: %w", err)
		}
		embedding = emb
		text = req.Query
	}

	resp, err := s.querier.Query(ctx, s.queryBody(text, ranking, hits, embedding))
	if err != nil {
		return "", nil, fmt.Errorf("query index: %w", err)
	}

	normalized, err := Normalize(resp)
	if err != nil {
		return "", nil, err
	}

	s.cache.Set(ctx, fingerprint, normalized)
	return fingerprint, normalized, nil
}

// QueryEmbedding resolves the token-level embedding for a query: the stored
// record for image queries, a fresh text embedding otherwise. Used by the
// similarity-map worker, which needs the raw tensors rather than results.
func (s *Service) QueryEmbedding(ctx context.Context, query, imageQueryID string) (domain.PatchEmbedding, map[int]string, error) {
	if imageQueryID != "" {
		q, err := s.queries.Get(ctx, imageQueryID)
		if err != nil {
			return nil, nil, err
		}
		return q.Embedding, nil, nil
	}
	return s.embedder.EmbedText(ctx, query)
}

// RegisterImageQuery embeds an uploaded query image once and persists the
// record for reuse. The visual-only classification is permanent.
func (s *Service) RegisterImageQuery(ctx context.Context, imageJPEG []byte, ocrText string) (domain.ImageQuery, error) {
	embeddings, err := s.imageEmbedder.EmbedImages(ctx, [][]byte{imageJPEG})
	if err != nil {
		return domain.ImageQuery{}, fmt.Errorf("embed query image: %w", err)
	}
	if len(embeddings) != 1 {
		return domain.ImageQuery{}, fmt.Errorf("expected 1 embedding, got %d: %w",
			len(embeddings), domain.ErrEmbeddingFailure)
	}

	q := domain.ImageQuery{
		ID:         s.newID(),
		Embedding:  embeddings[0],
		Text:       strings.TrimSpace(ocrText),
		VisualOnly: strings.TrimSpace(ocrText) == "",
	}
	if err := s.queries.Save(ctx, q); err != nil {
		return domain.ImageQuery{}, fmt.Errorf("persist image query: %w", err)
	}
	return q, nil
}

// queryBody builds the index query: YQL plus the float and sign-bit-packed
// query tensors consumed by the rank profiles.
func (s *Service) queryBody(text, ranking string, hits int, embedding domain.PatchEmbedding) map[string]any {
	yql := fmt.Sprintf("select id, title, url, page_number, text, blur_image from %s where userQuery()", s.schema)
	if text == "" {
		yql = fmt.Sprintf("select id, title, url, page_number, text, blur_image from %s where true", s.schema)
	}

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

	body := map[string]any{
		"yql":              yql,
		"ranking.profile":  ranking,
		"hits":             hits,
		"input.query(qt)":  floatBlocks,
		"input.query(qtb)": binaryBlocks,
	}
	if text != "" {
		body["query"] = text
	}
	return body
}

// Normalize converts a raw query response into the ordered hit list. A
// response without a result tree violates the contract and maps to
// ErrMalformedResponse.
func Normalize(resp *index.Response) ([]domain.Hit, error) {
	if resp == nil || resp.Root == nil || resp.Root.Children == nil {
		return nil, fmt.Errorf("response has no result tree: %w", domain.ErrMalformedResponse)
	}
	hits := make([]domain.Hit, len(resp.Root.Children))
	for i, child := range resp.Root.Children {
		hits[i] = domain.Hit{
			Fields:    child.Fields,
			Relevance: child.Relevance,
		}
	}
	return hits, nil
}
