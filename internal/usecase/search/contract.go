package search

import (
	"context"

	"github.com/kailas-cloud/visidex/internal/domain"
	"github.com/kailas-cloud/visidex/internal/index"
)

// Embedder produces the token-level embedding for a text query.
type Embedder interface {
	EmbedText(ctx context.Context, text string) (domain.PatchEmbedding, map[int]string, error)
}

// Querier posts raw query bodies to the external index.
type Querier interface {
	Query(ctx context.Context, body map[string]any) (*index.Response, error)
}

// QueryStore persists image-query embedding records.
type QueryStore interface {
	Save(ctx context.Context, q domain.ImageQuery) error
	Get(ctx context.Context, id string) (domain.ImageQuery, error)
}

// Cache stores normalized result sets keyed by query fingerprint.
type Cache interface {
	Get(ctx context.Context, fingerprint string) ([]domain.Hit, bool)
	Set(ctx context.Context, fingerprint string, hits []domain.Hit)
}
