package simmap

import (
	"context"

	"github.com/kailas-cloud/visidex/internal/domain"
	"github.com/kailas-cloud/visidex/internal/index"
)

// EmbeddingResolver resolves the token-level query embedding, either freshly
// computed for text or loaded from the image-query store.
type EmbeddingResolver interface {
	QueryEmbedding(ctx context.Context, query, imageQueryID string) (domain.PatchEmbedding, map[int]string, error)
}

// Querier posts raw query bodies to the external index.
type Querier interface {
	Query(ctx context.Context, body map[string]any) (*index.Response, error)
}

// ImageFetcher downloads a full-resolution page image from the index.
type ImageFetcher interface {
	FullImage(ctx context.Context, docID string) ([]byte, error)
}

// ArtifactStore is the on-disk store for page images and rendered overlays.
type ArtifactStore interface {
	HasImage(docID string) bool
	SaveImage(docID string, jpeg []byte) error
	ReadImage(docID string) ([]byte, error)
	HasSimMap(fingerprint string, resultIdx, tokenIdx int) bool
	SaveSimMap(fingerprint string, resultIdx, tokenIdx int, png []byte) error
	ReadSimMap(fingerprint string, resultIdx, tokenIdx int) ([]byte, error)
}
