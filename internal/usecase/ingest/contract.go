package ingest

import (
	"context"

	"github.com/kailas-cloud/visidex/internal/domain"
)

// Extractor converts an upload into ordered page records.
type Extractor interface {
	Extract(ctx context.Context, filename string, data []byte) ([]domain.PageRecord, error)
}

// Synthesizer generates the synthetic retrieval fields for one page. It never
// fails; degraded output carries empty fields.
type Synthesizer interface {
	Synthesize(ctx context.Context, title string, pageJPEG []byte, pageText string) domain.Synthesis
}

// Embedder produces multi-vector embeddings for a batch of page images,
// preserving input order.
type Embedder interface {
	EmbedImages(ctx context.Context, images [][]byte) ([]domain.PatchEmbedding, error)
}

// Indexer submits and removes records in the external index.
type Indexer interface {
	Feed(ctx context.Context, records []domain.IndexRecord) error
	Remove(ctx context.Context, docID string) error
}

// DocumentStore persists uploaded document records in the blob store.
// Delete must be safe to call for ids that were never saved; the ingest
// rollback path relies on that.
type DocumentStore interface {
	Save(ctx context.Context, doc domain.StoredDocument) error
	Get(ctx context.Context, id string) (domain.StoredDocument, error)
	Delete(ctx context.Context, id string) error
}
