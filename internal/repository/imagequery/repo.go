// Package imagequery persists query-image embedding records. A query image is
// embedded once at upload and the stored embedding is reused verbatim for
// every later search against it.
package imagequery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kailas-cloud/visidex/internal/db"
	"github.com/kailas-cloud/visidex/internal/domain"
)

// store is the consumer interface for query blobs (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
}

// Repo implements the image-query store contract of the search usecase.
type Repo struct {
	store  store
	prefix string
}

// New creates an image-query repository. Keys are namespaced under prefix.
func New(s store, prefix string) *Repo {
	return &Repo{store: s, prefix: prefix}
}

type dto struct {
	ID         string      `json:"id"`
	Embedding  [][]float32 `json:"embedding"`
	Text       string      `json:"text"`
	VisualOnly bool        `json:"visual_only"`
}

// Save persists an image-query record.
func (r *Repo) Save(ctx context.Context, q domain.ImageQuery) error {
	data, err := json.Marshal(dto{
		ID:         q.ID,
		Embedding:  q.Embedding,
		Text:       q.Text,
		VisualOnly: q.VisualOnly,
	})
	if err != nil {
		return fmt.Errorf("marshal image query %s: %w", q.ID, err)
	}
	if err := r.store.Set(ctx, r.key(q.ID), data); err != nil {
		return fmt.Errorf("store image query %s: %w", q.ID, err)
	}
	return nil
}

// Get returns an image-query record by id.
func (r *Repo) Get(ctx context.Context, id string) (domain.ImageQuery, error) {
	raw, err := r.store.Get(ctx, r.key(id))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return domain.ImageQuery{}, fmt.Errorf("image query %s: %w", id, domain.ErrQueryNotFound)
		}
		return domain.ImageQuery{}, fmt.Errorf("load image query %s: %w", id, err)
	}

	var d dto
	if err := json.Unmarshal(raw, &d); err != nil {
		return domain.ImageQuery{}, fmt.Errorf("parse image query %s: %w", id, err)
	}
	return domain.ImageQuery{
		ID:         d.ID,
		Embedding:  domain.PatchEmbedding(d.Embedding),
		Text:       d.Text,
		VisualOnly: d.VisualOnly,
	}, nil
}

// Delete removes an image-query record. Missing records are not an error.
func (r *Repo) Delete(ctx context.Context, id string) error {
	if err := r.store.Del(ctx, r.key(id)); err != nil && !errors.Is(err, db.ErrKeyNotFound) {
		return fmt.Errorf("delete image query %s: %w", id, err)
	}
	return nil
}

func (r *Repo) key(id string) string {
	return r.prefix + "query:" + id
}
