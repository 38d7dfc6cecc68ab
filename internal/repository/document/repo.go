// Package document persists uploaded document records in the blob store.
package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kailas-cloud/visidex/internal/db"
	"github.com/kailas-cloud/visidex/internal/domain"
)

// store is the consumer interface for document blobs (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Repo implements the document store contract of the ingest usecase.
type Repo struct {
	store  store
	prefix string
}

// New creates a document repository. Keys are namespaced under prefix.
func New(s store, prefix string) *Repo {
	return &Repo{store: s, prefix: prefix}
}

// dto is the stored JSON shape.
type dto struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Content  []byte `json:"content"`
	PageRows int    `json:"page_rows"`
}

// Save persists a document record, overwriting any previous version.
func (r *Repo) Save(ctx context.Context, doc domain.StoredDocument) error {
	data, err := json.Marshal(dto{
		ID:       doc.ID,
		Name:     doc.Name,
		Content:  doc.Content,
		PageRows: doc.PageRows,
	})
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", doc.ID, err)
	}
	if err := r.store.Set(ctx, r.key(doc.ID), data); err != nil {
		return fmt.Errorf("store document %s: %w", doc.ID, err)
	}
	return nil
}

// Get returns a document record by id.
func (r *Repo) Get(ctx context.Context, id string) (domain.StoredDocument, error) {
	raw, err := r.store.Get(ctx, r.key(id))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return domain.StoredDocument{}, fmt.Errorf("document %s: %w", id, domain.ErrDocumentNotFound)
		}
		return domain.StoredDocument{}, fmt.Errorf("load document %s: %w", id, err)
	}

	var d dto
	if err := json.Unmarshal(raw, &d); err != nil {
		return domain.StoredDocument{}, fmt.Errorf("parse document %s: %w", id, err)
	}
	return domain.StoredDocument{
		ID:       d.ID,
		Name:     d.Name,
		Content:  d.Content,
		PageRows: d.PageRows,
	}, nil
}

// Exists reports whether a document record is present.
func (r *Repo) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := r.store.Exists(ctx, r.key(id))
	if err != nil {
		return false, fmt.Errorf("check document %s: %w", id, err)
	}
	return ok, nil
}

// Delete removes a document record. Deleting a missing record is not an error.
func (r *Repo) Delete(ctx context.Context, id string) error {
	if err := r.store.Del(ctx, r.key(id)); err != nil && !errors.Is(err, db.ErrKeyNotFound) {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

func (r *Repo) key(id string) string {
	return r.prefix + "doc:" + id
}
