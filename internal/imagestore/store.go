// Package imagestore manages the on-disk stores for full-resolution result
// images and rendered similarity-map overlays. Writes are idempotent:
// re-writing a key produces identical content, so concurrent writers need
// no locking.
package imagestore

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store addresses images by document id and sim-map artifacts by
// (fingerprint, result index, token index).
type Store struct {
	imageDir  string
	simMapDir string
}

// New creates the store, ensuring both directories exist.
func New(imageDir, simMapDir string) (*Store, error) {
	for _, dir := range []string{imageDir, simMapDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return &Store{imageDir: imageDir, simMapDir: simMapDir}, nil
}

// ImagePath returns the on-disk path for a document's full image.
func (s *Store) ImagePath(docID string) string {
	return filepath.Join(s.imageDir, docID+".jpg")
}

// HasImage reports whether the full image is present on disk.
func (s *Store) HasImage(docID string) bool {
	_, err := os.Stat(s.ImagePath(docID))
	return err == nil
}

// SaveImage persists full-resolution JPEG bytes for a document.
func (s *Store) SaveImage(docID string, jpeg []byte) error {
	if err := os.WriteFile(s.ImagePath(docID), jpeg, 0o644); err != nil {
		return fmt.Errorf("write image %s: %w", docID, err)
	}
	return nil
}

// ReadImage returns the stored JPEG bytes for a document.
func (s *Store) ReadImage(docID string) ([]byte, error) {
	data, err := os.ReadFile(s.ImagePath(docID))
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", docID, err)
	}
	return data, nil
}

// SimMapPath returns the artifact path for (fingerprint, result, token).
func (s *Store) SimMapPath(fingerprint string, resultIdx, tokenIdx int) string {
	return filepath.Join(s.simMapDir, fmt.Sprintf("%s_%d_%d.png", fingerprint, resultIdx, tokenIdx))
}

// HasSimMap reports whether the overlay artifact exists on disk.
func (s *Store) HasSimMap(fingerprint string, resultIdx, tokenIdx int) bool {
	_, err := os.Stat(s.SimMapPath(fingerprint, resultIdx, tokenIdx))
	return err == nil
}

// SaveSimMap persists a rendered overlay. Overwriting an existing artifact
// is safe: content for the same key is identical.
func (s *Store) SaveSimMap(fingerprint string, resultIdx, tokenIdx int, png []byte) error {
	path := s.SimMapPath(fingerprint, resultIdx, tokenIdx)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("write sim map %s: %w", path, err)
	}
	return nil
}

// ReadSimMap returns the rendered overlay bytes.
func (s *Store) ReadSimMap(fingerprint string, resultIdx, tokenIdx int) ([]byte, error) {
	data, err := os.ReadFile(s.SimMapPath(fingerprint, resultIdx, tokenIdx))
	if err != nil {
		return nil, fmt.Errorf("read sim map: %w", err)
	}
	return data, nil
}
