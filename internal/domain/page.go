package domain

import "image"

// PatchEmbedding maps patch index to a fixed-length float vector.
// Produced once per page by the embedding model; immutable after creation.
type PatchEmbedding [][]float32

// BinarySignature maps patch index to a sign-bit-packed vector of ceil(D/8) bytes.
// Derived deterministically from a PatchEmbedding; never re-quantized.
type BinarySignature [][]byte

// PageRecord is one page of an uploaded document moving through the ingestion
// pipeline. Created by the extractor, enriched in place by the synthesizer and
// the embedding generator, read by the feed builder, then discarded.
type PageRecord struct {
	DocumentID string
	Title      string
	URL        string
	PageNumber int
	Image      image.Image // decoded bitmap, used for thumbnails and overlays
	JPEG       []byte      // normalized JPEG bytes fed to the embedding model
	Text       string
	Synthesis  Synthesis
	Embedding  PatchEmbedding
}

// IndexRecord is the denormalized record submitted to the external index.
// One per PageRecord; not mutated after creation.
type IndexRecord struct {
	ID         string
	Title      string
	URL        string
	PageNumber int
	Thumbnail  string // base64 JPEG, scaled down
	FullImage  string // base64 JPEG, full resolution
	Text       string
	Embedding  BinarySignature
	Queries    []string
	Questions  []string
}

// StoredDocument is the blob-store record for an uploaded document.
// The store collaborator owns its persistence; the core only creates and
// deletes it (compensating cleanup on ingestion failure).
type StoredDocument struct {
	ID       string
	Name     string
	Content  []byte
	PageRows int
}
