package chat

import "context"

// Streamer streams a generative explanation grounded in page images.
type Streamer interface {
	StreamExplanation(ctx context.Context, query string, images [][]byte, emit func(delta string) error) error
}

// ImageStore reads downloaded full-resolution page images.
type ImageStore interface {
	HasImage(docID string) bool
	ReadImage(docID string) ([]byte, error)
}
