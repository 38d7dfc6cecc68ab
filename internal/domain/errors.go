package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat signals an upload with a file type outside the allow-list.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrEmbeddingFailure signals a fatal embedding model failure for the current batch.
	ErrEmbeddingFailure = errors.New("embedding failure")
	// ErrIndexUnreachable signals that the external index has no reachable endpoint.
	ErrIndexUnreachable = errors.New("index endpoint unreachable")
	// ErrMalformedResponse signals a search response that violates the result contract.
	ErrMalformedResponse = errors.New("malformed upstream response")
	// ErrQueryNotFound signals a missing stored image-query record.
	ErrQueryNotFound = errors.New("image query not found")
	// ErrDocumentNotFound signals a missing document record.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrImageUnavailable signals a full-resolution image that could not be fetched.
	ErrImageUnavailable = errors.New("full image unavailable")
)

// IndexError wraps an external index failure with the tool's verbatim diagnostic output.
type IndexError struct {
	Op     string // "feed" or "remove"
	Output string
	Err    error
}

func (e *IndexError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("index %s: %v: %s", e.Op, e.Err, e.Output)
	}
	return fmt.Sprintf("index %s: %v", e.Op, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

// NewIndexError creates an index error carrying the external tool's diagnostics.
func NewIndexError(op, output string, err error) error {
	return &IndexError{Op: op, Output: output, Err: err}
}
