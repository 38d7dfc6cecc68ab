package domain

// Hit is one normalized search result: the index's field map plus the
// relevance score assigned by the external engine. Order within a result
// set is the engine's own ranking and is never re-sorted.
type Hit struct {
	Fields    map[string]any
	Relevance float64
}

// ID returns the document id field of a hit, or "" when absent.
func (h Hit) ID() string {
	if id, ok := h.Fields["id"].(string); ok {
		return id
	}
	return ""
}

// ImageQuery is the persisted record for a query image uploaded once and
// reused verbatim for every subsequent rank-profile request.
type ImageQuery struct {
	ID         string
	Embedding  PatchEmbedding
	Text       string // OCR output, may be empty
	VisualOnly bool   // permanent classification: no usable extracted text
}
