package synth

import (
	"context"
	"errors"
	"testing"

	"github.com/kailas-cloud/visidex/internal/domain"
)

type mockGenerator struct {
	result domain.Synthesis
	err    error
	calls  int
}

func (m *mockGenerator) GenerateQueries(_ context.Context, _ string, _ []byte, _ string) (domain.Synthesis, error) {
	m.calls++
	return m.result, m.err
}

func TestSynthesize_Success(t *testing.T) {
	gen := &mockGenerator{result: domain.Synthesis{
		BroadTopicalQuestion:   "What is the report about?",
		BroadTopicalQuery:      "annual report overview",
		SpecificDetailQuestion: "What was Q3 revenue?",
		SpecificDetailQuery:    "q3 revenue figures",
		VisualElementQuestion:  "What does the bar chart show?",
		VisualElementQuery:     "revenue bar chart",
	}}
	s := New(gen)

	got := s.Synthesize(context.Background(), "report.pdf", []byte("jpeg"), "some text")

	if got.Status != domain.Synthesized {
		t.Errorf("Status = %q, want %q", got.Status, domain.Synthesized)
	}
	if got.BroadTopicalQuery != "annual report overview" {
		t.Errorf("BroadTopicalQuery = %q", got.BroadTopicalQuery)
	}
	if len(got.Questions()) != 3 || len(got.Queries()) != 3 {
		t.Errorf("expected 3 questions and 3 queries, got %d/%d", len(got.Questions()), len(got.Queries()))
	}
}

func TestSynthesize_FailureDegrades(t *testing.T) {
	gen := &mockGenerator{err: errors.New("model unavailable")}
	s := New(gen)

	got := s.Synthesize(context.Background(), "report.pdf", []byte("jpeg"), "some text")

	if got.Status != domain.Degraded {
		t.Errorf("Status = %q, want %q", got.Status, domain.Degraded)
	}
	if len(got.Questions()) != 0 || len(got.Queries()) != 0 {
		t.Errorf("degraded result must have empty fields, got %v / %v", got.Questions(), got.Queries())
	}
}

func TestSynthesize_PartialResultKept(t *testing.T) {
	// A generator may legitimately return fewer than six fields; the
	// non-empty ones still count as synthesized output.
	gen := &mockGenerator{result: domain.Synthesis{
		BroadTopicalQuestion: "What is this?",
		BroadTopicalQuery:    "overview",
	}}
	s := New(gen)

	got := s.Synthesize(context.Background(), "page", nil, "")

	if got.Status != domain.Synthesized {
		t.Errorf("Status = %q, want %q", got.Status, domain.Synthesized)
	}
	if len(got.Questions()) != 1 || len(got.Queries()) != 1 {
		t.Errorf("expected 1 question and 1 query, got %d/%d", len(got.Questions()), len(got.Queries()))
	}
}
