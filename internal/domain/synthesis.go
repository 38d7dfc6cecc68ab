package domain

// SynthesisStatus distinguishes real synthesizer output from the degraded
// fallback, so callers can tell "empty page" apart from "upstream failed".
type SynthesisStatus string

const (
	// Synthesized means the generative model returned a structured result.
	Synthesized SynthesisStatus = "synthesized"
	// Degraded means the model call failed and all fields were substituted
	// with empty strings. Never propagated as an error.
	Degraded SynthesisStatus = "degraded"
)

// Synthesis holds the six synthetic retrieval fields generated for one page:
// one question and one keyword query per category.
type Synthesis struct {
	Status SynthesisStatus

	BroadTopicalQuestion   string
	BroadTopicalQuery      string
	SpecificDetailQuestion string
	SpecificDetailQuery    string
	VisualElementQuestion  string
	VisualElementQuery     string
}

// DegradedSynthesis returns the empty-string fallback used when the
// generative model fails for a page.
func DegradedSynthesis() Synthesis {
	return Synthesis{Status: Degraded}
}

// Questions returns the non-empty question fields in category order.
func (s Synthesis) Questions() []string {
	return nonEmpty(s.BroadTopicalQuestion, s.SpecificDetailQuestion, s.VisualElementQuestion)
}

// Queries returns the non-empty keyword query fields in category order.
func (s Synthesis) Queries() []string {
	return nonEmpty(s.BroadTopicalQuery, s.SpecificDetailQuery, s.VisualElementQuery)
}

func nonEmpty(vals ...string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
