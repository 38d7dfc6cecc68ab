// Package synth wraps the generative model behind a degrade-to-empty policy:
// synthetic retrieval queries enrich ranking but are never load-bearing, so a
// model failure on one page must not abort the surrounding ingest batch.
package synth

import (
	"context"

	"go.uber.org/zap"

	"github.com/kailas-cloud/visidex/internal/domain"
	"github.com/kailas-cloud/visidex/internal/logger"
	"github.com/kailas-cloud/visidex/internal/metrics"
)

// Generator produces the six structured retrieval fields for a page image.
type Generator interface {
	GenerateQueries(ctx context.Context, title string, pageJPEG []byte, pageText string) (domain.Synthesis, error)
}

// Synthesizer turns Generator errors into Degraded results.
type Synthesizer struct {
	gen Generator
}

// New creates a synthesizer over the given generator.
func New(gen Generator) *Synthesizer {
	return &Synthesizer{gen: gen}
}

// Synthesize returns the generated fields for a page, or a Degraded result
// with empty fields if the generator fails. It never returns an error.
func (s *Synthesizer) Synthesize(ctx context.Context, title string, pageJPEG []byte, pageText string) domain.Synthesis {
	result, err := s.gen.GenerateQueries(ctx, title, pageJPEG, pageText)
	if err != nil {
		logger.FromContext(ctx).Warn("query synthesis failed, using degraded result",
			zap.String("title", title),
			zap.Error(err))
		metrics.SynthesisTotal.WithLabelValues(string(domain.Degraded)).Inc()
		return domain.DegradedSynthesis()
	}

	result.Status = domain.Synthesized
	metrics.SynthesisTotal.WithLabelValues(string(domain.Synthesized)).Inc()
	return result
}
