// Package colpali is an HTTP client for the multi-vector page embedding
// service. Each input (a page image or a query string) embeds to an ordered
// list of patch vectors; text inputs additionally carry per-position token
// labels used by similarity-map rendering.
package colpali

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kailas-cloud/visidex/internal/domain"
	"github.com/kailas-cloud/visidex/internal/metrics"
)

// Client talks to the embedding service over HTTP JSON.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// Config holds the embedding service settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewClient creates an embedding service client.
func NewClient(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		http:    &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Model  string   `json:"model,omitempty"`
	Images []string `json:"images,omitempty"` // base64-encoded JPEG
	Texts  []string `json:"texts,omitempty"`
}

type embedResponse struct {
	Embeddings [][][]float32 `json:"embeddings"` // input × patches/tokens × dims
	Tokens     [][]string    `json:"tokens,omitempty"`
}

// EmbedImages embeds page images in batch. The result preserves input order:
// result[i] belongs to images[i]. Any transport or decode failure discards
// the whole batch and wraps ErrEmbeddingFailure.
func (c *Client) EmbedImages(ctx context.Context, images [][]byte) ([]domain.PatchEmbedding, error) {
	encoded := make([]string, len(images))
	for i, img := range images {
		encoded[i] = base64.StdEncoding.EncodeToString(img)
	}

	resp, err := c.embed(ctx, "image", embedRequest{Model: c.model, Images: encoded})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(images) {
		metrics.EmbeddingErrorsTotal.WithLabelValues("image").Inc()
		return nil, fmt.Errorf("embedding count %d does not match input count %d: %w",
			len(resp.Embeddings), len(images), domain.ErrEmbeddingFailure)
	}

	out := make([]domain.PatchEmbedding, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		out[i] = domain.PatchEmbedding(emb)
	}
	return out, nil
}

// EmbedText embeds a query string, returning the token-level tensor and the
// position-to-token map consumed by similarity-map rendering.
func (c *Client) EmbedText(ctx context.Context, text string) (domain.PatchEmbedding, map[int]string, error) {
	resp, err := c.embed(ctx, "text", embedRequest{Model: c.model, Texts: []string{text}})
	if err != nil {
		return nil, nil, err
	}
	if len(resp.Embeddings) != 1 {
		metrics.EmbeddingErrorsTotal.WithLabelValues("text").Inc()
		return nil, nil, fmt.Errorf("expected 1 text embedding, got %d: %w",
			len(resp.Embeddings), domain.ErrEmbeddingFailure)
	}

	tokens := make(map[int]string)
	if len(resp.Tokens) == 1 {
		for i, tok := range resp.Tokens[0] {
			tokens[i] = tok
		}
	}
	return domain.PatchEmbedding(resp.Embeddings[0]), tokens, nil
}

func (c *Client) embed(ctx context.Context, kind string, req embedRequest) (*embedResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.EmbeddingErrorsTotal.WithLabelValues(kind).Inc()
		return nil, fmt.Errorf("embedding request: %v: %w", err, domain.ErrEmbeddingFailure)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		metrics.EmbeddingErrorsTotal.WithLabelValues(kind).Inc()
		detail, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("embedding service returned %d: %s: %w",
			httpResp.StatusCode, bytes.TrimSpace(detail), domain.ErrEmbeddingFailure)
	}

	var resp embedResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		metrics.EmbeddingErrorsTotal.WithLabelValues(kind).Inc()
		return nil, fmt.Errorf("decode embedding response: %v: %w", err, domain.ErrEmbeddingFailure)
	}

	metrics.EmbeddingRequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	return &resp, nil
}
