package colpali

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kailas-cloud/visidex/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(&Config{BaseURL: srv.URL, Model: "colpali-v1"})
}

func TestEmbedImages_PreservesOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Images) != 2 {
			t.Fatalf("expected 2 images, got %d", len(req.Images))
		}
		json.NewEncoder(w).Encode(embedResponse{
			Embeddings: [][][]float32{
				{{0.1, 0.2}, {0.3, 0.4}},
				{{0.5, 0.6}},
			},
		})
	})

	got, err := client.EmbedImages(context.Background(), [][]byte{[]byte("page0"), []byte("page1")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 embeddings, got %d", len(got))
	}
	if len(got[0]) != 2 || got[0][0][0] != 0.1 {
		t.Errorf("first embedding out of order: %+v", got[0])
	}
	if len(got[1]) != 1 || got[1][0][0] != 0.5 {
		t.Errorf("second embedding out of order: %+v", got[1])
	}
}

func TestEmbedImages_CountMismatchFails(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{
			Embeddings: [][][]float32{{{0.1}}},
		})
	})

	_, err := client.EmbedImages(context.Background(), [][]byte{[]byte("a"), []byte("b")})
	if !errors.Is(err, domain.ErrEmbeddingFailure) {
		t.Errorf("error = %v, want ErrEmbeddingFailure", err)
	}
}

func TestEmbedImages_ServerErrorWrapsSentinel(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	})

	_, err := client.EmbedImages(context.Background(), [][]byte{[]byte("a")})
	if !errors.Is(err, domain.ErrEmbeddingFailure) {
		t.Errorf("error = %v, want ErrEmbeddingFailure", err)
	}
}

func TestEmbedText_ReturnsTokenMap(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Texts) != 1 || req.Texts[0] != "solar panels" {
			t.Fatalf("unexpected texts: %v", req.Texts)
		}
		json.NewEncoder(w).Encode(embedResponse{
			Embeddings: [][][]float32{{{0.1, 0.2}, {0.3, 0.4}}},
			Tokens:     [][]string{{"solar", "panels"}},
		})
	})

	tensor, tokens, err := client.EmbedText(context.Background(), "solar panels")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tensor) != 2 {
		t.Fatalf("expected 2 token vectors, got %d", len(tensor))
	}
	if tokens[0] != "solar" || tokens[1] != "panels" {
		t.Errorf("unexpected token map: %v", tokens)
	}
}

func TestEmbedText_GarbageBodyWrapsSentinel(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	})

	_, _, err := client.EmbedText(context.Background(), "q")
	if !errors.Is(err, domain.ErrEmbeddingFailure) {
		t.Errorf("error = %v, want ErrEmbeddingFailure", err)
	}
}
