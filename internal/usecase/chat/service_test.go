package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// --- Mocks ---

type mockStreamer struct {
	deltas    []string
	err       error
	gotQuery  string
	gotImages int
	called    bool
}

func (m *mockStreamer) StreamExplanation(_ context.Context, query string, images [][]byte, emit func(string) error) error {
	m.called = true
	m.gotQuery = query
	m.gotImages = len(images)
	if m.err != nil {
		return m.err
	}
	for _, d := range m.deltas {
		if err := emit(d); err != nil {
			return err
		}
	}
	return nil
}

type mockImages struct {
	mu     sync.Mutex
	onDisk map[string][]byte
}

func newMockImages(ids ...string) *mockImages {
	m := &mockImages{onDisk: make(map[string][]byte)}
	for _, id := range ids {
		m.onDisk[id] = []byte("jpeg-" + id)
	}
	return m
}

func (m *mockImages) HasImage(docID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.onDisk[docID]
	return ok
}

func (m *mockImages) ReadImage(docID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.onDisk[docID]
	if !ok {
		return nil, errors.New("missing")
	}
	return data, nil
}

func (m *mockImages) add(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisk[docID] = []byte("jpeg-" + docID)
}

func collect(t *testing.T, svc *Service, req Request) []Event {
	t.Helper()
	var events []Event
	if err := svc.Stream(context.Background(), req, func(e Event) error {
		events = append(events, e)
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return events
}

func fastService(streamer Streamer, images ImageStore) *Service {
	return New(streamer, images, 300*time.Millisecond, 20*time.Millisecond, 3)
}

// --- Tests ---

func TestStream_RelaysAccumulatedText(t *testing.T) {
	streamer := &mockStreamer{deltas: []string{"The chart", " shows\nrevenue."}}
	svc := fastService(streamer, newMockImages("doc1_0"))

	events := collect(t, svc, Request{Query: "what does the chart show?", DocIDs: []string{"doc1_0"}})

	if events[len(events)-1].Name != "close" {
		t.Error("last event must be close")
	}
	last := events[len(events)-2]
	if last.Name != "message" {
		t.Fatalf("expected message event, got %+v", last)
	}
	if last.Data != "The chart shows<br>revenue." {
		t.Errorf("accumulated text = %q", last.Data)
	}
	if streamer.gotImages != 1 {
		t.Errorf("streamer received %d images, want 1", streamer.gotImages)
	}
}

func TestStream_ZeroImagesEmitsFailureAndClose(t *testing.T) {
	streamer := &mockStreamer{deltas: []string{"never"}}
	svc := fastService(streamer, newMockImages())

	events := collect(t, svc, Request{Query: "q", DocIDs: []string{"ghost"}})

	if streamer.called {
		t.Error("model must not be called without images")
	}
	if events[len(events)-1].Name != "close" {
		t.Error("stream must end with close")
	}
	foundFailure := false
	for _, e := range events {
		if e.Name == "message" && strings.Contains(e.Data, "Failed") {
			foundFailure = true
		}
	}
	if !foundFailure {
		t.Error("expected a failure message event")
	}
}

func TestStream_WaitsForLateImages(t *testing.T) {
	streamer := &mockStreamer{deltas: []string{"answer"}}
	images := newMockImages()
	svc := fastService(streamer, images)

	go func() {
		time.Sleep(60 * time.Millisecond)
		images.add("doc1_0")
	}()

	events := collect(t, svc, Request{Query: "q", DocIDs: []string{"doc1_0"}})

	if streamer.gotImages != 1 {
		t.Errorf("streamer received %d images, want 1 after waiting", streamer.gotImages)
	}
	if events[0].Data != "Generating response based on 1 images..." {
		t.Errorf("first event = %+v", events[0])
	}
}

func TestStream_CapsImageCount(t *testing.T) {
	streamer := &mockStreamer{deltas: []string{"x"}}
	images := newMockImages("a", "b", "c", "d", "e")
	svc := fastService(streamer, images)

	collect(t, svc, Request{Query: "q", DocIDs: []string{"a", "b", "c", "d", "e"}})

	if streamer.gotImages != 3 {
		t.Errorf("streamer received %d images, want cap of 3", streamer.gotImages)
	}
}

func TestStream_EmptyQueryUsesDefaultPrompt(t *testing.T) {
	streamer := &mockStreamer{deltas: []string{"x"}}
	svc := fastService(streamer, newMockImages("doc1_0"))

	collect(t, svc, Request{Query: "   ", DocIDs: []string{"doc1_0"}})

	if streamer.gotQuery != defaultVisualPrompt {
		t.Errorf("query = %q, want default visual prompt", streamer.gotQuery)
	}
}

func TestStream_ModelFailureStillCloses(t *testing.T) {
	streamer := &mockStreamer{err: errors.New("model gone")}
	svc := fastService(streamer, newMockImages("doc1_0"))

	events := collect(t, svc, Request{Query: "q", DocIDs: []string{"doc1_0"}})

	if events[len(events)-1].Name != "close" {
		t.Error("stream must close even when the model fails")
	}
}

func TestStream_PartialImagesAfterTimeout(t *testing.T) {
	// Two requested, one on disk: after the wait budget, stream with what we have.
	streamer := &mockStreamer{deltas: []string{"x"}}
	svc := New(streamer, newMockImages("doc1_0"), 100*time.Millisecond, 20*time.Millisecond, 3)

	events := collect(t, svc, Request{Query: "q", DocIDs: []string{"doc1_0", "ghost"}})

	if streamer.gotImages != 1 {
		t.Errorf("streamer received %d images, want the 1 available", streamer.gotImages)
	}
	if events[len(events)-1].Name != "close" {
		t.Error("stream must end with close")
	}
}
