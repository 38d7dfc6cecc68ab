// Package chat streams generative explanations of search results. The page
// images it grounds the answer in are downloaded asynchronously by the
// similarity-map worker, so the streamer first waits for them to land on
// disk, then relays model deltas as server-sent events.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/visidex/internal/logger"
)

// Substitute prompt for visual-only searches, which carry no query text.
const defaultVisualPrompt = "Describe what you see in these images and their key visual elements."

// Event is one server-sent event emitted to the client.
type Event struct {
	Name string // "message" or "close"
	Data string
}

// Request identifies the conversation: the search query and the result
// documents to ground the answer in.
type Request struct {
	Query  string
	DocIDs []string
}

// Service implements the chat streamer.
type Service struct {
	streamer  Streamer
	images    ImageStore
	imageWait time.Duration
	pollEvery time.Duration
	maxImages int
}

// New creates a chat service.
func New(streamer Streamer, images ImageStore, imageWait, pollEvery time.Duration, maxImages int) *Service {
	if imageWait <= 0 {
		imageWait = 10 * time.Second
	}
	if pollEvery <= 0 {
		pollEvery = 200 * time.Millisecond
	}
	if maxImages <= 0 {
		maxImages = 3
	}
	return &Service{
		streamer:  streamer,
		images:    images,
		imageWait: imageWait,
		pollEvery: pollEvery,
		maxImages: maxImages,
	}
}

// Stream waits for result images and relays the model's answer. Every emitted
// message event carries the full accumulated text so far, with newlines
// replaced by <br> tags. The close event is always the last one emitted.
func (s *Service) Stream(ctx context.Context, req Request, emit func(Event) error) error {
	images := s.awaitImages(ctx, req.DocIDs)

	if err := emit(Event{Name: "message", Data: fmt.Sprintf("Generating response based on %d images...", len(images))}); err != nil {
		return err
	}
	if len(images) == 0 {
		logger.FromContext(ctx).Warn("no result images available for chat",
			zap.Strings("doc_ids", req.DocIDs))
		if err := emit(Event{Name: "message", Data: "Failed to load result images for this answer."}); err != nil {
			return err
		}
		return emit(Event{Name: "close"})
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		// Visual-only searches have no query text to answer.
		query = defaultVisualPrompt
	}

	var accumulated strings.Builder
	streamErr := s.streamer.StreamExplanation(ctx, query, images, func(delta string) error {
		accumulated.WriteString(delta)
		text := strings.ReplaceAll(accumulated.String(), "\n", "<br>")
		return emit(Event{Name: "message", Data: text})
	})
	if streamErr != nil {
		logger.FromContext(ctx).Warn("chat stream interrupted", zap.Error(streamErr))
	}
	return emit(Event{Name: "close"})
}

// awaitImages polls the image store until min(maxImages, len(docIDs)) images
// are present or the wait budget runs out, then returns whatever is on disk.
func (s *Service) awaitImages(ctx context.Context, docIDs []string) [][]byte {
	want := len(docIDs)
	if want > s.maxImages {
		want = s.maxImages
	}
	if want == 0 {
		return nil
	}
	ids := docIDs[:want]

	deadline := time.Now().Add(s.imageWait)
	for {
		ready := 0
		for _, id := range ids {
			if s.images.HasImage(id) {
				ready++
			}
		}
		if ready == want || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.pollEvery):
		}
	}

	var images [][]byte
	for _, id := range ids {
		data, err := s.images.ReadImage(id)
		if err != nil {
			continue
		}
		images = append(images, data)
	}
	return images
}
