// Package openai adapts the OpenAI-compatible chat API for the two generative
// tasks in the pipeline: structured query synthesis at ingest time and
// streamed result explanations at chat time.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kailas-cloud/visidex/internal/domain"
)

const defaultSynthesisPrompt = `You are given one page of a document as an image, plus any machine-readable text from that page. Generate retrieval training data for this page as JSON with exactly these string fields: broad_topical_question, broad_topical_query, specific_detail_question, specific_detail_query, visual_element_question, visual_element_query. Questions are natural-language; queries are short keyword searches. If the page has no visual elements (charts, tables, figures), leave the visual_element fields empty.`

const defaultChatSystemPrompt = `You are a helpful assistant. Answer the user's question using only the document page images provided. If the images do not contain the answer, say so.`

// Generator implements query synthesis and chat explanation over the
// OpenAI-compatible API.
type Generator struct {
	client       *openai.Client
	model        string
	prompt       string
	systemPrompt string
}

// Config holds the generative model settings.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	Prompt       string
	SystemPrompt string
}

// NewGenerator creates a generative model adapter.
func NewGenerator(cfg *Config) *Generator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	prompt := cfg.Prompt
	if prompt == "" {
		prompt = defaultSynthesisPrompt
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultChatSystemPrompt
	}

	return &Generator{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        cfg.Model,
		prompt:       prompt,
		systemPrompt: systemPrompt,
	}
}

// synthesisFields mirrors the JSON object the model is instructed to emit.
type synthesisFields struct {
	BroadTopicalQuestion   string `json:"broad_topical_question"`
	BroadTopicalQuery      string `json:"broad_topical_query"`
	SpecificDetailQuestion string `json:"specific_detail_question"`
	SpecificDetailQuery    string `json:"specific_detail_query"`
	VisualElementQuestion  string `json:"visual_element_question"`
	VisualElementQuery     string `json:"visual_element_query"`
}

// GenerateQueries asks the model for the six synthetic retrieval fields for
// one page. The caller decides what a failure means; this method just reports
// it.
func (g *Generator) GenerateQueries(ctx context.Context, title string, pageJPEG []byte, pageText string) (domain.Synthesis, error) {
	userText := g.prompt
	if title != "" {
		userText += "\n\nDocument title: " + title
	}
	if pageText != "" {
		userText += "\n\nPage text:\n" + pageText
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: userText},
					imagePart(pageJPEG),
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return domain.Synthesis{}, fmt.Errorf("query synthesis request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.Synthesis{}, errors.New("query synthesis returned no choices")
	}

	var fields synthesisFields
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &fields); err != nil {
		return domain.Synthesis{}, fmt.Errorf("parse synthesis response: %w", err)
	}

	return domain.Synthesis{
		BroadTopicalQuestion:   fields.BroadTopicalQuestion,
		BroadTopicalQuery:      fields.BroadTopicalQuery,
		SpecificDetailQuestion: fields.SpecificDetailQuestion,
		SpecificDetailQuery:    fields.SpecificDetailQuery,
		VisualElementQuestion:  fields.VisualElementQuestion,
		VisualElementQuery:     fields.VisualElementQuery,
	}, nil
}

// StreamExplanation streams a model answer grounded in the given page images.
// Each content delta is passed to emit as it arrives; a non-nil emit error
// stops the stream.
func (g *Generator) StreamExplanation(ctx context.Context, query string, images [][]byte, emit func(delta string) error) error {
	parts := make([]openai.ChatMessagePart, 0, len(images)+1)
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: query,
	})
	for _, img := range images {
		parts = append(parts, imagePart(img))
	}

	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: g.systemPrompt},
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
		Stream: true,
	})
	if err != nil {
		return fmt.Errorf("open chat stream: %w", err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read chat stream: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := emit(delta); err != nil {
			return err
		}
	}
}

func imagePart(jpeg []byte) openai.ChatMessagePart {
	var b strings.Builder
	b.WriteString("data:image/jpeg;base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(jpeg))
	return openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{
			URL:    b.String(),
			Detail: openai.ImageURLDetailAuto,
		},
	}
}
