// Package model adapts Genkit generation to the pipeline's collaborator
// interfaces: the streaming chat generator and the cluster labeler.
package model

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/recallhq/recall/internal/chat"
	"github.com/recallhq/recall/internal/conversation"
	"github.com/recallhq/recall/internal/knowledge"
)

// Generator implements chat.Generator on a Genkit model.
type Generator struct {
	g      *genkit.Genkit
	model  string // provider-qualified model name
	logger *slog.Logger
}

// NewGenerator creates a Generator. A nil logger falls back to slog.Default().
func NewGenerator(g *genkit.Genkit, model string, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{g: g, model: model, logger: logger}
}

// Stream generates a response, forwarding each model chunk as a chat event.
func (m *Generator) Stream(ctx context.Context, req chat.GenerateRequest, send func(chat.Event) error) (*chat.Final, error) {
	opts := m.options(req)
	opts = append(opts, ai.WithStreaming(func(_ context.Context, chunk *ai.ModelResponseChunk) error {
		if text := chunk.Text(); text != "" {
			return send(chat.Chunk(text))
		}
		return nil
	}))
	return m.generate(ctx, opts)
}

// Generate produces the complete response without streaming.
func (m *Generator) Generate(ctx context.Context, req chat.GenerateRequest) (*chat.Final, error) {
	return m.generate(ctx, m.options(req))
}

func (m *Generator) generate(ctx context.Context, opts []ai.GenerateOption) (*chat.Final, error) {
	resp, err := genkit.Generate(ctx, m.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("model generation failed: %w", err)
	}
	return &chat.Final{Text: resp.Text(), Usage: usageOf(resp)}, nil
}

func (m *Generator) options(req chat.GenerateRequest) []ai.GenerateOption {
	messages := make([]*ai.Message, 0, len(req.History)+1)
	for _, msg := range req.History {
		switch msg.Role {
		case conversation.RoleAssistant:
			messages = append(messages, ai.NewModelMessage(ai.NewTextPart(msg.Content)))
		default:
			messages = append(messages, ai.NewUserMessage(ai.NewTextPart(msg.Content)))
		}
	}
	messages = append(messages, ai.NewUserMessage(ai.NewTextPart(req.Query)))

	opts := []ai.GenerateOption{
		ai.WithModelName(m.model),
		ai.WithMessages(messages...),
	}
	if req.SystemPrompt != "" {
		opts = append(opts, ai.WithSystem(req.SystemPrompt))
	}
	if docs := contextDocuments(req.Candidates); len(docs) > 0 {
		opts = append(opts, ai.WithDocs(docs...))
	}
	return opts
}

// contextDocuments converts retrieval candidates into grounding documents.
// Candidates without snippet text carry nothing the model can read.
func contextDocuments(candidates []knowledge.Candidate) []*ai.Document {
	docs := make([]*ai.Document, 0, len(candidates))
	for _, c := range candidates {
		if c.Snippet == "" {
			continue
		}
		docs = append(docs, ai.DocumentFromText(c.Snippet, map[string]any{
			"sourceType": string(c.EntityType),
			"sourceId":   c.EntityID.String(),
			"score":      c.Score,
		}))
	}
	return docs
}

func usageOf(resp *ai.ModelResponse) conversation.Usage {
	if resp.Usage == nil {
		return conversation.Usage{}
	}
	return conversation.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
}
