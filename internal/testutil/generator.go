package testutil

import (
	"context"
	"strings"

	"github.com/recallhq/recall/internal/chat"
	"github.com/recallhq/recall/internal/conversation"
)

// ScriptedGenerator plays back a fixed chunk sequence as a chat.Generator.
// When Err is set, the generator fails after emitting FailAfter chunks.
type ScriptedGenerator struct {
	Chunks    []string
	Usage     conversation.Usage
	Err       error
	FailAfter int

	// Requests records every request seen, for assertions.
	Requests []chat.GenerateRequest
}

// Stream implements chat.Generator.
func (g *ScriptedGenerator) Stream(ctx context.Context, req chat.GenerateRequest, send func(chat.Event) error) (*chat.Final, error) {
	g.Requests = append(g.Requests, req)

	var text strings.Builder
	for i, chunk := range g.Chunks {
		if g.Err != nil && i == g.FailAfter {
			return nil, g.Err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := send(chat.Chunk(chunk)); err != nil {
			return nil, err
		}
		text.WriteString(chunk)
	}
	if g.Err != nil && g.FailAfter >= len(g.Chunks) {
		return nil, g.Err
	}
	return &chat.Final{Text: text.String(), Usage: g.Usage}, nil
}

// Generate implements chat.Generator.
func (g *ScriptedGenerator) Generate(ctx context.Context, req chat.GenerateRequest) (*chat.Final, error) {
	return g.Stream(ctx, req, func(chat.Event) error { return nil })
}
