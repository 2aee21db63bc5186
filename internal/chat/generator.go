package chat

import (
	"context"

	"github.com/recallhq/recall/internal/conversation"
	"github.com/recallhq/recall/internal/knowledge"
)

// GenerateRequest is the model input for one exchange.
type GenerateRequest struct {
	SystemPrompt string
	History      []conversation.Message
	Candidates   []knowledge.Candidate // retrieval context, may be empty
	Query        string
}

// Final is the model's completed output.
type Final struct {
	Text  string
	Usage conversation.Usage
}

// Generator is the model collaborator. Stream invokes the callback once per
// chunk event in order; a callback error aborts generation. The concatenation
// of streamed chunk contents equals Final.Text for a successful call.
// The genkit-backed implementation lives in internal/model.
type Generator interface {
	Stream(ctx context.Context, req GenerateRequest, send func(Event) error) (*Final, error)
	Generate(ctx context.Context, req GenerateRequest) (*Final, error)
}
