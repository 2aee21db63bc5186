package model

import (
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/knowledge"
)

func TestContextDocuments(t *testing.T) {
	id := uuid.New()
	candidates := []knowledge.Candidate{
		{EntityType: knowledge.EntityDecision, EntityID: id, Score: 0.9, Snippet: "we chose postgres"},
		{EntityType: knowledge.EntityTopic, EntityID: uuid.New(), Score: 0.8}, // no snippet
	}

	docs := contextDocuments(candidates)
	if len(docs) != 1 {
		t.Fatalf("contextDocuments() = %d docs, want 1 (snippetless dropped)", len(docs))
	}
	if docs[0].Content[0].Text != "we chose postgres" {
		t.Errorf("doc text = %q", docs[0].Content[0].Text)
	}
	if got := docs[0].Metadata["sourceId"]; got != id.String() {
		t.Errorf("doc sourceId = %v, want %v", got, id)
	}
}

func TestUsageOf(t *testing.T) {
	resp := &ai.ModelResponse{Usage: &ai.GenerationUsage{
		InputTokens:  11,
		OutputTokens: 4,
		TotalTokens:  15,
	}}

	usage := usageOf(resp)
	if usage.PromptTokens != 11 || usage.CompletionTokens != 4 || usage.TotalTokens != 15 {
		t.Errorf("usageOf() = %+v", usage)
	}

	if usage := usageOf(&ai.ModelResponse{}); usage.TotalTokens != 0 {
		t.Errorf("usageOf(no usage) = %+v, want zero", usage)
	}
}

func TestFormatSamples(t *testing.T) {
	got := formatSamples([]string{"alpha", "beta"})
	want := "1. alpha\n2. beta\n"
	if got != want {
		t.Errorf("formatSamples() = %q, want %q", got, want)
	}
}
