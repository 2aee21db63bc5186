package conversation

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// SourceType categorizes the knowledge entity a citation points at.
type SourceType string

const (
	SourceDecision        SourceType = "decision"
	SourceTranscriptChunk SourceType = "transcript_chunk"
	SourceVideo           SourceType = "video"
	SourceTopic           SourceType = "topic"
)

// TitleMaxLength is the maximum conversation title length. Titles derived from
// the first user message are truncated to this many runes.
const TitleMaxLength = 50

// Conversation is a durable chat thread, scoped to one organization.
// Created on the first user message; never deleted by this subsystem.
type Conversation struct {
	ID             uuid.UUID         `json:"id"`
	OrganizationID uuid.UUID         `json:"organizationId"`
	OwnerID        uuid.UUID         `json:"ownerId"`
	Title          string            `json:"title,omitempty"` // empty until the first exchange back-fills it
	SystemPrompt   string            `json:"systemPrompt,omitempty"`
	VideoIDs       []uuid.UUID       `json:"videoIds,omitempty"` // optional retrieval scope
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Usage holds token accounting reported by the model collaborator.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Citation links an assistant message to a knowledge entity it referenced.
// Relevance is carried from the retrieval step (0-100), not recomputed here.
type Citation struct {
	SourceType SourceType `json:"sourceType"`
	SourceID   uuid.UUID  `json:"sourceId"`
	Relevance  int        `json:"relevance"`
	Snippet    string     `json:"snippet,omitempty"`
}

// Message is an append-only conversation entry, ordered by creation time.
type Message struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversationId"`
	Role           Role       `json:"role"`
	Content        string     `json:"content"`
	GenerationID   uuid.UUID  `json:"-"` // zero when not produced by a generation
	Citations      []Citation `json:"citations,omitempty"`
	Usage          *Usage     `json:"usage,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// CreateConversationParams holds fields for a new conversation.
type CreateConversationParams struct {
	OrganizationID uuid.UUID
	OwnerID        uuid.UUID
	Title          string
	SystemPrompt   string
	VideoIDs       []uuid.UUID
	Metadata       map[string]string
}

// CreateMessageParams holds fields for a new message.
// GenerationID, when non-zero, makes the insert idempotent per
// (conversation, generation) so background retries cannot duplicate it.
type CreateMessageParams struct {
	ConversationID uuid.UUID
	Role           Role
	Content        string
	GenerationID   uuid.UUID
	Usage          *Usage
}

// RoundRelevance converts a 0-1 similarity score to the persisted 0-100
// integer relevance, rounding half-up and clamping to the valid range.
func RoundRelevance(score float64) int {
	r := int(math.Round(score * 100))
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return r
}

// TitleFromMessage derives a conversation title from the first user message:
// the first TitleMaxLength runes, with "..." appended when truncated.
func TitleFromMessage(content string) string {
	runes := []rune(content)
	if len(runes) <= TitleMaxLength {
		return content
	}
	return string(runes[:TitleMaxLength]) + "..."
}
