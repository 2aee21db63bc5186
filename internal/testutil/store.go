package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/conversation"
)

// MemoryConversationStore is an in-memory chat.ConversationStore with the
// same idempotency semantics as the PostgreSQL store: message inserts are
// unique per (conversation, generation) and the title transition is a
// compare-and-set. Safe for concurrent use.
type MemoryConversationStore struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*conversation.Conversation
	messages      []*conversation.Message
	citations     map[uuid.UUID][]conversation.Citation
	embeddings    map[uuid.UUID][]float32
}

// NewMemoryConversationStore creates an empty store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		conversations: make(map[uuid.UUID]*conversation.Conversation),
		citations:     make(map[uuid.UUID][]conversation.Citation),
		embeddings:    make(map[uuid.UUID][]float32),
	}
}

// AddConversation seeds a conversation, assigning an id when missing.
func (s *MemoryConversationStore) AddConversation(conv conversation.Conversation) *conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	conv.CreatedAt = time.Now()
	conv.UpdatedAt = conv.CreatedAt
	s.conversations[conv.ID] = &conv
	return &conv
}

// GetConversation mirrors the store contract: cross-organization access is
// indistinguishable from a missing row.
func (s *MemoryConversationStore) GetConversation(_ context.Context, orgID, id uuid.UUID) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok || conv.OrganizationID != orgID {
		return nil, conversation.ErrNotFound
	}
	copied := *conv
	return &copied, nil
}

// GetMessages returns messages in creation order, at most limit recent ones.
func (s *MemoryConversationStore) GetMessages(_ context.Context, conversationID uuid.UUID, limit int32) ([]*conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []*conversation.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			copied := *m
			msgs = append(msgs, &copied)
		}
	}
	if limit > 0 && len(msgs) > int(limit) {
		msgs = msgs[len(msgs)-int(limit):]
	}
	return msgs, nil
}

// CreateMessage appends a message, idempotent per (conversation, generation).
func (s *MemoryConversationStore) CreateMessage(_ context.Context, params conversation.CreateMessageParams) (*conversation.Message, error) {
	if params.Content == "" {
		return nil, conversation.ErrEmptyContent
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if params.GenerationID != uuid.Nil {
		for _, m := range s.messages {
			if m.ConversationID == params.ConversationID && m.GenerationID == params.GenerationID {
				copied := *m
				return &copied, nil
			}
		}
	}

	msg := &conversation.Message{
		ID:             uuid.New(),
		ConversationID: params.ConversationID,
		Role:           params.Role,
		Content:        params.Content,
		GenerationID:   params.GenerationID,
		Usage:          params.Usage,
		CreatedAt:      time.Now(),
	}
	s.messages = append(s.messages, msg)
	copied := *msg
	return &copied, nil
}

// UpdateMessageEmbedding records the message vector.
func (s *MemoryConversationStore) UpdateMessageEmbedding(_ context.Context, messageID uuid.UUID, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings[messageID] = embedding
	return nil
}

// AddCitations inserts citations, ignoring duplicates per (message, source).
func (s *MemoryConversationStore) AddCitations(_ context.Context, messageID uuid.UUID, citations []conversation.Citation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range citations {
		dup := false
		for _, existing := range s.citations[messageID] {
			if existing.SourceType == c.SourceType && existing.SourceID == c.SourceID {
				dup = true
				break
			}
		}
		if !dup {
			s.citations[messageID] = append(s.citations[messageID], c)
		}
	}
	return nil
}

// SetTitleIfEmpty performs the one-time title transition.
func (s *MemoryConversationStore) SetTitleIfEmpty(_ context.Context, conversationID uuid.UUID, title string) (bool, error) {
	if title == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok || conv.Title != "" {
		return false, nil
	}
	conv.Title = title
	return true, nil
}

// Messages returns a snapshot of all stored messages.
func (s *MemoryConversationStore) Messages() []conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
	}
	return out
}

// CitationsFor returns the stored citations for one message.
func (s *MemoryConversationStore) CitationsFor(messageID uuid.UUID) []conversation.Citation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversation.Citation(nil), s.citations[messageID]...)
}

// Title returns the current title of a conversation.
func (s *MemoryConversationStore) Title(conversationID uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		return conv.Title
	}
	return ""
}

// Embedding returns the stored vector for a message, if any.
func (s *MemoryConversationStore) Embedding(messageID uuid.UUID) []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.embeddings[messageID]
}
