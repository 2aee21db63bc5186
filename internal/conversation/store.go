// Package conversation implements the durable conversation and message store
// on PostgreSQL. Messages are append-only; assistant messages persisted from
// background tasks are idempotent per (conversation, generation) so an
// at-least-once dispatcher cannot create duplicates.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// DB is the subset of pgxpool.Pool the store needs.
// Defined by the consumer so tests and transactions can stand in for the pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store manages conversations, messages, and citation links.
//
// Store is safe for concurrent use by multiple goroutines; all synchronization
// happens at the database (conditional updates, unique indexes).
type Store struct {
	db     DB
	logger *slog.Logger
}

// New creates a new Store instance. A nil logger falls back to slog.Default().
func New(db DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// CreateConversation creates a new conversation.
func (s *Store) CreateConversation(ctx context.Context, params CreateConversationParams) (*Conversation, error) {
	metadata := params.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	videoIDs := params.VideoIDs
	if videoIDs == nil {
		videoIDs = []uuid.UUID{}
	}

	conv := &Conversation{
		OrganizationID: params.OrganizationID,
		OwnerID:        params.OwnerID,
		Title:          params.Title,
		SystemPrompt:   params.SystemPrompt,
		VideoIDs:       videoIDs,
		Metadata:       metadata,
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO conversations (organization_id, owner_id, title, system_prompt, video_ids, metadata)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
		RETURNING id, created_at, updated_at`,
		params.OrganizationID, params.OwnerID, params.Title, params.SystemPrompt, videoIDs, metadataJSON,
	).Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "organization_id", conv.OrganizationID)
	return conv, nil
}

// GetConversation retrieves a conversation visible to the given organization.
// Returns ErrNotFound both for missing rows and for rows owned by another
// organization, so existence is never leaked across tenants.
func (s *Store) GetConversation(ctx context.Context, orgID, id uuid.UUID) (*Conversation, error) {
	var (
		conv         Conversation
		title        *string
		systemPrompt *string
		metadataJSON []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, organization_id, owner_id, title, system_prompt, video_ids, metadata, created_at, updated_at
		FROM conversations
		WHERE id = $1 AND organization_id = $2`,
		id, orgID,
	).Scan(&conv.ID, &conv.OrganizationID, &conv.OwnerID, &title, &systemPrompt,
		&conv.VideoIDs, &metadataJSON, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}

	if title != nil {
		conv.Title = *title
	}
	if systemPrompt != nil {
		conv.SystemPrompt = *systemPrompt
	}
	if err := json.Unmarshal(metadataJSON, &conv.Metadata); err != nil {
		s.logger.Warn("failed to parse conversation metadata", "conversation_id", conv.ID, "error", err)
		conv.Metadata = map[string]string{}
	}

	return &conv, nil
}

// GetMessages retrieves messages in creation order.
// A limit > 0 returns only the most recent limit messages (still ascending);
// limit <= 0 returns the full history.
func (s *Store) GetMessages(ctx context.Context, conversationID uuid.UUID, limit int32) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, role, content, generation_id,
		       prompt_tokens, completion_tokens, total_tokens, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC`
	args := []any{conversationID}
	if limit > 0 {
		query = `
		SELECT id, conversation_id, role, content, generation_id,
		       prompt_tokens, completion_tokens, total_tokens, created_at
		FROM (
			SELECT id, conversation_id, role, content, generation_id,
			       prompt_tokens, completion_tokens, total_tokens, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages for conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	return messages, nil
}

// CreateMessage appends a message.
//
// When params.GenerationID is non-zero the insert is idempotent: a retry after
// partial failure returns the already-persisted message instead of a duplicate
// (unique partial index on (conversation_id, generation_id)).
func (s *Store) CreateMessage(ctx context.Context, params CreateMessageParams) (*Message, error) {
	if params.Content == "" {
		return nil, ErrEmptyContent
	}

	msg := &Message{
		ConversationID: params.ConversationID,
		Role:           params.Role,
		Content:        params.Content,
		GenerationID:   params.GenerationID,
		Usage:          params.Usage,
	}

	var genID *uuid.UUID
	if params.GenerationID != uuid.Nil {
		genID = &params.GenerationID
	}
	var promptTokens, completionTokens, totalTokens *int
	if params.Usage != nil {
		promptTokens = &params.Usage.PromptTokens
		completionTokens = &params.Usage.CompletionTokens
		totalTokens = &params.Usage.TotalTokens
	}

	err := s.db.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, role, content, generation_id,
		                      prompt_tokens, completion_tokens, total_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (conversation_id, generation_id) WHERE generation_id IS NOT NULL
		DO NOTHING
		RETURNING id, created_at`,
		params.ConversationID, params.Role, params.Content, genID,
		promptTokens, completionTokens, totalTokens,
	).Scan(&msg.ID, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict: this generation was already persisted. Return the
		// existing row so retried citation inserts get a valid message id.
		err = s.db.QueryRow(ctx, `
			SELECT id, created_at FROM messages
			WHERE conversation_id = $1 AND generation_id = $2`,
			params.ConversationID, params.GenerationID,
		).Scan(&msg.ID, &msg.CreatedAt)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	if _, err := s.db.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`,
		params.ConversationID); err != nil {
		// Advisory timestamp only; the message itself is durable.
		s.logger.Warn("failed to touch conversation", "conversation_id", params.ConversationID, "error", err)
	}

	s.logger.Debug("created message",
		"id", msg.ID, "conversation_id", msg.ConversationID, "role", msg.Role)
	return msg, nil
}

// AddCitations inserts citation rows for a message. Re-inserting the same
// (message, source) pair is a no-op, keeping background retries idempotent.
func (s *Store) AddCitations(ctx context.Context, messageID uuid.UUID, citations []Citation) error {
	for _, c := range citations {
		if _, err := s.db.Exec(ctx, `
			INSERT INTO message_citations (message_id, source_type, source_id, relevance, snippet)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''))
			ON CONFLICT (message_id, source_type, source_id) DO NOTHING`,
			messageID, c.SourceType, c.SourceID, c.Relevance, c.Snippet,
		); err != nil {
			return fmt.Errorf("failed to add citation %s/%s: %w", c.SourceType, c.SourceID, err)
		}
	}

	s.logger.Debug("added citations", "message_id", messageID, "count", len(citations))
	return nil
}

// GetCitations retrieves a message's citations ordered by relevance.
func (s *Store) GetCitations(ctx context.Context, messageID uuid.UUID) ([]Citation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT source_type, source_id, relevance, COALESCE(snippet, '')
		FROM message_citations
		WHERE message_id = $1
		ORDER BY relevance DESC, source_id ASC`,
		messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get citations for message %s: %w", messageID, err)
	}
	defer rows.Close()

	var citations []Citation
	for rows.Next() {
		var c Citation
		if err := rows.Scan(&c.SourceType, &c.SourceID, &c.Relevance, &c.Snippet); err != nil {
			return nil, fmt.Errorf("failed to scan citation: %w", err)
		}
		citations = append(citations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read citations: %w", err)
	}
	return citations, nil
}

// SetTitleIfEmpty sets the conversation title only when no title exists yet.
// The conditional UPDATE is the one-time transition guard: concurrent callers
// across process instances race safely, exactly one wins, the rest no-op.
// Returns whether this call set the title.
func (s *Store) SetTitleIfEmpty(ctx context.Context, conversationID uuid.UUID, title string) (bool, error) {
	if title == "" {
		return false, nil
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET title = $2, updated_at = now()
		WHERE id = $1 AND (title IS NULL OR title = '')`,
		conversationID, title)
	if err != nil {
		return false, fmt.Errorf("failed to set title for conversation %s: %w", conversationID, err)
	}

	set := tag.RowsAffected() > 0
	if set {
		s.logger.Debug("set conversation title", "conversation_id", conversationID)
	}
	return set, nil
}

// UpdateMessageEmbedding stores the embedding vector for a message.
// Called from the best-effort user-message indexing path.
func (s *Store) UpdateMessageEmbedding(ctx context.Context, messageID uuid.UUID, embedding []float32) error {
	vec := pgvector.NewVector(embedding)
	if _, err := s.db.Exec(ctx,
		`UPDATE messages SET embedding = $2 WHERE id = $1`,
		messageID, vec); err != nil {
		return fmt.Errorf("failed to update embedding for message %s: %w", messageID, err)
	}
	return nil
}

// scanMessage reads one message row including nullable usage fields.
func scanMessage(row pgx.Row) (*Message, error) {
	var (
		msg   Message
		genID *uuid.UUID

		promptTokens, completionTokens, totalTokens *int
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &genID,
		&promptTokens, &completionTokens, &totalTokens, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	if genID != nil {
		msg.GenerationID = *genID
	}
	if totalTokens != nil || promptTokens != nil || completionTokens != nil {
		usage := &Usage{}
		if promptTokens != nil {
			usage.PromptTokens = *promptTokens
		}
		if completionTokens != nil {
			usage.CompletionTokens = *completionTokens
		}
		if totalTokens != nil {
			usage.TotalTokens = *totalTokens
		}
		msg.Usage = usage
	}
	return &msg, nil
}
