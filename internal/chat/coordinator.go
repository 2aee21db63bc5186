// Package chat coordinates one conversational exchange: context retrieval,
// streaming generation, and non-blocking persistence.
//
// A stream moves through Idle, Streaming, Finishing, and Closed; a model
// failure moves it to Errored instead, emitting a terminal error event and
// persisting nothing. Persistence runs detached from the request on the
// coordinator's background context, so a client disconnect cancels the model
// call but never loses a completed response.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/conversation"
	"github.com/recallhq/recall/internal/knowledge"
	"github.com/recallhq/recall/internal/retrieval"
)

// Defaults applied when the corresponding option is not set.
const (
	DefaultHistoryLimit = 50
	DefaultModelTimeout = 60 * time.Second

	eventBuffer = 16
)

// ErrGenerationFailed indicates the model call failed before completing.
var ErrGenerationFailed = errors.New("generation failed")

// ConversationStore is the subset of the conversation package the coordinator
// needs. conversation.Store satisfies it.
type ConversationStore interface {
	GetConversation(ctx context.Context, orgID, id uuid.UUID) (*conversation.Conversation, error)
	GetMessages(ctx context.Context, conversationID uuid.UUID, limit int32) ([]*conversation.Message, error)
	CreateMessage(ctx context.Context, params conversation.CreateMessageParams) (*conversation.Message, error)
	UpdateMessageEmbedding(ctx context.Context, messageID uuid.UUID, embedding []float32) error
	AddCitations(ctx context.Context, messageID uuid.UUID, citations []conversation.Citation) error
	SetTitleIfEmpty(ctx context.Context, conversationID uuid.UUID, title string) (bool, error)
}

// Retriever assembles the knowledge context. retrieval.Assembler satisfies it.
type Retriever interface {
	Assemble(ctx context.Context, p retrieval.Params) (*retrieval.Context, error)
}

// Indexer receives user-message vectors for future retrieval.
// knowledge.Store satisfies it.
type Indexer interface {
	Upsert(ctx context.Context, v knowledge.Vector) error
}

// Request is one user turn.
type Request struct {
	OrganizationID uuid.UUID
	UserID         uuid.UUID
	ConversationID uuid.UUID
	Content        string
}

// Response is the non-streaming result, returned only after generation and
// persistence both completed.
type Response struct {
	UserMessage      *conversation.Message   `json:"userMessage"`
	AssistantMessage *conversation.Message   `json:"assistantMessage"`
	Sources          []conversation.Citation `json:"sources"`
	Usage            conversation.Usage      `json:"usage"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHistoryLimit bounds how many recent messages feed the model.
func WithHistoryLimit(n int32) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.historyLimit = n
		}
	}
}

// WithModelTimeout bounds the model call.
func WithModelTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.modelTimeout = d
		}
	}
}

// WithEmbedder enables best-effort user-message embedding.
func WithEmbedder(e ai.Embedder) Option {
	return func(c *Coordinator) { c.embedder = e }
}

// WithIndexer mirrors user-message embeddings into the knowledge store.
func WithIndexer(i Indexer) Option {
	return func(c *Coordinator) { c.indexer = i }
}

// Coordinator runs chat exchanges. Safe for concurrent use.
type Coordinator struct {
	store     ConversationStore
	retriever Retriever
	generator Generator
	embedder  ai.Embedder // nil disables user-message embedding
	indexer   Indexer     // nil disables knowledge indexing
	logger    *slog.Logger

	historyLimit int32
	modelTimeout time.Duration

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewCoordinator creates a Coordinator. A nil logger falls back to
// slog.Default().
func NewCoordinator(store ConversationStore, retriever Retriever, generator Generator, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:        store,
		retriever:    retriever,
		generator:    generator,
		logger:       logger,
		historyLimit: DefaultHistoryLimit,
		modelTimeout: DefaultModelTimeout,
		bgCtx:        bgCtx,
		bgCancel:     bgCancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close waits for in-flight background persistence to finish. If ctx expires
// first, remaining tasks are cancelled and the context error returned.
func (c *Coordinator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.bgCancel()
		return nil
	case <-ctx.Done():
		c.bgCancel()
		return ctx.Err()
	}
}

// spawn runs fn detached from the request, tracked for shutdown.
func (c *Coordinator) spawn(fn func(ctx context.Context)) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn(c.bgCtx)
	}()
}

// exchange is the per-request state shared by the streaming and blocking paths.
type exchange struct {
	conv        *conversation.Conversation
	userMessage *conversation.Message
	history     []conversation.Message
	retrieved   *retrieval.Context
	query       string
}

// prepare runs the pre-stream phase: validation, conversation load, user
// message persistence, and context assembly. Errors here are returned to the
// caller directly; nothing has been streamed yet.
func (c *Coordinator) prepare(ctx context.Context, req Request) (*exchange, error) {
	query := strings.TrimSpace(req.Content)
	if query == "" {
		return nil, conversation.ErrEmptyContent
	}

	conv, err := c.store.GetConversation(ctx, req.OrganizationID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	msgs, err := c.store.GetMessages(ctx, conv.ID, c.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	history := make([]conversation.Message, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, *m)
	}

	userMsg, err := c.store.CreateMessage(ctx, conversation.CreateMessageParams{
		ConversationID: conv.ID,
		Role:           conversation.RoleUser,
		Content:        query,
	})
	if err != nil {
		return nil, fmt.Errorf("persisting user message: %w", err)
	}
	c.indexUserMessage(conv, userMsg)

	retrieved, err := c.retriever.Assemble(ctx, retrieval.Params{
		OrganizationID: conv.OrganizationID,
		VideoIDs:       conv.VideoIDs,
		Query:          query,
		History:        history,
	})
	if err != nil {
		if errors.Is(err, knowledge.ErrScopeViolation) {
			// Never degrade past a scope violation.
			return nil, fmt.Errorf("assembling context: %w", err)
		}
		// Other retrieval failures and timeouts degrade to an
		// uninformed exchange rather than failing it.
		c.logger.Warn("retrieval failed, continuing with empty context",
			"conversation_id", conv.ID, "error", err)
		retrieved = &retrieval.Context{History: history}
	}

	return &exchange{
		conv:        conv,
		userMessage: userMsg,
		history:     history,
		retrieved:   retrieved,
		query:       query,
	}, nil
}

// indexUserMessage dispatches best-effort embedding of the user's message.
// Failures degrade future retrieval quality, never the current exchange.
func (c *Coordinator) indexUserMessage(conv *conversation.Conversation, msg *conversation.Message) {
	if c.embedder == nil {
		return
	}
	c.spawn(func(ctx context.Context) {
		resp, err := c.embedder.Embed(ctx, &ai.EmbedRequest{
			Input: []*ai.Document{ai.DocumentFromText(msg.Content, nil)},
		})
		if err != nil || len(resp.Embeddings) == 0 {
			c.logger.Debug("user message embedding skipped", "message_id", msg.ID, "error", err)
			return
		}
		vec := resp.Embeddings[0].Embedding

		if err := c.store.UpdateMessageEmbedding(ctx, msg.ID, vec); err != nil {
			c.logger.Debug("failed to store message embedding", "message_id", msg.ID, "error", err)
		}
		if c.indexer == nil {
			return
		}
		if err := c.indexer.Upsert(ctx, knowledge.Vector{
			OrganizationID: conv.OrganizationID,
			EntityType:     knowledge.EntityMessage,
			EntityID:       msg.ID,
			Embedding:      vec,
			Content:        msg.Content,
		}); err != nil {
			c.logger.Debug("failed to index message vector", "message_id", msg.ID, "error", err)
		}
	})
}

// ChatStream runs one streaming exchange. Pre-stream failures are returned;
// afterwards all outcomes arrive as events on the returned channel, which is
// closed after the terminal done or error event.
func (c *Coordinator) ChatStream(ctx context.Context, req Request) (<-chan Event, error) {
	ex, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, eventBuffer)
	go c.stream(ctx, ex, events)
	return events, nil
}

func (c *Coordinator) stream(ctx context.Context, ex *exchange, events chan<- Event) {
	defer close(events)

	send := func(ev Event) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	mctx, cancel := context.WithTimeout(ctx, c.modelTimeout)
	defer cancel()

	final, err := c.generator.Stream(mctx, c.generateRequest(ex), func(ev Event) error {
		if ev.Type != EventTypeChunk {
			return nil
		}
		return send(ev)
	})
	if err != nil {
		c.logger.Error("generation failed",
			"conversation_id", ex.conv.ID, "error", err)
		_ = send(ErrorEvent("generation failed"))
		return
	}

	// Finishing: persistence is dispatched before any further sends, so a
	// client gone by now still gets its completed response stored. The
	// done event reports the message id only when the background insert
	// happened to win the race; the stream closing means the exchange is
	// over, not that storage succeeded.
	citations := c.citations(ex)
	persisted := make(chan uuid.UUID, 1)
	c.persistAssistant(ex, final, citations, persisted)

	for _, cit := range citations {
		if err := send(SourceEvent(cit)); err != nil {
			return
		}
	}

	done := Done(uuid.Nil, &final.Usage)
	select {
	case id := <-persisted:
		done.MessageID = id
	default:
	}
	_ = send(done)
}

// Chat runs one blocking exchange: the response returns only after generation
// and persistence both completed.
func (c *Coordinator) Chat(ctx context.Context, req Request) (*Response, error) {
	ex, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	mctx, cancel := context.WithTimeout(ctx, c.modelTimeout)
	defer cancel()

	final, err := c.generator.Generate(mctx, c.generateRequest(ex))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGenerationFailed, err)
	}

	citations := c.citations(ex)
	msg, err := c.storeAssistant(ctx, ex, final, citations, uuid.New())
	if err != nil {
		return nil, err
	}

	return &Response{
		UserMessage:      ex.userMessage,
		AssistantMessage: msg,
		Sources:          citations,
		Usage:            final.Usage,
	}, nil
}

func (c *Coordinator) generateRequest(ex *exchange) GenerateRequest {
	return GenerateRequest{
		SystemPrompt: ex.conv.SystemPrompt,
		History:      ex.retrieved.History,
		Candidates:   ex.retrieved.Candidates,
		Query:        ex.query,
	}
}

// citations converts retrieval candidates into citation rows, similarity
// rescaled to the persisted 0-100 integer.
func (c *Coordinator) citations(ex *exchange) []conversation.Citation {
	if len(ex.retrieved.Candidates) == 0 {
		return nil
	}
	citations := make([]conversation.Citation, 0, len(ex.retrieved.Candidates))
	for _, cand := range ex.retrieved.Candidates {
		citations = append(citations, conversation.Citation{
			SourceType: conversation.SourceType(cand.EntityType),
			SourceID:   cand.EntityID,
			Relevance:  conversation.RoundRelevance(cand.Score),
			Snippet:    cand.Snippet,
		})
	}
	return citations
}

// persistAssistant dispatches the post-stream persistence task. The message id
// is delivered on persisted if the insert completes.
func (c *Coordinator) persistAssistant(ex *exchange, final *Final, citations []conversation.Citation, persisted chan<- uuid.UUID) {
	generationID := uuid.New()
	c.spawn(func(ctx context.Context) {
		msg, err := c.storeAssistant(ctx, ex, final, citations, generationID)
		if err != nil {
			// Post-stream tier: log only, the client stream is closed.
			c.logger.Error("assistant persistence failed",
				"conversation_id", ex.conv.ID,
				"generation_id", generationID,
				"error", err)
			return
		}
		persisted <- msg.ID
	})
}

// storeAssistant persists the assistant message, its citations, and the
// one-time conversation title. Idempotent per (conversation, generation).
func (c *Coordinator) storeAssistant(ctx context.Context, ex *exchange, final *Final, citations []conversation.Citation, generationID uuid.UUID) (*conversation.Message, error) {
	usage := final.Usage
	msg, err := c.store.CreateMessage(ctx, conversation.CreateMessageParams{
		ConversationID: ex.conv.ID,
		Role:           conversation.RoleAssistant,
		Content:        final.Text,
		GenerationID:   generationID,
		Usage:          &usage,
	})
	if err != nil {
		return nil, fmt.Errorf("persisting assistant message: %w", err)
	}

	if len(citations) > 0 {
		if err := c.store.AddCitations(ctx, msg.ID, citations); err != nil {
			return nil, fmt.Errorf("persisting citations for message %s: %w", msg.ID, err)
		}
	}
	msg.Citations = citations

	// The title comes from the opening user message; an untitled
	// conversation with prior history never gets back-filled from a
	// later exchange.
	if ex.conv.Title == "" && len(ex.history) == 0 {
		if _, err := c.store.SetTitleIfEmpty(ctx, ex.conv.ID, conversation.TitleFromMessage(ex.query)); err != nil {
			// Cosmetic; losing the race or failing here changes nothing
			// about the stored exchange.
			c.logger.Warn("failed to set conversation title",
				"conversation_id", ex.conv.ID, "error", err)
		}
	}

	return msg, nil
}
