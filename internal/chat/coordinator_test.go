package chat_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/recallhq/recall/internal/chat"
	"github.com/recallhq/recall/internal/conversation"
	"github.com/recallhq/recall/internal/knowledge"
	"github.com/recallhq/recall/internal/retrieval"
	"github.com/recallhq/recall/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testOrg = uuid.MustParse("11111111-1111-1111-1111-111111111111")

type stubRetriever struct {
	retrieved *retrieval.Context
	err       error
}

func (s *stubRetriever) Assemble(_ context.Context, p retrieval.Params) (*retrieval.Context, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.retrieved != nil {
		return s.retrieved, nil
	}
	return &retrieval.Context{History: p.History}, nil
}

// disconnectingGenerator cancels the request context the moment generation
// completes, as a client that goes away right before the finishing phase.
type disconnectingGenerator struct {
	cancel context.CancelFunc
	text   string
}

func (g *disconnectingGenerator) Stream(_ context.Context, _ chat.GenerateRequest, _ func(chat.Event) error) (*chat.Final, error) {
	g.cancel()
	return &chat.Final{Text: g.text}, nil
}

func (g *disconnectingGenerator) Generate(ctx context.Context, req chat.GenerateRequest) (*chat.Final, error) {
	return g.Stream(ctx, req, nil)
}

type blockingGenerator struct{}

func (blockingGenerator) Stream(ctx context.Context, _ chat.GenerateRequest, _ func(chat.Event) error) (*chat.Final, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (g blockingGenerator) Generate(ctx context.Context, req chat.GenerateRequest) (*chat.Final, error) {
	return g.Stream(ctx, req, nil)
}

// collect drains the event channel, failing the test if it does not close.
func collect(t *testing.T, events <-chan chat.Event) []chat.Event {
	t.Helper()
	var got []chat.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("stream did not close; events so far: %v", got)
		}
	}
}

func closeCoordinator(t *testing.T, c *chat.Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func messagesByRole(store *testutil.MemoryConversationStore, role conversation.Role) []conversation.Message {
	var out []conversation.Message
	for _, m := range store.Messages() {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

func TestChatStreamDeliversChunksSourcesDone(t *testing.T) {
	store := testutil.NewMemoryConversationStore()
	conv := store.AddConversation(conversation.Conversation{OrganizationID: testOrg})

	sourceID := uuid.New()
	retriever := &stubRetriever{retrieved: &retrieval.Context{
		Candidates: []knowledge.Candidate{{
			EntityType: knowledge.EntityDecision,
			EntityID:   sourceID,
			Score:      0.876,
			Snippet:    "we agreed on tiered pricing",
		}},
	}}
	gen := &testutil.ScriptedGenerator{
		Chunks: []string{"Tiered ", "pricing ", "was agreed."},
		Usage:  conversation.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	coord := chat.NewCoordinator(store, retriever, gen, nil)
	defer closeCoordinator(t, coord)

	events, err := coord.ChatStream(context.Background(), chat.Request{
		OrganizationID: testOrg,
		ConversationID: conv.ID,
		Content:        "What did we decide about pricing?",
	})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	got := collect(t, events)

	var (
		text    strings.Builder
		sources []conversation.Citation
		done    *chat.Event
	)
	for i, ev := range got {
		switch ev.Type {
		case chat.EventTypeChunk:
			if len(sources) > 0 || done != nil {
				t.Errorf("chunk event at %d after sources/done", i)
			}
			text.WriteString(ev.Content)
		case chat.EventTypeSource:
			sources = append(sources, *ev.Source)
		case chat.EventTypeDone:
			ev := ev
			done = &ev
		case chat.EventTypeError:
			t.Fatalf("unexpected error event: %q", ev.Err)
		}
	}

	if text.String() != "Tiered pricing was agreed." {
		t.Errorf("chunk concatenation = %q, want full response text", text.String())
	}
	if len(sources) != 1 {
		t.Fatalf("source events = %d, want 1", len(sources))
	}
	if sources[0].Relevance != 88 {
		t.Errorf("source relevance = %d, want 88", sources[0].Relevance)
	}
	if sources[0].SourceID != sourceID {
		t.Errorf("source id = %v, want %v", sources[0].SourceID, sourceID)
	}
	if done == nil {
		t.Fatal("no done event")
	}
	if done.Usage == nil || done.Usage.TotalTokens != 15 {
		t.Errorf("done usage = %+v, want total 15", done.Usage)
	}
	if got[len(got)-1].Type != chat.EventTypeDone {
		t.Errorf("last event = %v, want done", got[len(got)-1].Type)
	}

	closeCoordinator(t, coord)

	assistant := messagesByRole(store, conversation.RoleAssistant)
	if len(assistant) != 1 {
		t.Fatalf("assistant messages = %d, want 1", len(assistant))
	}
	if assistant[0].Content != "Tiered pricing was agreed." {
		t.Errorf("persisted content = %q", assistant[0].Content)
	}
	if cits := store.CitationsFor(assistant[0].ID); len(cits) != 1 {
		t.Errorf("persisted citations = %d, want 1", len(cits))
	}
	if title := store.Title(conv.ID); title != "What did we decide about pricing?" {
		t.Errorf("title = %q, want the first user message verbatim", title)
	}
}

func TestChatStreamModelFailureAfterChunks(t *testing.T) {
	store := testutil.NewMemoryConversationStore()
	conv := store.AddConversation(conversation.Conversation{OrganizationID: testOrg})

	gen := &testutil.ScriptedGenerator{
		Chunks:    []string{"first ", "second ", "never"},
		Err:       errors.New("model exploded"),
		FailAfter: 2,
	}
	coord := chat.NewCoordinator(store, &stubRetriever{}, gen, nil)
	defer closeCoordinator(t, coord)

	events, err := coord.ChatStream(context.Background(), chat.Request{
		OrganizationID: testOrg,
		ConversationID: conv.ID,
		Content:        "hello",
	})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	got := collect(t, events)

	want := []chat.EventType{chat.EventTypeChunk, chat.EventTypeChunk, chat.EventTypeError}
	if len(got) != len(want) {
		t.Fatalf("events = %d, want %d (%v)", len(got), len(want), got)
	}
	for i, typ := range want {
		if got[i].Type != typ {
			t.Errorf("event[%d] = %v, want %v", i, got[i].Type, typ)
		}
	}

	closeCoordinator(t, coord)
	if assistant := messagesByRole(store, conversation.RoleAssistant); len(assistant) != 0 {
		t.Errorf("assistant messages persisted after failure = %d, want 0", len(assistant))
	}
}

func TestChatStreamModelTimeout(t *testing.T) {
	store := testutil.NewMemoryConversationStore()
	conv := store.AddConversation(conversation.Conversation{OrganizationID: testOrg})

	coord := chat.NewCoordinator(store, &stubRetriever{}, blockingGenerator{}, nil,
		chat.WithModelTimeout(20*time.Millisecond))
	defer closeCoordinator(t, coord)

	events, err := coord.ChatStream(context.Background(), chat.Request{
		OrganizationID: testOrg,
		ConversationID: conv.ID,
		Content:        "hello",
	})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	got := collect(t, events)

	if len(got) != 1 || got[0].Type != chat.EventTypeError {
		t.Fatalf("events = %v, want single error event", got)
	}
}

func TestChatStreamValidation(t *testing.T) {
	store := testutil.NewMemoryConversationStore()
	conv := store.AddConversation(conversation.Conversation{OrganizationID: testOrg})
	coord := chat.NewCoordinator(store, &stubRetriever{}, &testutil.ScriptedGenerator{Chunks: []string{"x"}}, nil)
	defer closeCoordinator(t, coord)

	tests := []struct {
		name    string
		req     chat.Request
		wantErr error
	}{
		{
			name:    "empty content",
			req:     chat.Request{OrganizationID: testOrg, ConversationID: conv.ID, Content: "  "},
			wantErr: conversation.ErrEmptyContent,
		},
		{
			name:    "unknown conversation",
			req:     chat.Request{OrganizationID: testOrg, ConversationID: uuid.New(), Content: "hi"},
			wantErr: conversation.ErrNotFound,
		},
		{
			name:    "cross organization access",
			req:     chat.Request{OrganizationID: uuid.New(), ConversationID: conv.ID, Content: "hi"},
			wantErr: conversation.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := coord.ChatStream(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ChatStream() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestChatStreamRetrievalFailureDegrades(t *testing.T) {
	store := testutil.NewMemoryConversationStore()
	conv := store.AddConversation(conversation.Conversation{OrganizationID: testOrg})

	gen := &testutil.ScriptedGenerator{Chunks: []string{"answer"}}
	coord := chat.NewCoordinator(store, &stubRetriever{err: retrieval.ErrEmbeddingUnavailable}, gen, nil)
	defer closeCoordinator(t, coord)

	events, err := coord.ChatStream(context.Background(), chat.Request{
		OrganizationID: testOrg,
		ConversationID: conv.ID,
		Content:        "hello",
	})
	if err != nil {
		t.Fatalf("ChatStream() error = %v, want degradation not failure", err)
	}
	got := collect(t, events)

	for _, ev := range got {
		if ev.Type == chat.EventTypeSource {
			t.Error("source event emitted despite failed retrieval")
		}
		if ev.Type == chat.EventTypeError {
			t.Errorf("error event emitted: %q", ev.Err)
		}
	}
	if len(gen.Requests) != 1 || len(gen.Requests[0].Candidates) != 0 {
		t.Errorf("generator candidates = %+v, want empty context", gen.Requests)
	}
}

func TestChatStreamScopeViolationIsFatal(t *testing.T) {
	store := testutil.NewMemoryConversationStore()
	conv := store.AddConversation(conversation.Conversation{OrganizationID: testOrg})

	gen := &testutil.ScriptedGenerator{Chunks: []string{"never"}}
	coord := chat.NewCoordinator(store, &stubRetriever{err: knowledge.ErrScopeViolation}, gen, nil)
	defer closeCoordinator(t, coord)

	events, err := coord.ChatStream(context.Background(), chat.Request{
		OrganizationID: testOrg,
		ConversationID: conv.ID,
		Content:        "hello",
	})
	if !errors.Is(err, knowledge.ErrScopeViolation) {
		t.Fatalf("ChatStream() error = %v, want ErrScopeViolation", err)
	}
	if events != nil {
		t.Error("events channel returned alongside a scope violation")
	}
	if len(gen.Requests) != 0 {
		t.Errorf("generator called %d times after scope violation, want 0", len(gen.Requests))
	}
}

func TestChatStreamDisconnectAtFinishingStillPersists(t *testing.T) {
	store := testutil.NewMemoryConversationStore()
	conv := store.AddConversation(conversation.Conversation{OrganizationID: testOrg})

	// More candidates than the event buffer holds, so with no reader the
	// source sends cannot all complete once the context is gone.
	candidates := make([]knowledge.Candidate, 24)
	for i := range candidates {
		candidates[i] = knowledge.Candidate{
			EntityType: knowledge.EntityDecision,
			EntityID:   uuid.New(),
			Score:      0.8,
		}
	}
	retriever := &stubRetriever{retrieved: &retrieval.Context{Candidates: candidates}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gen := &disconnectingGenerator{cancel: cancel, text: "completed answer"}
	coord := chat.NewCoordinator(store, retriever, gen, nil)
	defer closeCoordinator(t, coord)

	if _, err := coord.ChatStream(ctx, chat.Request{
		OrganizationID: testOrg,
		ConversationID: conv.ID,
		Content:        "hello",
	}); err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}

	closeCoordinator(t, coord)

	assistant := messagesByRole(store, conversation.RoleAssistant)
	if len(assistant) != 1 {
		t.Fatalf("assistant messages after disconnect = %d, want 1", len(assistant))
	}
	if assistant[0].Content != "completed answer" {
		t.Errorf("persisted content = %q", assistant[0].Content)
	}
	if cits := store.CitationsFor(assistant[0].ID); len(cits) != len(candidates) {
		t.Errorf("persisted citations = %d, want %d", len(cits), len(candidates))
	}
}

func TestChatBlockingPersistsBeforeReturn(t *testing.T) {
	store := testutil.NewMemoryConversationStore()
	conv := store.AddConversation(conversation.Conversation{OrganizationID: testOrg})

	retriever := &stubRetriever{retrieved: &retrieval.Context{
		Candidates: []knowledge.Candidate{{
			EntityType: knowledge.EntityTranscriptChunk,
			EntityID:   uuid.New(),
			Score:      0.874,
		}},
	}}
	gen := &testutil.ScriptedGenerator{
		Chunks: []string{"full answer"},
		Usage:  conversation.Usage{TotalTokens: 7},
	}
	coord := chat.NewCoordinator(store, retriever, gen, nil)
	defer closeCoordinator(t, coord)

	resp, err := coord.Chat(context.Background(), chat.Request{
		OrganizationID: testOrg,
		ConversationID: conv.ID,
		Content:        "hello",
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if resp.AssistantMessage == nil || resp.AssistantMessage.Content != "full answer" {
		t.Errorf("assistant message = %+v", resp.AssistantMessage)
	}
	if resp.UserMessage == nil || resp.UserMessage.Content != "hello" {
		t.Errorf("user message = %+v", resp.UserMessage)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].Relevance != 87 {
		t.Errorf("sources = %+v, want one with relevance 87", resp.Sources)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("usage = %+v, want total 7", resp.Usage)
	}

	// Already persisted, no background task to wait for.
	assistant := messagesByRole(store, conversation.RoleAssistant)
	if len(assistant) != 1 {
		t.Fatalf("assistant messages = %d, want 1", len(assistant))
	}
	if cits := store.CitationsFor(assistant[0].ID); len(cits) != 1 {
		t.Errorf("citations = %d, want 1", len(cits))
	}
}

func TestChatBlockingGenerationFailure(t *testing.T) {
	store := testutil.NewMemoryConversationStore()
	conv := store.AddConversation(conversation.Conversation{OrganizationID: testOrg})

	gen := &testutil.ScriptedGenerator{Err: errors.New("boom")}
	coord := chat.NewCoordinator(store, &stubRetriever{}, gen, nil)
	defer closeCoordinator(t, coord)

	_, err := coord.Chat(context.Background(), chat.Request{
		OrganizationID: testOrg,
		ConversationID: conv.ID,
		Content:        "hello",
	})
	if !errors.Is(err, chat.ErrGenerationFailed) {
		t.Errorf("Chat() error = %v, want ErrGenerationFailed", err)
	}
	if assistant := messagesByRole(store, conversation.RoleAssistant); len(assistant) != 0 {
		t.Errorf("assistant messages = %d, want 0", len(assistant))
	}
}

func TestChatTitleSetExactlyOnce(t *testing.T) {
	store := testutil.NewMemoryConversationStore()
	conv := store.AddConversation(conversation.Conversation{OrganizationID: testOrg})

	gen := &testutil.ScriptedGenerator{Chunks: []string{"ok"}}
	coord := chat.NewCoordinator(store, &stubRetriever{}, gen, nil)
	defer closeCoordinator(t, coord)

	queries := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	var wg sync.WaitGroup
	for _, q := range queries {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			_, err := coord.Chat(context.Background(), chat.Request{
				OrganizationID: testOrg,
				ConversationID: conv.ID,
				Content:        q,
			})
			if err != nil {
				t.Errorf("Chat(%q) error = %v", q, err)
			}
		}(q)
	}
	wg.Wait()

	title := store.Title(conv.ID)
	found := false
	for _, q := range queries {
		if title == q {
			found = true
		}
	}
	if !found {
		t.Errorf("title = %q, want one of the user messages", title)
	}
	// The transition already happened; later attempts must no-op.
	set, err := store.SetTitleIfEmpty(context.Background(), conv.ID, "late")
	if err != nil || set {
		t.Errorf("SetTitleIfEmpty after transition = (%v, %v), want (false, nil)", set, err)
	}
}

func TestChatTitleNotBackfilledOnLaterExchange(t *testing.T) {
	store := testutil.NewMemoryConversationStore()
	conv := store.AddConversation(conversation.Conversation{OrganizationID: testOrg})

	// Prior exchange on record but no title, as when the original title
	// write was lost. A later query must not become the title.
	if _, err := store.CreateMessage(context.Background(), conversation.CreateMessageParams{
		ConversationID: conv.ID,
		Role:           conversation.RoleUser,
		Content:        "original question",
	}); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}

	gen := &testutil.ScriptedGenerator{Chunks: []string{"ok"}}
	coord := chat.NewCoordinator(store, &stubRetriever{}, gen, nil)
	defer closeCoordinator(t, coord)

	if _, err := coord.Chat(context.Background(), chat.Request{
		OrganizationID: testOrg,
		ConversationID: conv.ID,
		Content:        "unrelated follow-up",
	}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if title := store.Title(conv.ID); title != "" {
		t.Errorf("title = %q, want empty on a non-first exchange", title)
	}
}

func TestChatTitleTruncatedFromLongMessage(t *testing.T) {
	store := testutil.NewMemoryConversationStore()
	conv := store.AddConversation(conversation.Conversation{OrganizationID: testOrg})

	gen := &testutil.ScriptedGenerator{Chunks: []string{"ok"}}
	coord := chat.NewCoordinator(store, &stubRetriever{}, gen, nil)
	defer closeCoordinator(t, coord)

	long := strings.Repeat("q", conversation.TitleMaxLength+10)
	if _, err := coord.Chat(context.Background(), chat.Request{
		OrganizationID: testOrg,
		ConversationID: conv.ID,
		Content:        long,
	}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	want := strings.Repeat("q", conversation.TitleMaxLength) + "..."
	if title := store.Title(conv.ID); title != want {
		t.Errorf("title = %q, want %q", title, want)
	}
}

func TestChatStreamIndexesUserMessage(t *testing.T) {
	store := testutil.NewMemoryConversationStore()
	conv := store.AddConversation(conversation.Conversation{OrganizationID: testOrg})
	index := knowledge.NewMemoryIndex()

	gen := &testutil.ScriptedGenerator{Chunks: []string{"ok"}}
	coord := chat.NewCoordinator(store, &stubRetriever{}, gen, nil,
		chat.WithEmbedder(testutil.HashEmbedder(8)),
		chat.WithIndexer(index))
	defer closeCoordinator(t, coord)

	events, err := coord.ChatStream(context.Background(), chat.Request{
		OrganizationID: testOrg,
		ConversationID: conv.ID,
		Content:        "remember this",
	})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	collect(t, events)
	closeCoordinator(t, coord)

	user := messagesByRole(store, conversation.RoleUser)
	if len(user) != 1 {
		t.Fatalf("user messages = %d, want 1", len(user))
	}
	if emb := store.Embedding(user[0].ID); len(emb) != 8 {
		t.Errorf("message embedding dimension = %d, want 8", len(emb))
	}
	vec, err := index.EntityVector(context.Background(), testOrg, knowledge.EntityMessage, user[0].ID)
	if err != nil {
		t.Fatalf("EntityVector() error = %v", err)
	}
	if len(vec) != 8 {
		t.Errorf("indexed vector dimension = %d, want 8", len(vec))
	}
}
