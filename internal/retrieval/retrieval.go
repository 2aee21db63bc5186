// Package retrieval assembles the knowledge context for a chat turn: it embeds
// the user query, runs an organization-scoped similarity search, and bundles
// the ranked candidates with recent conversation history.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/conversation"
	"github.com/recallhq/recall/internal/knowledge"
)

// Defaults applied when the corresponding option is not set.
const (
	DefaultMaxCandidates = 20
	DefaultThreshold     = 0.7
	DefaultTimeout       = 10 * time.Second
)

var (
	// ErrEmbeddingUnavailable indicates the embedding provider failed.
	// Callers decide whether to fail the request or degrade to an empty
	// context.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrEmptyQuery indicates the query text was empty after trimming.
	ErrEmptyQuery = errors.New("query cannot be empty")
)

// Searcher answers nearest-neighbour queries. Implemented by knowledge.Store
// and knowledge.MemoryIndex.
type Searcher interface {
	Search(ctx context.Context, q knowledge.Query) ([]knowledge.Candidate, error)
}

// Params describes one assembly request.
type Params struct {
	OrganizationID uuid.UUID
	VideoIDs       []uuid.UUID // optional narrowing for video-bound entities
	Query          string
	History        []conversation.Message
	HistoryLimit   int // most recent N messages kept; 0 keeps all
}

// Context is the assembled knowledge context handed to the model.
type Context struct {
	Candidates []knowledge.Candidate
	History    []conversation.Message
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithMaxCandidates caps the number of candidates kept after ranking.
func WithMaxCandidates(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxCandidates = n
		}
	}
}

// WithThreshold sets the minimum similarity score, inclusive.
func WithThreshold(t float64) Option {
	return func(a *Assembler) {
		if t > 0 {
			a.threshold = t
		}
	}
}

// WithTimeout bounds the embed plus search phase.
func WithTimeout(d time.Duration) Option {
	return func(a *Assembler) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// Assembler builds retrieval contexts. Safe for concurrent use.
type Assembler struct {
	embedder      ai.Embedder
	searcher      Searcher
	maxCandidates int
	threshold     float64
	timeout       time.Duration
	logger        *slog.Logger
}

// NewAssembler creates an Assembler. A nil logger falls back to slog.Default().
func NewAssembler(embedder ai.Embedder, searcher Searcher, logger *slog.Logger, opts ...Option) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Assembler{
		embedder:      embedder,
		searcher:      searcher,
		maxCandidates: DefaultMaxCandidates,
		threshold:     DefaultThreshold,
		timeout:       DefaultTimeout,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble embeds the query, searches decisions, transcript chunks and topics
// in the organization's scope, and returns the ranked candidates together with
// the trimmed history.
func (a *Assembler) Assemble(ctx context.Context, p Params) (*Context, error) {
	if strings.TrimSpace(p.Query) == "" {
		return nil, ErrEmptyQuery
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	vector, err := a.embedQuery(ctx, p.Query)
	if err != nil {
		return nil, err
	}

	candidates, err := a.searcher.Search(ctx, knowledge.Query{
		OrganizationID: p.OrganizationID,
		EntityTypes: []knowledge.EntityType{
			knowledge.EntityDecision,
			knowledge.EntityTranscriptChunk,
			knowledge.EntityTopic,
		},
		Vector:    vector,
		VideoIDs:  p.VideoIDs,
		Limit:     a.maxCandidates,
		Threshold: a.threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("context search failed: %w", err)
	}

	candidates = dedupe(candidates)
	if len(candidates) > a.maxCandidates {
		candidates = candidates[:a.maxCandidates]
	}

	a.logger.Debug("assembled retrieval context",
		"organization_id", p.OrganizationID,
		"candidates", len(candidates),
		"history", len(p.History))

	return &Context{
		Candidates: candidates,
		History:    trimHistory(p.History, p.HistoryLimit),
	}, nil
}

// embedQuery turns the query text into a vector via the embedding provider.
func (a *Assembler) embedQuery(ctx context.Context, query string) ([]float32, error) {
	resp, err := a.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{ai.DocumentFromText(query, nil)},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEmbeddingUnavailable, err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings returned", ErrEmbeddingUnavailable)
	}
	return resp.Embeddings[0].Embedding, nil
}

// dedupe keeps the highest-scoring candidate per (type, id) pair, preserving
// the incoming rank order. The search already returns unique rows; this guards
// against a source merging duplicates in.
func dedupe(candidates []knowledge.Candidate) []knowledge.Candidate {
	type key struct {
		entityType knowledge.EntityType
		entityID   uuid.UUID
	}
	seen := make(map[key]struct{}, len(candidates))
	out := candidates[:0]
	for _, c := range candidates {
		k := key{c.EntityType, c.EntityID}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}

// trimHistory keeps the most recent limit messages; limit <= 0 keeps all.
func trimHistory(history []conversation.Message, limit int) []conversation.Message {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}
