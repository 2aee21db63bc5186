// Package cluster implements unsupervised topic grouping over the knowledge
// vector space.
//
// The algorithm is greedy agglomeration: walk the candidate items in a fixed
// order (ascending entity id), seed a cluster from the first unassigned item,
// and pull in every other unassigned item whose similarity to the seed exceeds
// the threshold. Groups smaller than the minimum size dissolve back into the
// unclustered pool. For a fixed vector set and fixed thresholds the grouping
// is identical on every run: ordering comes from the explicit sort and an
// assigned marker set, never from map iteration.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/knowledge"
)

// Defaults applied when Options fields are zero.
const (
	DefaultMinClusterSize      = 2
	DefaultMaxClusters         = 10
	DefaultSimilarityThreshold = 0.75

	// labelSampleLimit caps how many member texts are sent to the labeler.
	labelSampleLimit = 8
)

// VectorLister loads the candidate vectors in scope, ordered by entity id.
// Implemented by knowledge.Store and knowledge.MemoryIndex.
type VectorLister interface {
	ListVectors(ctx context.Context, orgID uuid.UUID, entityTypes []knowledge.EntityType, sourceVideoID uuid.UUID) ([]knowledge.Vector, error)
}

// Label is a human-readable cluster description.
type Label struct {
	Name        string
	Description string
	Keywords    []string
}

// Labeler produces a Label from sample member texts. The AI-backed
// implementation lives in internal/model; any error falls back to
// keyword-derived naming rather than failing the clustering call.
type Labeler interface {
	LabelCluster(ctx context.Context, samples []string) (Label, error)
}

// Options configures one clustering run.
type Options struct {
	OrganizationID      uuid.UUID
	SourceVideoID       uuid.UUID // zero = all videos in the organization
	EntityTypes         []knowledge.EntityType
	MinClusterSize      int
	MaxClusters         int
	SimilarityThreshold float64
	UseAI               bool
}

// Cluster is one proposed topic grouping. Nothing is persisted by the engine;
// persistence is a separate caller-invoked step so dry-run previews work.
type Cluster struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Keywords    []string    `json:"keywords"`
	MemberIDs   []uuid.UUID `json:"memberIds"`
}

// Result is the outcome of a clustering run.
type Result struct {
	Clusters    []Cluster   `json:"clusters"`
	Unclustered []uuid.UUID `json:"unclusteredItems"`
}

// Engine runs clustering over a vector source.
type Engine struct {
	vectors VectorLister
	labeler Labeler // nil disables AI labeling regardless of Options.UseAI
	logger  *slog.Logger
}

// NewEngine creates an Engine. labeler may be nil; logger nil falls back to
// slog.Default().
func NewEngine(vectors VectorLister, labeler Labeler, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{vectors: vectors, labeler: labeler, logger: logger}
}

// Cluster groups the in-scope content items into topics.
func (e *Engine) Cluster(ctx context.Context, opts Options) (*Result, error) {
	if opts.MinClusterSize <= 0 {
		opts.MinClusterSize = DefaultMinClusterSize
	}
	if opts.MaxClusters <= 0 {
		opts.MaxClusters = DefaultMaxClusters
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}

	items, err := e.vectors.ListVectors(ctx, opts.OrganizationID, opts.EntityTypes, opts.SourceVideoID)
	if err != nil {
		return nil, fmt.Errorf("loading vectors for clustering: %w", err)
	}

	// ListVectors orders by entity id already; sort again so determinism
	// does not depend on the source implementation.
	slices.SortFunc(items, func(a, b knowledge.Vector) int {
		return slices.Compare(a.EntityID[:], b.EntityID[:])
	})

	groups, unclustered := agglomerate(items, opts)

	result := &Result{
		Clusters:    make([]Cluster, 0, len(groups)),
		Unclustered: unclustered,
	}
	for _, g := range groups {
		result.Clusters = append(result.Clusters, e.describe(ctx, g, opts.UseAI))
	}

	e.logger.Debug("clustering completed",
		"organization_id", opts.OrganizationID,
		"items", len(items),
		"clusters", len(result.Clusters),
		"unclustered", len(result.Unclustered))
	return result, nil
}

// agglomerate performs the greedy grouping pass.
func agglomerate(items []knowledge.Vector, opts Options) (groups [][]knowledge.Vector, unclustered []uuid.UUID) {
	assigned := make([]bool, len(items))

	// MaxClusters bounds the groups formed, counting the ones that later
	// dissolve for being under MinClusterSize.
	formed := 0
	for seed := range items {
		if assigned[seed] {
			continue
		}
		if formed == opts.MaxClusters {
			break
		}
		formed++

		group := []knowledge.Vector{items[seed]}
		assigned[seed] = true
		for j := seed + 1; j < len(items); j++ {
			if assigned[j] {
				continue
			}
			sim := knowledge.CosineSimilarity(items[seed].Embedding, items[j].Embedding)
			if sim > opts.SimilarityThreshold {
				group = append(group, items[j])
				assigned[j] = true
			}
		}

		if len(group) < opts.MinClusterSize {
			// Too small to stand as a topic; members fall through.
			for _, v := range group {
				unclustered = append(unclustered, v.EntityID)
			}
			continue
		}
		groups = append(groups, group)
	}

	// Items never visited because MaxClusters was reached.
	for i, v := range items {
		if !assigned[i] {
			unclustered = append(unclustered, v.EntityID)
		}
	}

	slices.SortFunc(unclustered, func(a, b uuid.UUID) int {
		return slices.Compare(a[:], b[:])
	})
	return groups, unclustered
}

// describe labels one group, via the AI labeler when requested and available,
// falling back to deterministic keyword-derived naming.
func (e *Engine) describe(ctx context.Context, group []knowledge.Vector, useAI bool) Cluster {
	memberIDs := make([]uuid.UUID, len(group))
	texts := make([]string, len(group))
	for i, v := range group {
		memberIDs[i] = v.EntityID
		texts[i] = v.Content
	}

	if useAI && e.labeler != nil {
		samples := texts
		if len(samples) > labelSampleLimit {
			samples = samples[:labelSampleLimit]
		}
		label, err := e.labeler.LabelCluster(ctx, samples)
		if err == nil && label.Name != "" {
			return Cluster{
				Name:        label.Name,
				Description: label.Description,
				Keywords:    label.Keywords,
				MemberIDs:   memberIDs,
			}
		}
		if err != nil {
			// Fallback policy, not an error path: keyword names still
			// produce a usable grouping.
			e.logger.Debug("cluster labeling failed, using keyword names", "error", err)
		}
	}

	keywords := topKeywords(texts, 8)
	return Cluster{
		Name:        keywordName(keywords),
		Description: fmt.Sprintf("Automatically grouped topic with %d items", len(group)),
		Keywords:    keywords,
		MemberIDs:   memberIDs,
	}
}
