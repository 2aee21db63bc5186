package knowledge

import (
	"context"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// MemoryIndex is a brute-force in-memory implementation of the similarity
// engine with the same semantics as Store: cosine similarity on a 0-1 scale,
// inclusive threshold, score-descending order with entity-id tie-break, and
// hard organization scoping.
//
// It backs unit tests and local development without a pgvector instance.
// Safe for concurrent use.
type MemoryIndex struct {
	mu      sync.RWMutex
	vectors []Vector
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Upsert inserts or replaces the vector for (organization, entity, model version).
func (m *MemoryIndex) Upsert(_ context.Context, v Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.vectors {
		if existing.OrganizationID == v.OrganizationID &&
			existing.EntityType == v.EntityType &&
			existing.EntityID == v.EntityID &&
			existing.ModelVersion == v.ModelVersion {
			m.vectors[i] = v
			return nil
		}
	}
	m.vectors = append(m.vectors, v)
	return nil
}

// Search implements the same contract as Store.Search.
func (m *MemoryIndex) Search(_ context.Context, q Query) ([]Candidate, error) {
	if len(q.EntityTypes) == 0 || len(q.Vector) == 0 {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []Candidate
	for _, v := range m.vectors {
		if v.OrganizationID != q.OrganizationID {
			continue
		}
		if !slices.Contains(q.EntityTypes, v.EntityType) {
			continue
		}
		if len(q.VideoIDs) > 0 && videoScoped(v.EntityType) && !slices.Contains(q.VideoIDs, v.VideoID) {
			continue
		}
		score := CosineSimilarity(q.Vector, v.Embedding)
		if score < q.Threshold {
			continue
		}
		candidates = append(candidates, Candidate{
			OrganizationID: v.OrganizationID,
			EntityType:     v.EntityType,
			EntityID:       v.EntityID,
			Score:          score,
			Snippet:        v.Content,
			VideoID:        v.VideoID,
		})
	}

	sortCandidates(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// EntityVector returns the stored embedding for one entity.
func (m *MemoryIndex) EntityVector(_ context.Context, orgID uuid.UUID, entityType EntityType, entityID uuid.UUID) ([]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, v := range m.vectors {
		if v.OrganizationID == orgID && v.EntityType == entityType && v.EntityID == entityID {
			return v.Embedding, nil
		}
	}
	return nil, ErrVectorNotFound
}

// SimilarVideos mirrors Store.SimilarVideos over the in-memory data.
func (m *MemoryIndex) SimilarVideos(ctx context.Context, orgID, videoID uuid.UUID, limit int, threshold float64) ([]Candidate, error) {
	if threshold == 0 {
		threshold = 0.7
	}
	if limit <= 0 {
		limit = 10
	}

	vec, err := m.EntityVector(ctx, orgID, EntityVideo, videoID)
	if err != nil {
		return nil, err
	}

	candidates, err := m.Search(ctx, Query{
		OrganizationID: orgID,
		EntityTypes:    []EntityType{EntityVideo},
		Vector:         vec,
		Limit:          limit + 1,
		Threshold:      threshold,
	})
	if err != nil {
		return nil, err
	}

	filtered := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.EntityID == videoID {
			continue
		}
		filtered = append(filtered, c)
		if len(filtered) == limit {
			break
		}
	}
	return filtered, nil
}

// ListVectors returns in-scope vectors ordered by entity id.
func (m *MemoryIndex) ListVectors(_ context.Context, orgID uuid.UUID, entityTypes []EntityType, sourceVideoID uuid.UUID) ([]Vector, error) {
	if len(entityTypes) == 0 {
		entityTypes = []EntityType{EntityTranscriptChunk, EntityDecision}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var vectors []Vector
	for _, v := range m.vectors {
		if v.OrganizationID != orgID {
			continue
		}
		if !slices.Contains(entityTypes, v.EntityType) {
			continue
		}
		if sourceVideoID != uuid.Nil && v.VideoID != sourceVideoID {
			continue
		}
		vectors = append(vectors, v)
	}
	slices.SortFunc(vectors, func(a, b Vector) int {
		return compareUUID(a.EntityID, b.EntityID)
	})
	return vectors, nil
}

// videoScoped reports whether the entity type is restricted by a video scope.
func videoScoped(t EntityType) bool {
	return t == EntityTranscriptChunk || t == EntityDecision
}

// sortCandidates orders by score descending, then entity id ascending.
// The id tie-break keeps equal-score results deterministic.
func sortCandidates(candidates []Candidate) {
	slices.SortFunc(candidates, func(a, b Candidate) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return compareUUID(a.EntityID, b.EntityID)
		}
	})
}

func compareUUID(a, b uuid.UUID) int {
	return slices.Compare(a[:], b[:])
}

// CosineSimilarity computes the cosine similarity of two vectors on a 0-1
// scale (negative similarities are clamped to 0). Returns 0 for mismatched
// or zero-length vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	return sim
}
