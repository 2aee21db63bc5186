// Package knowledge implements the organization-scoped vector store and
// similarity engine on PostgreSQL + pgvector.
//
// Every query is scoped by organization id in SQL, and every returned row is
// re-checked in Go: a row from another organization fails the whole call with
// ErrScopeViolation. The second check is redundant on purpose: it turns a
// retrieval-layer bug with security impact into a loud failure.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists knowledge vectors and answers nearest-neighbour queries.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db           DB
	modelVersion string // embedding-model version all reads are pinned to
	logger       *slog.Logger
}

// NewStore creates a Store reading vectors for the given embedding-model
// version. A nil logger falls back to slog.Default().
func NewStore(db DB, modelVersion string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, modelVersion: modelVersion, logger: logger}
}

// Upsert inserts or updates the vector for (organization, entity, model version).
func (s *Store) Upsert(ctx context.Context, v Vector) error {
	var videoID *uuid.UUID
	if v.VideoID != uuid.Nil {
		videoID = &v.VideoID
	}
	modelVersion := v.ModelVersion
	if modelVersion == "" {
		modelVersion = s.modelVersion
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO knowledge_vectors
			(organization_id, entity_type, entity_id, model_version, embedding,
			 video_id, content, start_seconds, end_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, 0), NULLIF($9, 0))
		ON CONFLICT (organization_id, entity_type, entity_id, model_version)
		DO UPDATE SET embedding = EXCLUDED.embedding,
		              content = EXCLUDED.content,
		              video_id = EXCLUDED.video_id,
		              start_seconds = EXCLUDED.start_seconds,
		              end_seconds = EXCLUDED.end_seconds`,
		v.OrganizationID, v.EntityType, v.EntityID, modelVersion,
		pgvector.NewVector(v.Embedding), videoID, v.Content, v.StartSeconds, v.EndSeconds)
	if err != nil {
		return fmt.Errorf("failed to upsert vector %s/%s: %w", v.EntityType, v.EntityID, err)
	}

	s.logger.Debug("upserted knowledge vector",
		"entity_type", v.EntityType, "entity_id", v.EntityID, "organization_id", v.OrganizationID)
	return nil
}

// Search returns candidates ordered by descending cosine similarity,
// tie-broken by ascending entity id so results are deterministic.
// Candidates scoring below q.Threshold are excluded; the boundary is included.
func (s *Store) Search(ctx context.Context, q Query) ([]Candidate, error) {
	if len(q.EntityTypes) == 0 || len(q.Vector) == 0 {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	types := make([]string, len(q.EntityTypes))
	for i, t := range q.EntityTypes {
		types[i] = string(t)
	}
	videoIDs := q.VideoIDs
	if videoIDs == nil {
		videoIDs = []uuid.UUID{}
	}

	// Video scoping applies only to entities that belong to a video;
	// topics (and video entities themselves) pass through unfiltered.
	rows, err := s.db.Query(ctx, `
		SELECT organization_id, entity_type, entity_id,
		       1 - (embedding <=> $1) AS similarity,
		       COALESCE(content, ''), video_id
		FROM knowledge_vectors
		WHERE organization_id = $2
		  AND model_version = $3
		  AND entity_type = ANY($4)
		  AND (cardinality($5::uuid[]) = 0
		       OR entity_type NOT IN ('transcript_chunk', 'decision')
		       OR video_id = ANY($5))
		  AND 1 - (embedding <=> $1) >= $6
		ORDER BY similarity DESC, entity_id ASC
		LIMIT $7`,
		pgvector.NewVector(q.Vector), q.OrganizationID, s.modelVersion,
		types, videoIDs, q.Threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var (
			c       Candidate
			videoID *uuid.UUID
		)
		if err := rows.Scan(&c.OrganizationID, &c.EntityType, &c.EntityID,
			&c.Score, &c.Snippet, &videoID); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		if videoID != nil {
			c.VideoID = *videoID
		}
		if c.OrganizationID != q.OrganizationID {
			s.logger.Error("scope violation in similarity search",
				"want_organization", q.OrganizationID,
				"got_organization", c.OrganizationID,
				"entity_type", c.EntityType, "entity_id", c.EntityID)
			return nil, ErrScopeViolation
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read candidates: %w", err)
	}

	return candidates, nil
}

// EntityVector returns the stored embedding for one entity.
func (s *Store) EntityVector(ctx context.Context, orgID uuid.UUID, entityType EntityType, entityID uuid.UUID) ([]float32, error) {
	var vec pgvector.Vector
	err := s.db.QueryRow(ctx, `
		SELECT embedding FROM knowledge_vectors
		WHERE organization_id = $1 AND entity_type = $2 AND entity_id = $3 AND model_version = $4`,
		orgID, entityType, entityID, s.modelVersion,
	).Scan(&vec)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVectorNotFound
		}
		return nil, fmt.Errorf("failed to load vector for %s/%s: %w", entityType, entityID, err)
	}
	return vec.Slice(), nil
}

// SimilarVideos finds other videos in the organization similar to the given
// one, reusing the video's stored transcript vector and excluding the video
// itself. Threshold defaults to 0.7 when zero.
func (s *Store) SimilarVideos(ctx context.Context, orgID, videoID uuid.UUID, limit int, threshold float64) ([]Candidate, error) {
	if threshold == 0 {
		threshold = 0.7
	}
	if limit <= 0 {
		limit = 10
	}

	vec, err := s.EntityVector(ctx, orgID, EntityVideo, videoID)
	if err != nil {
		return nil, err
	}

	candidates, err := s.Search(ctx, Query{
		OrganizationID: orgID,
		EntityTypes:    []EntityType{EntityVideo},
		Vector:         vec,
		Limit:          limit + 1, // room for the video itself
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

// ListVectors returns all vectors in scope for clustering, ordered by entity
// id. The explicit ordering is what makes greedy agglomeration deterministic.
// A non-zero sourceVideoID narrows the scope to one video's content.
func (s *Store) ListVectors(ctx context.Context, orgID uuid.UUID, entityTypes []EntityType, sourceVideoID uuid.UUID) ([]Vector, error) {
	if len(entityTypes) == 0 {
		entityTypes = []EntityType{EntityTranscriptChunk, EntityDecision}
	}
	types := make([]string, len(entityTypes))
	for i, t := range entityTypes {
		types[i] = string(t)
	}
	var videoID *uuid.UUID
	if sourceVideoID != uuid.Nil {
		videoID = &sourceVideoID
	}

	rows, err := s.db.Query(ctx, `
		SELECT organization_id, entity_type, entity_id, model_version, embedding,
		       video_id, COALESCE(content, ''),
		       COALESCE(start_seconds, 0), COALESCE(end_seconds, 0)
		FROM knowledge_vectors
		WHERE organization_id = $1
		  AND model_version = $2
		  AND entity_type = ANY($3)
		  AND ($4::uuid IS NULL OR video_id = $4)
		ORDER BY entity_id ASC`,
		orgID, s.modelVersion, types, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list vectors: %w", err)
	}
	defer rows.Close()

	var vectors []Vector
	for rows.Next() {
		var (
			v       Vector
			vec     pgvector.Vector
			videoID *uuid.UUID
		)
		if err := rows.Scan(&v.OrganizationID, &v.EntityType, &v.EntityID, &v.ModelVersion,
			&vec, &videoID, &v.Content, &v.StartSeconds, &v.EndSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan vector: %w", err)
		}
		v.Embedding = vec.Slice()
		if videoID != nil {
			v.VideoID = *videoID
		}
		if v.OrganizationID != orgID {
			s.logger.Error("scope violation listing vectors",
				"want_organization", orgID, "got_organization", v.OrganizationID)
			return nil, ErrScopeViolation
		}
		vectors = append(vectors, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vectors: %w", err)
	}
	return vectors, nil
}
