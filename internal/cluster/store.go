package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists topic clusters. Separate from Engine so clustering runs can
// be previewed without writing anything (autoCreate is the caller's choice).
type Store struct {
	db     DB
	logger *slog.Logger
}

// NewStore creates a Store. A nil logger falls back to slog.Default().
func NewStore(db DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// CreateClusters persists cluster descriptors and their memberships,
// returning the new cluster ids in the same order as the input.
func (s *Store) CreateClusters(ctx context.Context, orgID uuid.UUID, clusters []Cluster) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(clusters))

	for _, c := range clusters {
		keywords := c.Keywords
		if keywords == nil {
			keywords = []string{}
		}

		var id uuid.UUID
		err := s.db.QueryRow(ctx, `
			INSERT INTO topic_clusters (organization_id, name, description, keywords)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			orgID, c.Name, c.Description, keywords,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to create cluster %q: %w", c.Name, err)
		}

		for _, memberID := range c.MemberIDs {
			if _, err := s.db.Exec(ctx, `
				INSERT INTO topic_cluster_members (cluster_id, entity_id)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING`,
				id, memberID); err != nil {
				return nil, fmt.Errorf("failed to add member to cluster %q: %w", c.Name, err)
			}
		}
		ids = append(ids, id)
	}

	s.logger.Debug("persisted clusters", "organization_id", orgID, "count", len(ids))
	return ids, nil
}
