// Package app provides application initialization and dependency wiring.
//
// App is the container that assembles the pipeline: the database pool, the
// Genkit runtime, the knowledge and conversation stores, the retrieval
// assembler, the chat coordinator, the clustering engine, and the HTTP
// server. Components are wired explicitly in Setup; each one receives its
// dependencies as interfaces it defines itself.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recallhq/recall/internal/api"
	"github.com/recallhq/recall/internal/chat"
	"github.com/recallhq/recall/internal/cluster"
	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/conversation"
	"github.com/recallhq/recall/internal/knowledge"
	"github.com/recallhq/recall/internal/retrieval"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	// Core runtime
	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	DBPool   *pgxpool.Pool

	// Pipeline components
	Knowledge     *knowledge.Store
	Conversations *conversation.Store
	Retrieval     *retrieval.Assembler
	Coordinator   *chat.Coordinator
	Clusters      *cluster.Engine
	ClusterStore  *cluster.Store
	Server        *api.Server

	otelCleanup func()
	dbCleanup   func()
}

// Close gracefully shuts down all resources.
//
// Order matters: the coordinator drains in-flight background persistence
// before the pool it writes through is closed, and the trace shutdown runs
// last so teardown spans still flush.
func (a *App) Close(ctx context.Context) error {
	a.logger().Info("shutting down application")

	var errs []error
	if a.Coordinator != nil {
		if err := a.Coordinator.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing coordinator: %w", err))
		}
	}
	if a.dbCleanup != nil {
		a.dbCleanup()
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return errors.Join(errs...)
}

func (a *App) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
