// Package api exposes the pipeline over a JSON HTTP API with Server-Sent
// Event streaming for chat.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/recallhq/recall/internal/chat"
	"github.com/recallhq/recall/internal/cluster"
	"github.com/recallhq/recall/internal/knowledge"
)

// ChatService runs chat exchanges. chat.Coordinator satisfies it.
type ChatService interface {
	Chat(ctx context.Context, req chat.Request) (*chat.Response, error)
	ChatStream(ctx context.Context, req chat.Request) (<-chan chat.Event, error)
}

// SimilarityService answers video similarity queries. knowledge.Store
// satisfies it.
type SimilarityService interface {
	SimilarVideos(ctx context.Context, orgID, videoID uuid.UUID, limit int, threshold float64) ([]knowledge.Candidate, error)
}

// ClusterService runs topic clustering. cluster.Engine satisfies it.
type ClusterService interface {
	Cluster(ctx context.Context, opts cluster.Options) (*cluster.Result, error)
}

// ClusterPersister stores accepted clusters. cluster.Store satisfies it.
type ClusterPersister interface {
	CreateClusters(ctx context.Context, orgID uuid.UUID, clusters []cluster.Cluster) ([]uuid.UUID, error)
}

// Pinger reports storage reachability for readiness probes.
// pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config assembles a Server.
type Config struct {
	Logger     *slog.Logger
	Chat       ChatService
	Similarity SimilarityService
	Clusters   ClusterService
	// ClusterStore is optional; nil disables autoCreate.
	ClusterStore ClusterPersister
	Authorizer   Authorizer
	// DB is optional; nil makes /ready succeed unconditionally.
	DB Pinger

	CORSOrigins []string
	// RateLimit is requests per second per client IP; zero disables limiting.
	RateLimit float64
	RateBurst int
	// TrustProxy honors X-Real-IP/X-Forwarded-For for client identity.
	// Only set behind a reverse proxy that strips those headers from clients.
	TrustProxy bool
}

// Server is the HTTP front. It implements http.Handler with the middleware
// stack applied: recovery, logging, rate limiting, CORS, security headers.
type Server struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	limiter    *ipLimiter
	trustProxy bool
	cors       func(http.Handler) http.Handler
}

// NewServer wires all routes.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authorizer := cfg.Authorizer
	if authorizer == nil {
		authorizer = HeaderAuthorizer{}
	}

	mux := http.NewServeMux()
	s := &Server{
		mux:        mux,
		logger:     logger,
		trustProxy: cfg.TrustProxy,
		cors:       corsMiddleware(cfg.CORSOrigins),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		s.limiter = newIPLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	chatHandler := &chatHandler{chat: cfg.Chat, auth: authorizer, logger: logger}
	mux.HandleFunc("POST /api/v1/chat", chatHandler.send)
	mux.HandleFunc("POST /api/v1/chat/stream", chatHandler.stream)

	similar := &similarHandler{similarity: cfg.Similarity, auth: authorizer, logger: logger}
	mux.HandleFunc("POST /api/v1/videos/similar", similar.find)

	clusters := &clusterHandler{
		engine: cfg.Clusters,
		store:  cfg.ClusterStore,
		auth:   authorizer,
		logger: logger,
	}
	mux.HandleFunc("POST /api/v1/topics/cluster", clusters.run)

	health := &healthHandler{db: cfg.DB}
	mux.HandleFunc("GET /health", health.alive)
	mux.HandleFunc("GET /ready", health.ready)

	return s
}

// ServeHTTP applies the middleware stack and dispatches.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	var handler http.Handler = s.mux
	handler = s.cors(handler)
	if s.limiter != nil {
		handler = rateLimitMiddleware(s.limiter, s.trustProxy)(handler)
	}
	handler = loggingMiddleware(s.logger)(handler)
	handler = recoveryMiddleware(s.logger)(handler)

	handler.ServeHTTP(w, r)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
}

// healthHandler serves liveness and readiness probes.
type healthHandler struct {
	db Pinger
}

func (h *healthHandler) alive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *healthHandler) ready(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "storage unreachable"})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
