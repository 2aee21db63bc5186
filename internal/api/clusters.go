package api

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/cluster"
)

type clusterHandler struct {
	engine ClusterService
	store  ClusterPersister // nil disables autoCreate
	auth   Authorizer
	logger *slog.Logger
}

type clusterRequest struct {
	SourceID            uuid.UUID `json:"sourceId,omitempty"`
	MinClusterSize      int       `json:"minClusterSize,omitempty"`
	MaxClusters         int       `json:"maxClusters,omitempty"`
	SimilarityThreshold float64   `json:"similarityThreshold,omitempty"`
	UseAI               bool      `json:"useAI,omitempty"`
	AutoCreate          bool      `json:"autoCreate,omitempty"`
}

type clusterResponse struct {
	Clusters    []cluster.Cluster `json:"clusters"`
	Unclustered []uuid.UUID       `json:"unclusteredItems"`
	CreatedIDs  []uuid.UUID       `json:"createdIds,omitempty"`
}

// run handles POST /api/v1/topics/cluster. The organization scope comes from
// the authorized identity, never the body.
func (h *clusterHandler) run(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authorize(r.Context(), r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req clusterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.MinClusterSize < 0 || req.MaxClusters < 0 {
		writeBadRequest(w, "sizes must not be negative")
		return
	}
	if req.SimilarityThreshold < 0 || req.SimilarityThreshold > 1 {
		writeBadRequest(w, "similarityThreshold must be between 0 and 1")
		return
	}
	if req.AutoCreate && h.store == nil {
		writeBadRequest(w, "autoCreate is not available")
		return
	}

	result, err := h.engine.Cluster(r.Context(), cluster.Options{
		OrganizationID:      identity.OrganizationID,
		SourceVideoID:       req.SourceID,
		MinClusterSize:      req.MinClusterSize,
		MaxClusters:         req.MaxClusters,
		SimilarityThreshold: req.SimilarityThreshold,
		UseAI:               req.UseAI,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := clusterResponse{
		Clusters:    result.Clusters,
		Unclustered: result.Unclustered,
	}
	if resp.Clusters == nil {
		resp.Clusters = []cluster.Cluster{}
	}
	if resp.Unclustered == nil {
		resp.Unclustered = []uuid.UUID{}
	}

	if req.AutoCreate && len(result.Clusters) > 0 {
		ids, err := h.store.CreateClusters(r.Context(), identity.OrganizationID, result.Clusters)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		resp.CreatedIDs = ids
	}

	writeJSON(w, http.StatusOK, resp)
}
