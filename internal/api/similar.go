package api

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/knowledge"
)

type similarHandler struct {
	similarity SimilarityService
	auth       Authorizer
	logger     *slog.Logger
}

type similarRequest struct {
	VideoID   uuid.UUID `json:"videoId"`
	Limit     int       `json:"limit,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
}

type similarResponse struct {
	SimilarVideos []knowledge.Candidate `json:"similarVideos"`
}

// find handles POST /api/v1/videos/similar.
func (h *similarHandler) find(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authorize(r.Context(), r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req similarRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.VideoID == uuid.Nil {
		writeBadRequest(w, "videoId is required")
		return
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		writeBadRequest(w, "threshold must be between 0 and 1")
		return
	}

	candidates, err := h.similarity.SimilarVideos(r.Context(),
		identity.OrganizationID, req.VideoID, req.Limit, req.Threshold)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if candidates == nil {
		candidates = []knowledge.Candidate{}
	}
	writeJSON(w, http.StatusOK, similarResponse{SimilarVideos: candidates})
}
