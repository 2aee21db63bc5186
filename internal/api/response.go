package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/recallhq/recall/internal/chat"
	"github.com/recallhq/recall/internal/conversation"
	"github.com/recallhq/recall/internal/knowledge"
	"github.com/recallhq/recall/internal/retrieval"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are out; nothing to do but note it.
		slog.Debug("failed to encode response", "error", err)
	}
}

// writeError maps an error to its HTTP representation. Cross-tenant access
// and missing rows are indistinguishable on the wire.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, knowledge.ErrVectorNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, conversation.ErrEmptyContent):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "content cannot be empty"})
	case errors.Is(err, knowledge.ErrScopeViolation):
		// A scope violation is a defect, not a client error; the details
		// stay in the logs.
		logger.Error("organization scope violation", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	case errors.Is(err, retrieval.ErrEmbeddingUnavailable):
		logger.Warn("embedding service unavailable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "embedding service unavailable"})
	case errors.Is(err, chat.ErrGenerationFailed):
		logger.Error("generation failed", "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "generation failed"})
	default:
		logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// decodeJSON parses a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}
