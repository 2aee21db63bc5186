package api

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/chat"
	"github.com/recallhq/recall/internal/conversation"
)

type chatHandler struct {
	chat   ChatService
	auth   Authorizer
	logger *slog.Logger
}

type chatRequest struct {
	ConversationID uuid.UUID `json:"conversationId"`
	Content        string    `json:"content"`
}

// send handles POST /api/v1/chat: the blocking exchange, returned only after
// generation and persistence complete.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	identity, req, ok := h.decode(w, r)
	if !ok {
		return
	}

	resp, err := h.chat.Chat(r.Context(), chat.Request{
		OrganizationID: identity.OrganizationID,
		UserID:         identity.UserID,
		ConversationID: req.ConversationID,
		Content:        req.Content,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Streaming event payloads. The event kinds and shapes are the wire contract;
// SSE is the framing.
type chunkPayload struct {
	Content string `json:"content"`
}

type sourcePayload struct {
	Source conversation.Citation `json:"source"`
}

type donePayload struct {
	MessageID string              `json:"messageId,omitempty"`
	Usage     *conversation.Usage `json:"usage,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// stream handles POST /api/v1/chat/stream. Failures before the first event
// map to HTTP statuses; afterwards they arrive as error events.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	identity, req, ok := h.decode(w, r)
	if !ok {
		return
	}

	events, err := h.chat.ChatStream(r.Context(), chat.Request{
		OrganizationID: identity.OrganizationID,
		UserID:         identity.UserID,
		ConversationID: req.ConversationID,
		Content:        req.Content,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	for ev := range events {
		var werr error
		switch ev.Type {
		case chat.EventTypeChunk:
			werr = writeEvent(sse, "chunk", chunkPayload{Content: ev.Content})
		case chat.EventTypeSource:
			werr = writeEvent(sse, "source", sourcePayload{Source: *ev.Source})
		case chat.EventTypeDone:
			payload := donePayload{Usage: ev.Usage}
			if ev.MessageID != uuid.Nil {
				payload.MessageID = ev.MessageID.String()
			}
			werr = writeEvent(sse, "done", payload)
		case chat.EventTypeError:
			werr = writeEvent(sse, "error", errorPayload{Error: ev.Err})
		}
		if werr != nil {
			// Client gone; the coordinator's context cancellation stops
			// generation, background persistence still completes.
			h.logger.Debug("stream write failed", "error", werr)
			return
		}
	}
}

func (h *chatHandler) decode(w http.ResponseWriter, r *http.Request) (Identity, chatRequest, bool) {
	identity, err := h.auth.Authorize(r.Context(), r)
	if err != nil {
		writeError(w, h.logger, err)
		return Identity{}, chatRequest{}, false
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body")
		return Identity{}, chatRequest{}, false
	}
	if req.ConversationID == uuid.Nil {
		writeBadRequest(w, "conversationId is required")
		return Identity{}, chatRequest{}, false
	}
	return identity, req, true
}
