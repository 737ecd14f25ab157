package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/lumoschat/lumos/internal/api/middleware"
	"github.com/lumoschat/lumos/internal/models"
	"github.com/lumoschat/lumos/internal/stream"
)

// CreateMessageRequest represents the send-message request body.
type CreateMessageRequest struct {
	Content  string `json:"content"`
	ParentID string `json:"parent_id,omitempty"`
}

// CreateMessageResponse returns the stored user message and the queued
// assistant reply whose progress can be observed in real time.
type CreateMessageResponse struct {
	Message   *models.Message `json:"message"`
	Assistant *models.Message `json:"assistant"`
}

// CreateMessage stores a user message and queues the assistant reply.
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	convID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid conversation ID format")
		return
	}

	conv, err := h.store.GetConversation(r.Context(), convID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if conv == nil {
		h.Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	if !h.canAccess(principal, conv) {
		h.Error(w, http.StatusForbidden, "not a member of this conversation")
		return
	}

	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		h.Error(w, http.StatusBadRequest, "content is required")
		return
	}
	if len(req.Content) > 64*1024 {
		h.Error(w, http.StatusUnprocessableEntity, "content too long (max 64KB)")
		return
	}

	userMsg := &models.Message{
		ID:             ulid.Make().String(),
		ConversationID: convID.String(),
		ParentID:       req.ParentID,
		Role:           models.RoleUser,
		Status:         models.StatusFinished,
		Parts:          []models.Part{{Type: models.PartText, Text: req.Content}},
	}
	if err := h.store.CreateMessage(r.Context(), userMsg); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	assistant, err := h.queueAssistant(r.Context(), convID, userMsg.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to queue reply")
		return
	}

	_ = h.store.TouchConversation(r.Context(), convID)

	h.JSON(w, http.StatusCreated, CreateMessageResponse{
		Message:   userMsg,
		Assistant: assistant,
	})
}

// RegenerateResponse returns the freshly queued assistant message.
type RegenerateResponse struct {
	Assistant *models.Message `json:"assistant"`
}

// RegenerateMessage queues a sibling assistant reply for a message whose
// generation already ended. The old message stays in the tree as a branch.
func (h *Handler) RegenerateMessage(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	msg, conv, status := h.loadOwnedMessage(r, principal)
	if msg == nil {
		h.Error(w, status, errorTextFor(status))
		return
	}
	if msg.Role != models.RoleAssistant {
		h.Error(w, http.StatusUnprocessableEntity, "only assistant messages can be regenerated")
		return
	}
	if !msg.Status.Terminal() {
		h.Error(w, http.StatusConflict, "generation still in progress")
		return
	}

	assistant, err := h.queueAssistant(r.Context(), conv.ID, msg.ParentID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to queue reply")
		return
	}

	h.JSON(w, http.StatusCreated, RegenerateResponse{Assistant: assistant})
}

// StopMessage sets the stop flag; the pipeline observes it within one
// poll interval and transitions the message to stopped.
func (h *Handler) StopMessage(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	msg, _, status := h.loadOwnedMessage(r, principal)
	if msg == nil {
		h.Error(w, status, errorTextFor(status))
		return
	}
	if msg.Status.Terminal() {
		h.Error(w, http.StatusConflict, "generation already ended")
		return
	}

	if err := h.store.RequestStop(r.Context(), msg.ID); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to request stop")
		return
	}

	h.JSON(w, http.StatusAccepted, map[string]string{"status": "stop requested"})
}

// GetMessage returns the current persisted message state. After a stream
// has closed, this read shows the same terminal state the stream delivered.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	msg, _, status := h.loadOwnedMessage(r, principal)
	if msg == nil {
		h.Error(w, status, errorTextFor(status))
		return
	}

	h.JSON(w, http.StatusOK, msg)
}

// queueAssistant creates the queued assistant message and starts its
// generation in the background.
func (h *Handler) queueAssistant(ctx context.Context, convID uuid.UUID, parentID string) (*models.Message, error) {
	assistant := &models.Message{
		ID:             ulid.Make().String(),
		ConversationID: convID.String(),
		ParentID:       parentID,
		Role:           models.RoleAssistant,
		Status:         models.StatusQueued,
		Parts:          []models.Part{},
	}
	if err := h.store.CreateMessage(ctx, assistant); err != nil {
		return nil, err
	}

	// The generation outlives the request.
	go func() {
		err := h.pipeline.Run(context.Background(), assistant.ID)
		if err != nil && !errors.Is(err, stream.ErrStreamExists) {
			h.log.Error().Err(err).Str("message_id", assistant.ID).Msg("generation did not start")
		}
	}()

	return assistant, nil
}

// loadOwnedMessage fetches the message in the URL and checks the caller
// can access its conversation. A nil message means the caller gets the
// returned status code.
func (h *Handler) loadOwnedMessage(r *http.Request, principal *middleware.Principal) (*models.Message, *models.Conversation, int) {
	id := chi.URLParam(r, "id")
	msg, err := h.store.GetMessage(r.Context(), id)
	if err != nil {
		return nil, nil, http.StatusInternalServerError
	}
	if msg == nil {
		return nil, nil, http.StatusNotFound
	}

	convID, err := uuid.Parse(msg.ConversationID)
	if err != nil {
		return nil, nil, http.StatusInternalServerError
	}
	conv, err := h.store.GetConversation(r.Context(), convID)
	if err != nil {
		return nil, nil, http.StatusInternalServerError
	}
	if conv == nil {
		return nil, nil, http.StatusNotFound
	}
	if !h.canAccess(principal, conv) {
		return nil, nil, http.StatusForbidden
	}
	return msg, conv, http.StatusOK
}

// canAccess checks conversation ownership. Team and org membership are
// resolved by the identity provider upstream; here a user-owned
// conversation requires the matching user.
func (h *Handler) canAccess(principal *middleware.Principal, conv *models.Conversation) bool {
	if conv.UserID != nil {
		return *conv.UserID == principal.UserID
	}
	if conv.TeamID != nil {
		return principal.InTeam(*conv.TeamID)
	}
	return true // org-wide shared scope
}

func errorTextFor(status int) string {
	switch status {
	case http.StatusNotFound:
		return "message not found"
	case http.StatusForbidden:
		return "not a member of this conversation"
	default:
		return "database error"
	}
}
