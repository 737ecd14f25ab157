package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/lumoschat/lumos/internal/api/middleware"
	"github.com/lumoschat/lumos/internal/models"
)

// CreateConversationRequest represents the conversation creation request.
// At most one of team_id / org_id may be set; otherwise the conversation
// is owned by the calling user.
type CreateConversationRequest struct {
	Title  string     `json:"title"`
	TeamID *uuid.UUID `json:"team_id,omitempty"`
	OrgID  *uuid.UUID `json:"org_id,omitempty"`
}

// CreateConversation creates a conversation owned by exactly one scope.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Title) > 200 {
		h.Error(w, http.StatusUnprocessableEntity, "title too long (max 200 characters)")
		return
	}
	if req.TeamID != nil && !principal.InTeam(*req.TeamID) {
		h.Error(w, http.StatusForbidden, "not a member of this team")
		return
	}

	conv := &models.Conversation{
		Title:  req.Title,
		TeamID: req.TeamID,
		OrgID:  req.OrgID,
	}
	if conv.TeamID == nil && conv.OrgID == nil {
		userID := principal.UserID
		conv.UserID = &userID
	}

	if err := h.store.CreateConversation(r.Context(), conv); err != nil {
		if errors.Is(err, models.ErrAmbiguousOwner) {
			h.Error(w, http.StatusUnprocessableEntity, "conversation must have exactly one owner")
			return
		}
		h.Error(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	h.JSON(w, http.StatusCreated, conv)
}

// GetConversation returns conversation metadata.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	convID, err := parseUUIDParam(r, "id")
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

	h.JSON(w, http.StatusOK, conv)
}
