package chat

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/personify/backend/internal/model/chat"
	"github.com/zhouzirui/personify/backend/internal/model/persona"
	chatService "github.com/zhouzirui/personify/backend/internal/service/chat"
	"github.com/zhouzirui/personify/backend/pkg/utils"
)

// Handler serves conversation sessions and transcripts.
type Handler struct {
	chatSvc      *chatService.Service
	personaStore persona.Store
}

// New creates a chat handler.
func New(chatSvc *chatService.Service, personaStore persona.Store) *Handler {
	return &Handler{
		chatSvc:      chatSvc,
		personaStore: personaStore,
	}
}

// RegisterRoutes registers the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleCreateSession)
	r.Get("/session/{sessionID}/messages", h.handleTranscript)
	r.Post("/messages", h.handleSaveMessage)
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PersonaID string `json:"personaId"`
	}

	if err := utils.DecodeJSON(w, r, 1<<10, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if payload.PersonaID == "" {
		utils.RespondError(w, http.StatusBadRequest, "personaId is required")
		return
	}

	if _, ok := h.personaStore.FindByID(r.Context(), payload.PersonaID); !ok {
		utils.RespondError(w, http.StatusBadRequest, "persona not found")
		return
	}

	session, err := h.chatSvc.CreateSession(r.Context(), payload.PersonaID)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	messages, err := h.chatSvc.LoadTranscript(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chatService.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		utils.RespondError(w, status, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

func (h *Handler) handleSaveMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionId"`
		Sender    string `json:"sender"`
		Content   string `json:"content"`
	}

	if err := utils.DecodeJSON(w, r, 1<<20, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	message := chat.Message{
		SessionID: payload.SessionID,
		Sender:    payload.Sender,
		Content:   payload.Content,
	}

	if err := h.chatSvc.SaveMessage(r.Context(), message); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, chatService.ErrInvalidSender):
			status = http.StatusBadRequest
		case errors.Is(err, chatService.ErrSessionNotFound):
			status = http.StatusNotFound
		}
		utils.RespondError(w, status, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
