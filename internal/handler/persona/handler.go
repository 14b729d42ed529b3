package persona

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/personify/backend/internal/model/persona"
	"github.com/zhouzirui/personify/backend/internal/model/settings"
	"github.com/zhouzirui/personify/backend/pkg/utils"
)

// maxBody bounds persona payloads, which may carry an inline image.
const maxBody = 32 << 20

// Service is the persona store as seen by the HTTP surface.
type Service interface {
	List(ctx context.Context) ([]persona.Persona, error)
	Get(ctx context.Context, id string) (persona.Persona, error)
	Create(ctx context.Context, fields persona.Fields, imageBlob string) (persona.Persona, error)
	Update(ctx context.Context, id string, fields persona.Fields, action persona.ImageAction) (persona.Persona, error)
	Delete(ctx context.Context, id string) error
	Image(ctx context.Context, id string) (string, error)
	Active(ctx context.Context) (persona.Persona, error)
	SetActive(ctx context.Context, id string) (persona.Persona, error)
	Settings(ctx context.Context) (settings.Settings, error)
	SaveSettings(ctx context.Context, next settings.Settings) (settings.Settings, error)
}

// Handler serves persona CRUD, the active pointer and settings.
type Handler struct {
	personas Service
	logger   *zap.Logger
}

// New creates a persona handler.
func New(personas Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{personas: personas, logger: logger}
}

// RegisterRoutes registers the persona and settings routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/personas", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/active", h.handleGetActive)
		r.Put("/active", h.handleSetActive)
		r.Get("/{id}", h.handleGet)
		r.Put("/{id}", h.handleUpdate)
		r.Delete("/{id}", h.handleDelete)
		r.Get("/{id}/image", h.handleImage)
	})
	r.Get("/settings", h.handleGetSettings)
	r.Put("/settings", h.handlePutSettings)
}

type personaPayload struct {
	persona.Fields
	Image       string `json:"image"`
	ImageAction string `json:"imageAction"`
}

func (p personaPayload) action() (persona.ImageAction, bool) {
	switch p.ImageAction {
	case "", "keep":
		if p.Image != "" && p.ImageAction == "" {
			return persona.ReplaceImage(p.Image), true
		}
		return persona.KeepImage(), true
	case "replace":
		if p.Image == "" {
			return persona.ImageAction{}, false
		}
		return persona.ReplaceImage(p.Image), true
	case "clear":
		return persona.ClearImage(), true
	default:
		return persona.ImageAction{}, false
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.personas.List(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.personas.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, p)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload personaPayload
	if err := utils.DecodeJSON(w, r, maxBody, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := h.personas.Create(r.Context(), payload.Fields, payload.Image)
	if err != nil {
		h.fail(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, p)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var payload personaPayload
	if err := utils.DecodeJSON(w, r, maxBody, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	action, ok := payload.action()
	if !ok {
		utils.RespondError(w, http.StatusBadRequest, "imageAction must be keep, replace (with image) or clear")
		return
	}

	p, err := h.personas.Update(r.Context(), chi.URLParam(r, "id"), payload.Fields, action)
	if err != nil {
		h.fail(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, p)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.personas.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	blob, err := h.personas.Image(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if blob == "" {
		utils.RespondError(w, http.StatusNotFound, "persona has no image")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"id": id, "image": blob})
}

func (h *Handler) handleGetActive(w http.ResponseWriter, r *http.Request) {
	p, err := h.personas.Active(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, p)
}

func (h *Handler) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := utils.DecodeJSON(w, r, 1<<10, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := h.personas.SetActive(r.Context(), payload.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, p)
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.personas.Settings(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, s)
}

func (h *Handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var payload settings.Settings
	if err := utils.DecodeJSON(w, r, 64<<10, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, err := h.personas.SaveSettings(r.Context(), payload)
	if err != nil {
		h.fail(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, s)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persona.ErrNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, persona.ErrProtected):
		utils.RespondError(w, http.StatusForbidden, err.Error())
	default:
		h.logger.Error("persona request failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "persona storage failed")
	}
}
