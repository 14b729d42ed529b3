package stream

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/personify/backend/internal/model/persona"
	"github.com/zhouzirui/personify/backend/internal/render"
	"github.com/zhouzirui/personify/backend/internal/service/ai"
	"github.com/zhouzirui/personify/backend/internal/service/assistant"
	chatService "github.com/zhouzirui/personify/backend/internal/service/chat"
	"github.com/zhouzirui/personify/backend/pkg/utils"
)

// Exchanger runs page exchanges.
type Exchanger interface {
	Summarize(ctx context.Context, req assistant.Request, obs assistant.Observer) (assistant.Reply, error)
	Ask(ctx context.Context, req assistant.Request, obs assistant.Observer) (assistant.Reply, error)
}

// Handler streams assistant replies over Server-Sent Events.
type Handler struct {
	exchanger Exchanger
	chatSvc   *chatService.Service
	renderer  render.Renderer
	logger    *zap.Logger
}

// New creates a stream handler. renderer may be nil, in which case final
// messages carry no HTML.
func New(exchanger Exchanger, chatSvc *chatService.Service, renderer render.Renderer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		exchanger: exchanger,
		chatSvc:   chatSvc,
		renderer:  renderer,
		logger:    logger,
	}
}

// RegisterRoutes registers the streaming routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{sessionID}", h.handleAsk)
	r.Get("/summarize/{sessionID}", h.handleSummarize)
}

// StatusEvent reports the phase of an exchange.
type StatusEvent struct {
	Phase   assistant.Phase `json:"phase"`
	Message string          `json:"message,omitempty"`
}

// DeltaEvent carries one piece of reply text.
type DeltaEvent struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

// MessageEvent carries the complete reply.
type MessageEvent struct {
	SessionID string          `json:"sessionId"`
	Persona   persona.Persona `json:"persona"`
	Label     string          `json:"label"`
	Content   string          `json:"content"`
	HTML      string          `json:"html,omitempty"`
	Fallback  bool            `json:"fallback,omitempty"`
}

// ErrorEvent reports a failed exchange.
type ErrorEvent struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// EndEvent closes the stream.
type EndEvent struct {
	SessionID string `json:"sessionId"`
	Finished  bool   `json:"finished"`
}

func (h *Handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	message := r.URL.Query().Get("message")
	if message == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}
	h.serve(w, r, h.exchanger.Ask, message)
}

func (h *Handler) handleSummarize(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("url") == "" {
		utils.RespondError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	h.serve(w, r, h.exchanger.Summarize, "")
}

type exchangeFunc func(ctx context.Context, req assistant.Request, obs assistant.Observer) (assistant.Reply, error)

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, run exchangeFunc, question string) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}

	stream, ok := utils.NewSSEStream(w)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	screenshot, _ := strconv.ParseBool(r.URL.Query().Get("screenshot"))
	req := assistant.Request{
		SessionID:  sessionID,
		URL:        r.URL.Query().Get("url"),
		Question:   question,
		Screenshot: screenshot,
	}

	obs := assistant.Funcs{
		OnStatus: func(phase assistant.Phase, message string) {
			if phase == assistant.PhaseError {
				return
			}
			stream.Send("status", StatusEvent{Phase: phase, Message: message})
		},
		OnDelta: func(text string) {
			stream.Send("delta", DeltaEvent{SessionID: sessionID, Content: text})
		},
	}

	reply, err := run(r.Context(), req, obs)
	if err != nil {
		h.logger.Warn("stream request failed", zap.String("session", sessionID), zap.Error(err))
		stream.Send("error", ErrorEvent{Error: err.Error(), Status: StatusFor(err)})
		stream.Send("end", EndEvent{SessionID: sessionID, Finished: true})
		return
	}

	stream.Send("message", h.messageEvent(sessionID, reply))
	stream.Send("end", EndEvent{SessionID: sessionID, Finished: true})
	h.logger.Info("completed response",
		zap.String("session", sessionID),
		zap.String("persona", reply.Persona.ID),
		zap.Bool("fallback", reply.Fallback),
	)
}

func (h *Handler) messageEvent(sessionID string, reply assistant.Reply) MessageEvent {
	event := MessageEvent{
		SessionID: sessionID,
		Persona:   reply.Persona,
		Label:     reply.Persona.Label(),
		Content:   reply.Text,
		Fallback:  reply.Fallback,
	}
	if h.renderer != nil {
		html, err := h.renderer.Render(reply.Text)
		if err != nil {
			h.logger.Warn("failed to render reply", zap.Error(err))
		} else {
			event.HTML = html
		}
	}
	return event
}

// StatusFor maps an exchange error to the HTTP status it corresponds to.
func StatusFor(err error) int {
	var statusErr *ai.StatusError
	switch {
	case errors.Is(err, assistant.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, assistant.ErrQuestionRequired), errors.Is(err, assistant.ErrURLRequired),
		errors.Is(err, ai.ErrEndpointRequired):
		return http.StatusBadRequest
	case errors.As(err, &statusErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
