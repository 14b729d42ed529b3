package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/personify/backend/internal/app"
	"github.com/zhouzirui/personify/backend/internal/handler/chat"
	"github.com/zhouzirui/personify/backend/internal/handler/persona"
	"github.com/zhouzirui/personify/backend/internal/handler/stream"
	"github.com/zhouzirui/personify/backend/internal/handler/transfer"
	middlewarePkg "github.com/zhouzirui/personify/backend/internal/middleware"
	"github.com/zhouzirui/personify/backend/internal/render"
	"github.com/zhouzirui/personify/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(a *app.App, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	personaHandler := persona.New(a.Personas, logger.Named("http.persona"))
	chatHandler := chat.New(a.Chat, a.Cache)
	transferHandler := transfer.New(a.Reconciler, logger.Named("http.transfer"))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"assistant": a.Assistant != nil,
		})
	})

	r.Route("/api", func(api chi.Router) {
		personaHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		transferHandler.RegisterRoutes(api)

		if a.Assistant == nil {
			unavailable := func(w http.ResponseWriter, r *http.Request) {
				utils.RespondError(w, http.StatusServiceUnavailable, "assistant unavailable")
			}
			api.Get("/stream/{sessionID}", unavailable)
			api.Get("/summarize/{sessionID}", unavailable)
			api.Get("/ws/{sessionID}", unavailable)
			return
		}

		streamHandler := stream.New(a.Assistant, a.Chat, render.NewHTML(), logger.Named("http.stream"))
		streamHandler.RegisterRoutes(api)
		stream.NewWebSocketHandler(streamHandler, a.Personas).RegisterWebSocketRoutes(api)
	})

	return r
}
