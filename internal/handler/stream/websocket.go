package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/personify/backend/internal/model/persona"
	"github.com/zhouzirui/personify/backend/internal/service/assistant"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// ActiveSetter moves the active persona pointer.
type ActiveSetter interface {
	SetActive(ctx context.Context, id string) (persona.Persona, error)
}

// WebSocketHandler runs exchanges over a websocket connection.
type WebSocketHandler struct {
	*Handler
	personas ActiveSetter
	upgrader websocket.Upgrader
}

// NewWebSocketHandler wraps h. personas may be nil, in which case config
// messages cannot switch personas.
func NewWebSocketHandler(h *Handler, personas ActiveSetter) *WebSocketHandler {
	return &WebSocketHandler{
		Handler:  h,
		personas: personas,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterWebSocketRoutes registers the websocket route.
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

// AskMessage asks a question, optionally about a page.
type AskMessage struct {
	Question string `json:"question"`
	URL      string `json:"url"`
}

// SummarizeMessage requests a page summary.
type SummarizeMessage struct {
	URL string `json:"url"`
}

// ConfigMessage changes connection settings.
type ConfigMessage struct {
	PersonaID  string `json:"personaId"`
	Screenshot *bool  `json:"screenshot,omitempty"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msg outgoingMessage) error {
	msg.Timestamp = time.Now().UnixMilli()
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

type connectionState struct {
	sessionID  string
	screenshot bool
}

func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}

	h.logger.Info("websocket connected", zap.String("session", sessionID))

	// Exchanges run beside the read loop so pongs keep extending the read
	// deadline while a reply streams.
	var exchanges sync.WaitGroup
	defer exchanges.Wait()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	go h.pingLoop(ctx, conn)

	state := &connectionState{sessionID: sessionID}
	h.sendInfo(conn, sessionID, map[string]any{"type": "connected"})

	for {
		var msg inboundMessage
		if err := raw.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(pongWait))

		if msg.SessionID != "" && msg.SessionID != sessionID {
			h.sendError(conn, "session mismatch", http.StatusBadRequest)
			continue
		}

		h.handleMessage(ctx, conn, state, &msg, &exchanges)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, conn *wsConn, state *connectionState, msg *inboundMessage, exchanges *sync.WaitGroup) {
	switch msg.Type {
	case "ask":
		var payload AskMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			h.sendError(conn, "invalid ask payload", http.StatusBadRequest)
			return
		}
		h.startExchange(ctx, conn, exchanges, h.exchanger.Ask, assistant.Request{
			SessionID:  state.sessionID,
			URL:        payload.URL,
			Question:   payload.Question,
			Screenshot: state.screenshot,
		})
	case "summarize":
		var payload SummarizeMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			h.sendError(conn, "invalid summarize payload", http.StatusBadRequest)
			return
		}
		h.startExchange(ctx, conn, exchanges, h.exchanger.Summarize, assistant.Request{
			SessionID:  state.sessionID,
			URL:        payload.URL,
			Screenshot: state.screenshot,
		})
	case "config":
		h.handleConfigMessage(ctx, conn, state, msg.Data)
	default:
		h.sendError(conn, "unsupported message type: "+msg.Type, http.StatusBadRequest)
	}
}

// startExchange runs req in its own goroutine. The request is built from the
// connection state beforehand, so later config messages do not affect it.
func (h *WebSocketHandler) startExchange(ctx context.Context, conn *wsConn, exchanges *sync.WaitGroup, run exchangeFunc, req assistant.Request) {
	exchanges.Add(1)
	go func() {
		defer exchanges.Done()
		h.runExchange(ctx, conn, run, req)
	}()
}

func (h *WebSocketHandler) runExchange(ctx context.Context, conn *wsConn, run exchangeFunc, req assistant.Request) {
	sessionID := req.SessionID
	obs := assistant.Funcs{
		OnStatus: func(phase assistant.Phase, message string) {
			if phase == assistant.PhaseError {
				return
			}
			_ = conn.send(outgoingMessage{Type: "status", SessionID: sessionID, Data: StatusEvent{Phase: phase, Message: message}})
		},
		OnDelta: func(text string) {
			_ = conn.send(outgoingMessage{Type: "delta", SessionID: sessionID, Data: DeltaEvent{SessionID: sessionID, Content: text}})
		},
	}

	reply, err := run(ctx, req, obs)
	if err != nil {
		h.logger.Warn("websocket exchange failed", zap.String("session", sessionID), zap.Error(err))
		h.sendError(conn, err.Error(), StatusFor(err))
		return
	}
	_ = conn.send(outgoingMessage{Type: "message", SessionID: sessionID, Data: h.messageEvent(sessionID, reply)})
}

func (h *WebSocketHandler) handleConfigMessage(ctx context.Context, conn *wsConn, state *connectionState, raw json.RawMessage) {
	var cfg ConfigMessage
	if err := json.Unmarshal(raw, &cfg); err != nil {
		h.sendError(conn, "invalid config payload", http.StatusBadRequest)
		return
	}

	if cfg.Screenshot != nil {
		state.screenshot = *cfg.Screenshot
	}

	info := map[string]any{"type": "config", "screenshot": state.screenshot}
	if cfg.PersonaID != "" {
		if h.personas == nil {
			h.sendError(conn, "persona switching unavailable", http.StatusServiceUnavailable)
			return
		}
		p, err := h.personas.SetActive(ctx, cfg.PersonaID)
		if err != nil {
			h.sendError(conn, err.Error(), http.StatusInternalServerError)
			return
		}
		info["persona"] = p.ID
	}
	h.sendInfo(conn, state.sessionID, info)
}

func (h *WebSocketHandler) sendInfo(conn *wsConn, sessionID string, data map[string]any) {
	if err := conn.send(outgoingMessage{Type: "info", SessionID: sessionID, Data: data}); err != nil {
		h.logger.Debug("websocket write failed", zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(conn *wsConn, message string, status int) {
	if err := conn.send(outgoingMessage{Type: "error", Data: ErrorEvent{Error: message, Status: status}}); err != nil {
		h.logger.Debug("websocket write failed", zap.Error(err))
	}
}

func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
