// Package assistant runs one page exchange end to end: capture the page,
// build the request for the active persona, stream the reply and record the
// turns.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/zhouzirui/personify/backend/internal/model/chat"
	"github.com/zhouzirui/personify/backend/internal/model/persona"
	"github.com/zhouzirui/personify/backend/internal/model/settings"
	"github.com/zhouzirui/personify/backend/internal/service/ai"
	"github.com/zhouzirui/personify/backend/internal/service/capture"
)

var (
	// ErrBusy is returned while another exchange is in flight.
	ErrBusy = errors.New("another request is already in progress")
	// ErrQuestionRequired is returned by Ask without a question.
	ErrQuestionRequired = errors.New("question is required")
	// ErrURLRequired is returned by Summarize without a page URL.
	ErrURLRequired = errors.New("page url is required")
)

// Phase is the coarse progress of an exchange.
type Phase string

const (
	PhaseCapturing  Phase = "capturing"
	PhaseRequesting Phase = "requesting"
	PhaseStreaming  Phase = "streaming"
	// PhaseFallback precedes the single delta of a non-streaming retry.
	// Deltas received before it must be discarded: the next delta carries
	// the whole reply.
	PhaseFallback   Phase = "fallback"
	PhaseDone       Phase = "done"
	PhaseError      Phase = "error"
)

// Observer receives progress while an exchange runs. Calls arrive on the
// goroutine running the exchange.
type Observer interface {
	Status(phase Phase, message string)
	Delta(text string)
}

// Funcs adapts plain functions to Observer. Nil fields are skipped.
type Funcs struct {
	OnStatus func(Phase, string)
	OnDelta  func(string)
}

func (f Funcs) Status(phase Phase, message string) {
	if f.OnStatus != nil {
		f.OnStatus(phase, message)
	}
}

func (f Funcs) Delta(text string) {
	if f.OnDelta != nil {
		f.OnDelta(text)
	}
}

// Request selects the page and conversation of one exchange.
type Request struct {
	SessionID  string
	URL        string
	Question   string
	Screenshot bool
}

// Reply is the outcome of a finished exchange.
type Reply struct {
	Persona  persona.Persona
	Page     capture.Page
	Prompt   string
	Text     string
	Fallback bool
}

// Responder produces assistant messages for an exchange.
type Responder interface {
	GenerateResponse(ctx context.Context, ex ai.Exchange) (*schema.Message, error)
	StreamResponse(ctx context.Context, ex ai.Exchange) (*schema.StreamReader[*schema.Message], error)
}

// Conversations stores exchange turns.
type Conversations interface {
	History(ctx context.Context, sessionID string, limit int) ([]chat.Message, error)
	SaveMessage(ctx context.Context, message chat.Message) error
}

// PersonaSource supplies the active persona and endpoint settings.
type PersonaSource interface {
	Active(ctx context.Context) (persona.Persona, error)
	Settings(ctx context.Context) (settings.Settings, error)
}

// Service orchestrates exchanges. At most one exchange runs at a time.
type Service struct {
	capturer      capture.Capturer
	responder     Responder
	conversations Conversations
	personas      PersonaSource
	guard         *semaphore.Weighted
	historyLimit  int
	maxImageWidth int
	logger        *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithHistoryLimit sets how many prior turns are sent with a request.
func WithHistoryLimit(n int) Option {
	return func(s *Service) { s.historyLimit = n }
}

// WithMaxImageWidth caps the width of captured images.
func WithMaxImageWidth(px int) Option {
	return func(s *Service) { s.maxImageWidth = px }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService wires an orchestrator. conversations may be nil, in which case
// no history is sent and no turns are recorded.
func NewService(capturer capture.Capturer, responder Responder, conversations Conversations, personas PersonaSource, opts ...Option) *Service {
	s := &Service{
		capturer:      capturer,
		responder:     responder,
		conversations: conversations,
		personas:      personas,
		guard:         semaphore.NewWeighted(1),
		historyLimit:  6,
		maxImageWidth: capture.DefaultMaxImageWidth,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summarize asks the active persona to summarize the page at req.URL.
func (s *Service) Summarize(ctx context.Context, req Request, obs Observer) (Reply, error) {
	if strings.TrimSpace(req.URL) == "" {
		return Reply{}, ErrURLRequired
	}
	return s.run(ctx, req, obs, func(p persona.Persona) string {
		return ai.SummaryPrompt(p)
	})
}

// Ask sends req.Question to the active persona, with the page at req.URL as
// context when one is given.
func (s *Service) Ask(ctx context.Context, req Request, obs Observer) (Reply, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Reply{}, ErrQuestionRequired
	}
	return s.run(ctx, req, obs, func(persona.Persona) string {
		return question
	})
}

func (s *Service) run(ctx context.Context, req Request, obs Observer, prompt func(persona.Persona) string) (Reply, error) {
	if obs == nil {
		obs = Funcs{}
	}
	if !s.guard.TryAcquire(1) {
		return Reply{}, ErrBusy
	}
	defer s.guard.Release(1)

	reply, err := s.exchange(ctx, req, obs, prompt)
	if err != nil {
		obs.Status(PhaseError, err.Error())
		s.logger.Warn("exchange failed", zap.String("url", req.URL), zap.Error(err))
		return reply, err
	}
	obs.Status(PhaseDone, "")
	return reply, nil
}

func (s *Service) exchange(ctx context.Context, req Request, obs Observer, prompt func(persona.Persona) string) (Reply, error) {
	p, err := s.personas.Active(ctx)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to resolve active persona: %w", err)
	}
	cfg, err := s.personas.Settings(ctx)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to load settings: %w", err)
	}

	reply := Reply{Persona: p, Prompt: prompt(p)}

	if req.URL != "" {
		obs.Status(PhaseCapturing, req.URL)
		page, err := s.capturer.Capture(ctx, capture.Request{
			URL:           req.URL,
			MaxImages:     cfg.MaxImages,
			Screenshot:    req.Screenshot,
			MaxImageWidth: s.maxImageWidth,
		})
		if err != nil {
			return reply, fmt.Errorf("failed to capture page: %w", err)
		}
		reply.Page = page
	}

	history, err := s.history(ctx, req.SessionID)
	if err != nil {
		return reply, err
	}

	ex := ai.Exchange{Persona: p, Page: reply.Page, Prompt: reply.Prompt, History: history}
	obs.Status(PhaseRequesting, cfg.Model)

	text, streamErr := s.stream(ctx, ex, obs)
	if streamErr != nil {
		if ctx.Err() != nil {
			return reply, ctx.Err()
		}
		s.logger.Warn("streaming request failed, retrying without streaming", zap.Error(streamErr))
		obs.Status(PhaseRequesting, "retrying without streaming")

		msg, err := s.responder.GenerateResponse(ctx, ex)
		if err != nil {
			return reply, fmt.Errorf("chat request failed: %w", err)
		}
		text = ai.StripRoleEcho(msg.Content)
		reply.Fallback = true
		obs.Status(PhaseFallback, "")
		obs.Delta(text)
	}
	reply.Text = text

	s.record(ctx, req.SessionID, reply)
	return reply, nil
}

func (s *Service) stream(ctx context.Context, ex ai.Exchange, obs Observer) (string, error) {
	sr, err := s.responder.StreamResponse(ctx, ex)
	if err != nil {
		return "", err
	}
	defer sr.Close()

	var b strings.Builder
	first := true
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return "", err
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		if first {
			obs.Status(PhaseStreaming, "")
			first = false
		}
		b.WriteString(chunk.Content)
		obs.Delta(chunk.Content)
	}
}

func (s *Service) history(ctx context.Context, sessionID string) ([]chat.Message, error) {
	if s.conversations == nil || sessionID == "" || s.historyLimit <= 0 {
		return nil, nil
	}
	history, err := s.conversations.History(ctx, sessionID, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}
	return history, nil
}

// record stores the turns of a finished exchange. Failures are logged; the
// reply has already been delivered.
func (s *Service) record(ctx context.Context, sessionID string, reply Reply) {
	if s.conversations == nil || sessionID == "" {
		return
	}
	turns := []chat.Message{
		{SessionID: sessionID, Sender: chat.SenderUser, Content: reply.Prompt},
		{SessionID: sessionID, Sender: chat.SenderAssistant, Content: reply.Text},
	}
	for _, turn := range turns {
		if err := s.conversations.SaveMessage(ctx, turn); err != nil {
			s.logger.Warn("failed to record turn", zap.String("session", sessionID), zap.Error(err))
			return
		}
	}
}
