package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/personify/backend/internal/model/chat"
)

var (
	ErrPersonaRequired = errors.New("persona id is required")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSender   = errors.New("sender must be user or assistant")
)

const (
	// DefaultHistoryLimit is the number of prior turns sent with a request.
	DefaultHistoryLimit = 6
	// DefaultMaxTurns bounds a stored transcript; older turns are dropped.
	DefaultMaxTurns = 200
)

type conversation struct {
	session chat.Session
	turns   []chat.Message
}

// Service keeps conversations in memory. Transcripts are lost on restart.
type Service struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
	maxTurns      int
	now           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMaxTurns bounds every transcript to n turns. Non-positive values keep
// the default.
func WithMaxTurns(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxTurns = n
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

// NewService returns an empty conversation store.
func NewService(opts ...Option) *Service {
	s := &Service{
		conversations: make(map[string]*conversation),
		maxTurns:      DefaultMaxTurns,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession starts a conversation answered by personaID.
func (s *Service) CreateSession(_ context.Context, personaID string) (chat.Session, error) {
	if personaID == "" {
		return chat.Session{}, ErrPersonaRequired
	}

	session := chat.Session{
		ID:        uuid.NewString(),
		PersonaID: personaID,
		CreatedAt: s.now().UTC(),
	}

	s.mu.Lock()
	s.conversations[session.ID] = &conversation{session: session}
	s.mu.Unlock()

	return session, nil
}

// SaveMessage appends a turn to its session. The stored copy gets a fresh id
// and, when missing, a timestamp.
func (s *Service) SaveMessage(_ context.Context, message chat.Message) error {
	if message.Sender != chat.SenderUser && message.Sender != chat.SenderAssistant {
		return ErrInvalidSender
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[message.SessionID]
	if !ok {
		return ErrSessionNotFound
	}

	message.ID = uuid.NewString()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now().UTC()
	}
	conv.turns = append(conv.turns, message)
	if over := len(conv.turns) - s.maxTurns; over > 0 {
		conv.turns = append(conv.turns[:0:0], conv.turns[over:]...)
	}
	return nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return conv.session, nil
}

// LoadTranscript returns every stored turn of a session, oldest first.
func (s *Service) LoadTranscript(_ context.Context, sessionID string) ([]chat.Message, error) {
	return s.tail(sessionID, 0)
}

// History returns the last limit turns of a session, oldest first.
// A non-positive limit selects DefaultHistoryLimit.
func (s *Service) History(_ context.Context, sessionID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return s.tail(sessionID, limit)
}

// tail copies the last n turns, or all of them when n is zero.
func (s *Service) tail(sessionID string, n int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	turns := conv.turns
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return append([]chat.Message{}, turns...), nil
}
