package chat

import "time"

// Message senders.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Message persists one conversation turn.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
