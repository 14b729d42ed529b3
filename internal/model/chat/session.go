package chat

import "time"

// Session is a conversation about pages, answered in one persona's voice.
type Session struct {
	ID        string    `json:"id"`
	PersonaID string    `json:"personaId"`
	CreatedAt time.Time `json:"createdAt"`
}
