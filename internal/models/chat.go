package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessage is one persisted message in a session, returned in send
// order with the sender's resolved display name.
type ChatMessage struct {
	ID         uuid.UUID `json:"id"`
	SessionID  uuid.UUID `json:"session_id"`
	SenderID   uuid.UUID `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sent_at"`
}
