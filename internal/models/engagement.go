package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrBadEngagementType rejects unknown interaction types.
var ErrBadEngagementType = errors.New("models: unknown engagement type")

// EngagementType classifies an interaction event.
type EngagementType string

const (
	EngagementLike    EngagementType = "like"
	EngagementComment EngagementType = "comment"
	EngagementGift    EngagementType = "gift"
)

// Valid reports whether t is a known engagement type.
func (t EngagementType) Valid() bool {
	switch t {
	case EngagementLike, EngagementComment, EngagementGift:
		return true
	}
	return false
}

// EngagementEvent is one append-only interaction. Counters are derived
// from events and only ever increase.
type EngagementEvent struct {
	ID        uuid.UUID      `json:"id"`
	SessionID uuid.UUID      `json:"session_id"`
	Type      EngagementType `json:"type"`
	ActorID   uuid.UUID      `json:"actor_id"`
	At        time.Time      `json:"at"`
}
