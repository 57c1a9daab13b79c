package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle phase of a broadcast session.
// Transitions are monotonic: Idle -> Preparing -> Publishing|Viewing -> Ending -> Ended.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StatePreparing  SessionState = "preparing"
	StatePublishing SessionState = "publishing"
	StateViewing    SessionState = "viewing"
	StateEnding     SessionState = "ending"
	StateEnded      SessionState = "ended"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool { return s == StateEnded }

// rank orders states for the monotonicity check. Publishing and Viewing
// share a rank: a session is one or the other, never both.
func (s SessionState) rank() int {
	switch s {
	case StateIdle:
		return 0
	case StatePreparing:
		return 1
	case StatePublishing, StateViewing:
		return 2
	case StateEnding:
		return 3
	case StateEnded:
		return 4
	}
	return -1
}

// CanTransition reports whether moving from s to next respects the
// monotonic lifecycle (no revisiting an earlier phase).
func (s SessionState) CanTransition(next SessionState) bool {
	if s == next {
		return false
	}
	return next.rank() > s.rank()
}

// Role distinguishes the single publisher from viewers. Exactly one
// publisher exists per session.
type Role int

const (
	RolePublisher Role = iota
	RoleViewer
)

func (r Role) String() string {
	switch r {
	case RolePublisher:
		return "publisher"
	case RoleViewer:
		return "viewer"
	}
	return "unknown"
}

// StreamSession is the persisted record of one broadcast.
type StreamSession struct {
	ID           uuid.UUID    `json:"id"`
	RoomID       string       `json:"room_id"`
	StreamID     string       `json:"stream_id"`
	HostID       uuid.UUID    `json:"host_id"`
	Title        string       `json:"title"`
	Category     string       `json:"category,omitempty"`
	State        SessionState `json:"state"`
	StartedAt    time.Time    `json:"started_at"`
	EndedAt      *time.Time   `json:"ended_at,omitempty"`
	ViewerCount  int          `json:"viewer_count"`
	PeakViewers  int          `json:"peak_viewers"`
	LikeCount    int64        `json:"like_count"`
	CommentCount int64        `json:"comment_count"`
	GiftCount    int64        `json:"gift_count"`
	ArchivedAt   *time.Time   `json:"archived_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// SessionDescriptor is the minimal identity cached for the transient local
// handoff. Advisory only; never authoritative for session state.
type SessionDescriptor struct {
	ID        uuid.UUID `json:"id"`
	RoomID    string    `json:"room_id"`
	StartedAt time.Time `json:"started_at"`
}
