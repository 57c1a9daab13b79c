package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

// Kind tags a signaling message variant.
type Kind string

const (
	KindLogin        Kind = "login"
	KindLoginAck     Kind = "login_ack"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindIceCandidate Kind = "ice_candidate"
	KindViewerJoined Kind = "viewer_joined"
	KindViewerLeft   Kind = "viewer_left"
	KindViewerCount  Kind = "viewer_count"
	KindSessionEnded Kind = "session_ended"
)

// Message is the tagged signaling variant exchanged over the channel.
// Only the fields relevant to the Kind are populated.
type Message struct {
	Kind   Kind   `json:"kind"`
	RoomID string `json:"room_id"`
	From   string `json:"from,omitempty"` // origin client id, set by the server on relay
	To     string `json:"to,omitempty"`   // target client id; empty = room default routing
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`

	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Count     int                      `json:"count,omitempty"`
}

// Envelope is the wire framing: event name plus raw payload, matching the
// platform's WebSocket message shape.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Wrap encodes a message into its wire envelope.
func Wrap(msg *Message) (*Envelope, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: string(msg.Kind), Data: data}, nil
}

// Unwrap decodes the payload of an envelope. The envelope event wins over
// any kind embedded in the payload.
func Unwrap(env *Envelope) (*Message, error) {
	var msg Message
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, err
		}
	}
	msg.Kind = Kind(env.Event)
	return &msg, nil
}

// candidateKey identifies an ICE candidate for duplicate suppression.
func candidateKey(from string, cand *webrtc.ICECandidateInit) string {
	if cand == nil {
		return from + "|"
	}
	return from + "|" + cand.Candidate
}
