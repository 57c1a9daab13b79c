package session

import (
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/pulse-social/live/internal/models"
	"github.com/pulse-social/live/internal/signaling"
)

// SignalSender is the outbound half of the signaling channel used during
// negotiation.
type SignalSender interface {
	SendOffer(sdp string, to string) error
	SendAnswer(sdp string, to string) error
	SendCandidate(cand webrtc.ICECandidateInit, to string) error
}

// Negotiation is the media-side contract the negotiator drives.
type Negotiation interface {
	CreateOffer(endpointID string, onCandidate func(webrtc.ICECandidateInit)) (string, error)
	HandleRemoteOffer(endpointID, sdp string, onCandidate func(webrtc.ICECandidateInit)) (string, error)
	HandleAnswer(endpointID, sdp string) error
	AddRemoteCandidate(endpointID string, cand webrtc.ICECandidateInit) error
	ClosePeer(endpointID string)
}

// Negotiator glues the signaling channel to the media pipeline: inbound
// signaling messages become negotiation steps, locally generated
// candidates go back out in generation order. Register Handle as the
// signaling client's message handler.
type Negotiator struct {
	role   models.Role
	signal SignalSender
	media  Negotiation
	logger *zap.Logger

	// onSessionEnded fires when the publisher announces the end, so a
	// viewing session can tear down within one signaling round-trip.
	onSessionEnded func()
}

// NewNegotiator creates a negotiator for the given role.
func NewNegotiator(role models.Role, signal SignalSender, media Negotiation, logger *zap.Logger) *Negotiator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Negotiator{role: role, signal: signal, media: media, logger: logger}
}

// OnSessionEnded sets the callback for a remote session_ended message.
func (n *Negotiator) OnSessionEnded(fn func()) {
	n.onSessionEnded = fn
}

// Handle processes one inbound signaling message.
func (n *Negotiator) Handle(msg signaling.Message) {
	switch msg.Kind {
	case signaling.KindViewerJoined:
		if n.role == models.RolePublisher && msg.Role == models.RoleViewer.String() {
			n.offerTo(msg.From)
		}

	case signaling.KindOffer:
		if n.role != models.RoleViewer {
			return
		}
		n.answerTo(msg.From, msg.SDP)

	case signaling.KindAnswer:
		if err := n.media.HandleAnswer(msg.From, msg.SDP); err != nil {
			n.logger.Warn("apply answer", zap.String("from", msg.From), zap.Error(err))
		}

	case signaling.KindIceCandidate:
		if msg.Candidate == nil {
			return
		}
		if err := n.media.AddRemoteCandidate(msg.From, *msg.Candidate); err != nil {
			n.logger.Warn("add remote candidate", zap.String("from", msg.From), zap.Error(err))
		}

	case signaling.KindViewerLeft:
		if n.role == models.RolePublisher {
			n.media.ClosePeer(msg.From)
		}

	case signaling.KindSessionEnded:
		if n.onSessionEnded != nil {
			n.onSessionEnded()
		}
	}
}

// offerTo publishes toward one viewer: local tracks attach before the
// offer goes out, candidates follow as they are gathered.
func (n *Negotiator) offerTo(endpointID string) {
	sdp, err := n.media.CreateOffer(endpointID, func(cand webrtc.ICECandidateInit) {
		if err := n.signal.SendCandidate(cand, endpointID); err != nil {
			n.logger.Warn("send candidate", zap.String("to", endpointID), zap.Error(err))
		}
	})
	if err != nil {
		n.logger.Warn("create offer", zap.String("to", endpointID), zap.Error(err))
		return
	}
	if err := n.signal.SendOffer(sdp, endpointID); err != nil {
		n.logger.Warn("send offer", zap.String("to", endpointID), zap.Error(err))
		n.media.ClosePeer(endpointID)
	}
}

func (n *Negotiator) answerTo(endpointID, offerSDP string) {
	sdp, err := n.media.HandleRemoteOffer(endpointID, offerSDP, func(cand webrtc.ICECandidateInit) {
		if err := n.signal.SendCandidate(cand, endpointID); err != nil {
			n.logger.Warn("send candidate", zap.String("to", endpointID), zap.Error(err))
		}
	})
	if err != nil {
		n.logger.Warn("handle remote offer", zap.String("from", endpointID), zap.Error(err))
		return
	}
	if err := n.signal.SendAnswer(sdp, endpointID); err != nil {
		n.logger.Warn("send answer", zap.String("to", endpointID), zap.Error(err))
		n.media.ClosePeer(endpointID)
	}
}
