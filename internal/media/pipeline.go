package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ConnectionStateHandler receives peer connection state changes per endpoint.
type ConnectionStateHandler func(endpointID string, state webrtc.PeerConnectionState)

// RemoteTrackHandler receives the first remote track of each kind on a
// viewing pipeline.
type RemoteTrackHandler func(track *webrtc.TrackRemote)

// Pipeline owns local media for one session: device acquisition, the
// camera/microphone mute flags, the fallback video slot, and one peer
// connection per remote endpoint.
//
// Mute toggles flip track flags only. Capture keeps running and no
// renegotiation happens, so re-enabling is instant and cannot fail the
// way acquisition can.
type Pipeline struct {
	api    *webrtc.API
	cfg    webrtc.Configuration
	source CaptureSource
	logger *zap.Logger

	mu       sync.Mutex
	capture  *Capture
	fallback *Track // substitute video when no camera is live
	released bool

	cameraOn bool // desired state, survives capture loss
	micOn    bool

	peers map[string]*peer

	onState       ConnectionStateHandler
	onRemoteTrack RemoteTrackHandler
}

// peer is the negotiation state for one remote endpoint.
type peer struct {
	pc        *webrtc.PeerConnection
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// NewPipeline creates a pipeline using the given ICE servers.
func NewPipeline(source CaptureSource, iceServers []string, logger *zap.Logger) *Pipeline {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Pipeline{
		api:      webrtc.NewAPI(),
		cfg:      cfg,
		source:   source,
		logger:   logger,
		cameraOn: true,
		micOn:    true,
		peers:    make(map[string]*peer),
	}
}

// SetConnectionStateHandler registers the per-endpoint state callback.
func (p *Pipeline) SetConnectionStateHandler(fn ConnectionStateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

// SetRemoteTrackHandler registers the remote track callback for viewing.
func (p *Pipeline) SetRemoteTrackHandler(fn RemoteTrackHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRemoteTrack = fn
}

// Acquire opens camera and microphone through the capture source. Failures
// come back classified; the pipeline stays usable with the fallback video
// track. Acquiring twice without an intervening Release is rejected.
func (p *Pipeline) Acquire(ctx context.Context, profile Profile) error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return ErrReleased
	}
	if p.capture != nil {
		p.mu.Unlock()
		return errors.New("media: capture already acquired")
	}
	p.mu.Unlock()

	capture, err := p.source.Open(ctx, profile)
	if err != nil {
		return Classify(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		capture.Stop()
		return ErrReleased
	}
	p.capture = capture
	if capture.Video != nil {
		capture.Video.SetEnabled(p.cameraOn)
	}
	if capture.Audio != nil {
		capture.Audio.SetEnabled(p.micOn)
	}
	p.logger.Info("media capture acquired",
		zap.Int("width", profile.Width), zap.Int("height", profile.Height))
	return nil
}

// SetCameraEnabled toggles outgoing video. The desired state is remembered
// even when no capture is live, so a later Acquire honors it.
func (p *Pipeline) SetCameraEnabled(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cameraOn = on
	if p.capture != nil && p.capture.Video != nil {
		p.capture.Video.SetEnabled(on)
	}
}

// SetMicEnabled toggles outgoing audio, same semantics as SetCameraEnabled.
func (p *Pipeline) SetMicEnabled(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.micOn = on
	if p.capture != nil && p.capture.Audio != nil {
		p.capture.Audio.SetEnabled(on)
	}
}

// CameraEnabled reports the desired camera state.
func (p *Pipeline) CameraEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cameraOn
}

// MicEnabled reports the desired microphone state.
func (p *Pipeline) MicEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.micOn
}

// SetFallbackVideo installs the substitute video track used when no camera
// capture is live.
func (p *Pipeline) SetFallbackVideo(t *Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = t
}

// ActiveVideoTrack returns the video track currently representing the
// session: live capture when present, otherwise the fallback. Nil only when
// neither has been set up.
func (p *Pipeline) ActiveVideoTrack() *Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capture != nil && p.capture.Video != nil {
		return p.capture.Video
	}
	return p.fallback
}

// AudioTrack returns the live audio track, nil without capture.
func (p *Pipeline) AudioTrack() *Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capture != nil {
		return p.capture.Audio
	}
	return nil
}

// newPeer creates a peer connection for an endpoint and wires state and
// candidate plumbing. Caller holds no locks.
func (p *Pipeline) newPeer(endpointID string, onCandidate func(webrtc.ICECandidateInit)) (*peer, error) {
	pc, err := p.api.NewPeerConnection(p.cfg)
	if err != nil {
		return nil, err
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || onCandidate == nil {
			return
		}
		onCandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.mu.Lock()
		onState := p.onState
		p.mu.Unlock()
		p.logger.Debug("peer connection state",
			zap.String("endpoint_id", endpointID), zap.String("state", state.String()))
		if onState != nil {
			onState(endpointID, state)
		}
	})
	return &peer{pc: pc}, nil
}

// CreateOffer builds a peer connection toward one viewer, attaches the
// active local tracks, and returns the local offer SDP. Used when this
// pipeline is publishing.
func (p *Pipeline) CreateOffer(endpointID string, onCandidate func(webrtc.ICECandidateInit)) (string, error) {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return "", ErrReleased
	}
	if _, ok := p.peers[endpointID]; ok {
		p.mu.Unlock()
		return "", errors.New("media: endpoint already negotiating")
	}
	video := p.fallback
	if p.capture != nil && p.capture.Video != nil {
		video = p.capture.Video
	}
	var audio *Track
	if p.capture != nil {
		audio = p.capture.Audio
	}
	p.mu.Unlock()

	pr, err := p.newPeer(endpointID, onCandidate)
	if err != nil {
		return "", err
	}
	if video != nil {
		if _, err := pr.pc.AddTrack(video.Local()); err != nil {
			pr.pc.Close()
			return "", err
		}
	}
	if audio != nil {
		if _, err := pr.pc.AddTrack(audio.Local()); err != nil {
			pr.pc.Close()
			return "", err
		}
	}

	offer, err := pr.pc.CreateOffer(nil)
	if err != nil {
		pr.pc.Close()
		return "", err
	}
	if err := pr.pc.SetLocalDescription(offer); err != nil {
		pr.pc.Close()
		return "", err
	}

	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		pr.pc.Close()
		return "", ErrReleased
	}
	p.peers[endpointID] = pr
	p.mu.Unlock()
	return offer.SDP, nil
}

// HandleAnswer applies the viewer's answer and flushes candidates that
// arrived before it.
func (p *Pipeline) HandleAnswer(endpointID, sdp string) error {
	p.mu.Lock()
	pr, ok := p.peers[endpointID]
	p.mu.Unlock()
	if !ok {
		return errors.New("media: unknown endpoint")
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := pr.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	return p.flushPending(endpointID)
}

// HandleRemoteOffer builds the viewing side: a peer connection for the
// publisher endpoint, remote description applied, answer returned. Remote
// tracks surface through the registered handler.
func (p *Pipeline) HandleRemoteOffer(endpointID, sdp string, onCandidate func(webrtc.ICECandidateInit)) (string, error) {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return "", ErrReleased
	}
	if _, ok := p.peers[endpointID]; ok {
		p.mu.Unlock()
		return "", errors.New("media: endpoint already negotiating")
	}
	p.mu.Unlock()

	pr, err := p.newPeer(endpointID, onCandidate)
	if err != nil {
		return "", err
	}
	pr.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.mu.Lock()
		onTrack := p.onRemoteTrack
		p.mu.Unlock()
		if onTrack != nil {
			onTrack(track)
		}
	})

	if err := pr.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: sdp,
	}); err != nil {
		pr.pc.Close()
		return "", err
	}
	pr.remoteSet = true

	answer, err := pr.pc.CreateAnswer(nil)
	if err != nil {
		pr.pc.Close()
		return "", err
	}
	if err := pr.pc.SetLocalDescription(answer); err != nil {
		pr.pc.Close()
		return "", err
	}

	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		pr.pc.Close()
		return "", ErrReleased
	}
	p.peers[endpointID] = pr
	p.mu.Unlock()
	return answer.SDP, nil
}

// AddRemoteCandidate adds an ICE candidate for an endpoint. Candidates that
// arrive before the remote description are buffered and flushed once the
// description is set, so out-of-order delivery is harmless.
func (p *Pipeline) AddRemoteCandidate(endpointID string, cand webrtc.ICECandidateInit) error {
	p.mu.Lock()
	pr, ok := p.peers[endpointID]
	if !ok {
		p.mu.Unlock()
		return errors.New("media: unknown endpoint")
	}
	if !pr.remoteSet && pr.pc.RemoteDescription() == nil {
		pr.pending = append(pr.pending, cand)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return pr.pc.AddICECandidate(cand)
}

// flushPending applies candidates buffered before the remote description.
func (p *Pipeline) flushPending(endpointID string) error {
	p.mu.Lock()
	pr, ok := p.peers[endpointID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	pr.remoteSet = true
	pending := pr.pending
	pr.pending = nil
	p.mu.Unlock()

	for _, cand := range pending {
		if err := pr.pc.AddICECandidate(cand); err != nil {
			return err
		}
	}
	return nil
}

// ClosePeer tears down the connection to one endpoint, e.g. when a viewer
// leaves.
func (p *Pipeline) ClosePeer(endpointID string) {
	p.mu.Lock()
	pr, ok := p.peers[endpointID]
	if ok {
		delete(p.peers, endpointID)
	}
	p.mu.Unlock()
	if ok {
		_ = pr.pc.Close()
	}
}

// PeerCount returns the number of open peer connections.
func (p *Pipeline) PeerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// Release tears down all peer connections and stops capture. Idempotent;
// every operation after Release reports ErrReleased.
func (p *Pipeline) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	peers := p.peers
	p.peers = make(map[string]*peer)
	capture := p.capture
	p.capture = nil
	fallback := p.fallback
	p.fallback = nil
	p.mu.Unlock()

	for _, pr := range peers {
		_ = pr.pc.Close()
	}
	if capture != nil {
		capture.Stop()
	}
	if fallback != nil {
		fallback.Stop()
	}
	p.logger.Info("media pipeline released")
}
