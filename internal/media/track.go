package media

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// Frame is one uncompressed I420 video frame.
type Frame struct {
	Data     []byte
	Width    int
	Height   int
	Duration time.Duration
}

// Track wraps a local sample track with a mute flag. Toggling the flag
// gates sample forwarding without renegotiation and without restarting
// hardware capture.
type Track struct {
	kind     webrtc.RTPCodecType
	local    *webrtc.TrackLocalStaticSample
	enabled  atomic.Bool
	stopOnce sync.Once
	onStop   func()
}

// NewVideoTrack creates an enabled local video track.
func NewVideoTrack(id, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{kind: webrtc.RTPCodecTypeVideo, local: local}
	t.enabled.Store(true)
	return t, nil
}

// NewAudioTrack creates an enabled local audio track.
func NewAudioTrack(id, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{kind: webrtc.RTPCodecTypeAudio, local: local}
	t.enabled.Store(true)
	return t, nil
}

// Kind returns the codec type of the track.
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }

// Local exposes the underlying track for attachment to a peer connection.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// SetEnabled flips the mute flag.
func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }

// Enabled reports the mute flag.
func (t *Track) Enabled() bool { return t.enabled.Load() }

// WriteSample forwards a sample unless the track is muted. A muted track
// swallows samples so the producer keeps its cadence.
func (t *Track) WriteSample(s media.Sample) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(s)
}

// WriteFrame forwards one video frame as a sample.
func (t *Track) WriteFrame(f Frame) error {
	return t.WriteSample(media.Sample{Data: f.Data, Duration: f.Duration})
}

// SetOnStop registers the hook invoked exactly once when the track stops.
func (t *Track) SetOnStop(fn func()) { t.onStop = fn }

// Stop halts the track's producer. Safe to call more than once; the
// producer hook runs exactly once.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		if t.onStop != nil {
			t.onStop()
		}
	})
}
