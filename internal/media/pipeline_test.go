package media

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSource counts acquisitions and can be primed to fail.
type fakeSource struct {
	opens int
	err   error
}

func (f *fakeSource) Open(_ context.Context, _ Profile) (*Capture, error) {
	f.opens++
	if f.err != nil {
		return nil, f.err
	}
	video, err := NewVideoTrack("cam", "stream")
	if err != nil {
		return nil, err
	}
	audio, err := NewAudioTrack("mic", "stream")
	if err != nil {
		return nil, err
	}
	return &Capture{Video: video, Audio: audio}, nil
}

func newTestPipeline(t *testing.T, src CaptureSource) *Pipeline {
	t.Helper()
	p := NewPipeline(src, nil, zap.NewNop())
	t.Cleanup(p.Release)
	return p
}

func TestToggleDoesNotReacquire(t *testing.T) {
	src := &fakeSource{}
	p := newTestPipeline(t, src)
	require.NoError(t, p.Acquire(context.Background(), DefaultProfile()))
	require.Equal(t, 1, src.opens)

	p.SetCameraEnabled(false)
	p.SetMicEnabled(false)
	p.SetCameraEnabled(true)
	p.SetMicEnabled(true)

	assert.Equal(t, 1, src.opens, "toggling must not touch the device")
	assert.True(t, p.CameraEnabled())
	assert.True(t, p.MicEnabled())
}

func TestRapidToggleKeepsConsistentState(t *testing.T) {
	src := &fakeSource{}
	p := newTestPipeline(t, src)
	require.NoError(t, p.Acquire(context.Background(), DefaultProfile()))

	for i := 0; i < 1000; i++ {
		p.SetCameraEnabled(i%2 == 0)
	}
	assert.Equal(t, 1, src.opens)
	assert.False(t, p.CameraEnabled())
	assert.False(t, p.ActiveVideoTrack().Enabled())
}

func TestToggleBeforeAcquireIsRemembered(t *testing.T) {
	src := &fakeSource{}
	p := newTestPipeline(t, src)

	p.SetCameraEnabled(false)
	require.NoError(t, p.Acquire(context.Background(), DefaultProfile()))

	assert.False(t, p.ActiveVideoTrack().Enabled())
	assert.True(t, p.AudioTrack().Enabled())
}

func TestAcquireClassifiesFailures(t *testing.T) {
	cases := []struct {
		name string
		open error
		want error
	}{
		{"permission", ErrPermissionDenied, ErrPermissionDenied},
		{"not found", ErrDeviceNotFound, ErrDeviceNotFound},
		{"busy", ErrDeviceBusy, ErrDeviceBusy},
		{"unknown", errors.New("ioctl failed"), ErrDeviceUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestPipeline(t, &fakeSource{err: tc.open})
			err := p.Acquire(context.Background(), DefaultProfile())
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFallbackServesVideoWithoutCapture(t *testing.T) {
	p := newTestPipeline(t, NoDeviceSource{})

	fb, err := NewVideoTrack("fallback", "stream")
	require.NoError(t, err)
	p.SetFallbackVideo(fb)

	err = p.Acquire(context.Background(), DefaultProfile())
	require.ErrorIs(t, err, ErrDeviceNotFound)
	require.NotNil(t, p.ActiveVideoTrack())
	assert.Same(t, fb, p.ActiveVideoTrack())
}

func TestOfferAnswerWithOutOfOrderCandidates(t *testing.T) {
	pubSrc := &fakeSource{}
	pub := newTestPipeline(t, pubSrc)
	require.NoError(t, pub.Acquire(context.Background(), DefaultProfile()))

	viewer := newTestPipeline(t, NoDeviceSource{})

	offer, err := pub.CreateOffer("viewer-1", nil)
	require.NoError(t, err)
	require.NotEmpty(t, offer)

	// Candidate lands before the answer does. It must be buffered, not
	// rejected.
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host"}
	require.NoError(t, pub.AddRemoteCandidate("viewer-1", cand))

	answer, err := viewer.HandleRemoteOffer("publisher", offer, nil)
	require.NoError(t, err)
	require.NotEmpty(t, answer)

	require.NoError(t, pub.HandleAnswer("viewer-1", answer))
	assert.Equal(t, 1, pub.PeerCount())
	assert.Equal(t, 1, viewer.PeerCount())
}

func TestDuplicateEndpointRejected(t *testing.T) {
	p := newTestPipeline(t, &fakeSource{})
	require.NoError(t, p.Acquire(context.Background(), DefaultProfile()))

	_, err := p.CreateOffer("viewer-1", nil)
	require.NoError(t, err)
	_, err = p.CreateOffer("viewer-1", nil)
	assert.Error(t, err)
}

func TestUnknownEndpointCandidate(t *testing.T) {
	p := newTestPipeline(t, &fakeSource{})
	err := p.AddRemoteCandidate("nobody", webrtc.ICECandidateInit{})
	assert.Error(t, err)
}

func TestReleaseIsTerminalAndIdempotent(t *testing.T) {
	src := &fakeSource{}
	p := NewPipeline(src, nil, zap.NewNop())
	require.NoError(t, p.Acquire(context.Background(), DefaultProfile()))
	_, err := p.CreateOffer("viewer-1", nil)
	require.NoError(t, err)

	p.Release()
	p.Release()

	assert.Equal(t, 0, p.PeerCount())
	assert.ErrorIs(t, p.Acquire(context.Background(), DefaultProfile()), ErrReleased)
	_, err = p.CreateOffer("viewer-2", nil)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestUserMessageLocales(t *testing.T) {
	assert.Contains(t, UserMessage(ErrDeviceBusy, "en"), "in use")
	assert.Contains(t, UserMessage(ErrDeviceBusy, "es"), "usando")
	assert.Contains(t, UserMessage(ErrDeviceBusy, "pt"), "em uso")
	// unknown locale falls back to English
	assert.Contains(t, UserMessage(ErrPermissionDenied, "fr"), "denied")
	// wrapped unknown errors map to the generic message
	wrapped := Classify(errors.New("weird"))
	assert.Contains(t, UserMessage(wrapped, "en"), "try again")
}
