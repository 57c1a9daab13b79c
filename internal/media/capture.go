package media

import "context"

// Profile carries bounded quality hints for device acquisition.
type Profile struct {
	Width            int
	Height           int
	Framerate        int
	EchoCancellation bool
	NoiseSuppression bool
}

// DefaultProfile returns the standard broadcast capture profile.
func DefaultProfile() Profile {
	return Profile{
		Width:            1280,
		Height:           720,
		Framerate:        30,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// Capture holds the local tracks produced by one device acquisition.
type Capture struct {
	Video *Track
	Audio *Track
}

// Stop stops both tracks. Each underlying producer stops exactly once.
func (c *Capture) Stop() {
	if c.Video != nil {
		c.Video.Stop()
	}
	if c.Audio != nil {
		c.Audio.Stop()
	}
}

// CaptureSource acquires camera and microphone tracks. Implementations
// must return errors classified by Classify so callers can map them to
// user-facing messages and retry affordances.
type CaptureSource interface {
	Open(ctx context.Context, p Profile) (*Capture, error)
}

// NoDeviceSource is the capture source for deployments without local
// capture hardware. Open always reports ErrDeviceNotFound, which routes
// output to the fallback renderer.
type NoDeviceSource struct{}

// Open implements CaptureSource.
func (NoDeviceSource) Open(context.Context, Profile) (*Capture, error) {
	return nil, ErrDeviceNotFound
}
