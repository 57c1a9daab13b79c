// Package fallback renders a synthetic placeholder video stream for
// sessions whose camera is unavailable. Frames are I420 and are pushed
// into the session's video track at a steady rate, so viewers always
// receive video even while the publisher has no working camera.
package fallback

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulse-social/live/internal/media"
)

// FrameWriter consumes rendered frames. *media.Track satisfies it.
type FrameWriter interface {
	WriteFrame(media.Frame) error
}

// Config configures the placeholder renderer.
type Config struct {
	Width    int    // default 640
	Height   int    // default 360
	FPS      int    // default 30
	Initials string // host initials shown in the center badge
	Status   string // status line, e.g. "Camera unavailable"
}

// DefaultConfig returns the standard placeholder configuration.
func DefaultConfig() Config {
	return Config{Width: 640, Height: 360, FPS: 30, Status: "CAMERA UNAVAILABLE"}
}

// Renderer generates placeholder frames: a dark background, a badge with
// the host initials, a status line, and an orbiting accent dot so viewers
// can tell the stream is alive.
type Renderer struct {
	config Config

	// Pre-allocated I420 frame buffer
	frameData []byte
	yPlane    []byte
	uPlane    []byte
	vPlane    []byte

	frameDuration time.Duration
	frameCount    uint64

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	doneCh  chan struct{}

	sink FrameWriter

	mu     sync.RWMutex
	status string
}

// NewRenderer creates a placeholder renderer writing into sink.
func NewRenderer(config Config, sink FrameWriter) *Renderer {
	if config.Width <= 0 {
		config.Width = 640
	}
	if config.Height <= 0 {
		config.Height = 360
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}
	// Even dimensions keep the chroma planes aligned.
	config.Width &^= 1
	config.Height &^= 1

	ySize := config.Width * config.Height
	uvSize := (config.Width / 2) * (config.Height / 2)
	frameData := make([]byte, ySize+uvSize*2)

	return &Renderer{
		config:        config,
		frameData:     frameData,
		yPlane:        frameData[:ySize],
		uPlane:        frameData[ySize : ySize+uvSize],
		vPlane:        frameData[ySize+uvSize:],
		frameDuration: time.Second / time.Duration(config.FPS),
		sink:          sink,
		status:        config.Status,
	}
}

// SetStatus replaces the status line, e.g. "RECONNECTING".
func (r *Renderer) SetStatus(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = strings.ToUpper(status)
}

// Start begins rendering frames until Stop or context cancellation.
func (r *Renderer) Start(ctx context.Context) error {
	if r.running.Load() {
		return fmt.Errorf("fallback: renderer already running")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.doneCh = make(chan struct{})
	r.running.Store(true)
	r.frameCount = 0

	go r.renderLoop()
	return nil
}

// Stop halts rendering and waits for the render goroutine to exit.
func (r *Renderer) Stop() {
	if !r.running.Load() {
		return
	}
	r.running.Store(false)
	if r.cancel != nil {
		r.cancel()
	}
	if r.doneCh != nil {
		<-r.doneCh
	}
}

// Running reports whether the render loop is active.
func (r *Renderer) Running() bool { return r.running.Load() }

func (r *Renderer) renderLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.frameCount++
			r.generate(r.frameCount)
			_ = r.sink.WriteFrame(media.Frame{
				Data:     r.frameData,
				Width:    r.config.Width,
				Height:   r.config.Height,
				Duration: r.frameDuration,
			})
		}
	}
}

// generate draws one frame into the plane buffers.
func (r *Renderer) generate(frameNum uint64) {
	w, h := r.config.Width, r.config.Height

	// Dark slate background.
	bgY, bgU, bgV := rgbToYUV(28, 32, 44)
	for i := range r.yPlane {
		r.yPlane[i] = bgY
	}
	for i := range r.uPlane {
		r.uPlane[i] = bgU
		r.vPlane[i] = bgV
	}

	// Center badge with the host initials.
	badge := h / 3
	bx := (w - badge) / 2
	by := h/2 - badge/2 - h/10
	r.fillRect(bx, by, badge, badge, 72, 70, 140)

	initials := r.config.Initials
	if initials == "" {
		initials = "?"
	}
	scale := badge / 12
	if scale < 2 {
		scale = 2
	}
	r.drawText(initials, w/2, by+badge/2, scale, 235, 235, 235)

	// Status line under the badge.
	r.mu.RLock()
	status := r.status
	r.mu.RUnlock()
	r.drawText(status, w/2, by+badge+h/8, 2, 200, 200, 210)

	// Orbiting accent dot below the status line keeps the frame visibly
	// live.
	dot := h / 40
	if dot < 4 {
		dot = 4
	}
	orbit := float64(w) / 10
	angle := float64(frameNum) * 0.1
	dx := w/2 + int(orbit*math.Cos(angle)) - dot/2
	dy := by + badge + h/5
	r.fillRect(dx, dy, dot, dot, 255, 120, 40)
}

// fillRect paints an axis-aligned rectangle in RGB, clipped to the frame.
func (r *Renderer) fillRect(x0, y0, rw, rh int, red, green, blue uint8) {
	w, h := r.config.Width, r.config.Height
	yVal, u, v := rgbToYUV(red, green, blue)

	for y := y0; y < y0+rh && y < h; y++ {
		if y < 0 {
			continue
		}
		for x := x0; x < x0+rw && x < w; x++ {
			if x < 0 {
				continue
			}
			r.yPlane[y*w+x] = yVal
			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(w/2) + x/2
				if uvIdx < len(r.uPlane) {
					r.uPlane[uvIdx] = u
					r.vPlane[uvIdx] = v
				}
			}
		}
	}
}

// drawText renders text centered at (cx, cy) with the 5x7 bitmap font,
// scaled by scale.
func (r *Renderer) drawText(text string, cx, cy, scale int, red, green, blue uint8) {
	text = strings.ToUpper(text)
	glyphW := (glyphCols + 1) * scale
	total := glyphW * len(text)
	x := cx - total/2
	y := cy - glyphRows*scale/2

	for _, ch := range text {
		r.drawGlyph(ch, x, y, scale, red, green, blue)
		x += glyphW
	}
}

func (r *Renderer) drawGlyph(ch rune, x0, y0, scale int, red, green, blue uint8) {
	glyph, ok := font5x7[ch]
	if !ok {
		return
	}
	for row := 0; row < glyphRows; row++ {
		bits := glyph[row]
		for col := 0; col < glyphCols; col++ {
			if bits&(1<<(glyphCols-1-col)) == 0 {
				continue
			}
			r.fillRect(x0+col*scale, y0+row*scale, scale, scale, red, green, blue)
		}
	}
}

// rgbToYUV converts RGB to YUV (BT.601).
func rgbToYUV(red, green, blue uint8) (y, u, v uint8) {
	yf := 16.0 + 65.481*float64(red)/255.0 + 128.553*float64(green)/255.0 + 24.966*float64(blue)/255.0
	uf := 128.0 - 37.797*float64(red)/255.0 - 74.203*float64(green)/255.0 + 112.0*float64(blue)/255.0
	vf := 128.0 + 112.0*float64(red)/255.0 - 93.786*float64(green)/255.0 - 18.214*float64(blue)/255.0

	y = uint8(clamp(yf, 16, 235))
	u = uint8(clamp(uf, 16, 240))
	v = uint8(clamp(vf, 16, 240))
	return
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
