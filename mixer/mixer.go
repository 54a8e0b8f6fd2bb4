// Package mixer composites the scratchpad, screen and camera sources into one
// tall frame buffer split into three equal horizontal bands.
//
// The buffer is mutated only by the mixer's own loop goroutine. Consumers read
// it through View, Snapshot or EncodeJPEG.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
	"pkt.systems/pslog"
)

// Band identifies one horizontal band of the composite buffer.
type Band int

// Bands are drawn in declaration order, top to bottom.
const (
	BandScratchpad Band = iota
	BandScreen
	BandCamera
	bandCount
)

func (b Band) String() string {
	switch b {
	case BandScratchpad:
		return "scratchpad"
	case BandScreen:
		return "screen"
	case BandCamera:
		return "camera"
	default:
		return fmt.Sprintf("band(%d)", int(b))
	}
}

// Placeholder fills used when a band has nothing to draw.
var (
	ScratchpadBackground = color.RGBA{R: 0xF5, G: 0xF5, B: 0xF5, A: 0xFF}
	ScreenPlaceholder    = color.RGBA{A: 0xFF}
	CameraPlaceholder    = color.RGBA{R: 0x33, G: 0x33, B: 0x33, A: 0xFF}
)

// Placeholder returns the deterministic fill colour of a band.
func Placeholder(b Band) color.RGBA {
	switch b {
	case BandScratchpad:
		return ScratchpadBackground
	case BandCamera:
		return CameraPlaceholder
	default:
		return ScreenPlaceholder
	}
}

// FrameProvider is a read-only view of a source's latest decoded frame.
type FrameProvider interface {
	// LatestFrame returns the most recent frame, or false when the source has
	// not decoded anything yet.
	LatestFrame() (image.Image, bool)
}

// ErrInvalidConfig is returned by New for unusable dimensions or rates.
var ErrInvalidConfig = errors.New("invalid mixer config")

// Config fixes the buffer dimensions and composite rate.
type Config struct {
	Width     int
	Height    int
	TargetFPS float64
}

// DefaultConfig returns a 1280x2160 buffer (three 1280x720 bands) at 15 fps.
func DefaultConfig() Config {
	return Config{Width: 1280, Height: 2160, TargetFPS: 15}
}

// Stats is a snapshot of mixer counters.
type Stats struct {
	Composites uint64
	DrawErrors uint64
	Running    bool
}

// Option customises a Mixer.
type Option func(*Mixer)

// WithPacer overrides the paint-cycle pacer factory.
func WithPacer(newPacer func() Pacer) Option {
	return func(m *Mixer) { m.newPacer = newPacer }
}

// WithLogger sets the logger.
func WithLogger(log pslog.Logger) Option {
	return func(m *Mixer) { m.log = log }
}

// WithScaler sets the interpolator used to stretch frames into bands.
func WithScaler(s draw.Scaler) Option {
	return func(m *Mixer) { m.scaler = s }
}

// Mixer owns the composite buffer and its loop.
type Mixer struct {
	cfg      Config
	interval time.Duration
	bands    [bandCount]image.Rectangle
	log      pslog.Logger
	newPacer func() Pacer
	scaler   draw.Scaler

	mu  sync.RWMutex
	buf *image.RGBA

	srcMu   sync.Mutex
	enabled [bandCount]bool
	sources [bandCount]FrameProvider

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// last is touched only by the loop goroutine.
	last time.Time

	composites atomic.Uint64
	drawErrors atomic.Uint64
}

// New creates a mixer. The scratchpad band starts enabled; screen and camera
// start disabled.
func New(cfg Config, opts ...Option) (*Mixer, error) {
	if cfg.Width <= 0 || cfg.Height < int(bandCount) || cfg.TargetFPS <= 0 {
		return nil, fmt.Errorf("%w: %dx%d @ %.2f fps", ErrInvalidConfig, cfg.Width, cfg.Height, cfg.TargetFPS)
	}

	m := &Mixer{
		cfg:      cfg,
		interval: time.Duration(float64(time.Second) / cfg.TargetFPS),
		buf:      image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height)),
		scaler:   draw.ApproxBiLinear,
		newPacer: func() Pacer { return NewRefreshPacer(DefaultRefreshRate) },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = pslog.Ctx(context.Background())
	}
	m.log = m.log.With("component", "mixer")

	bandHeight := cfg.Height / int(bandCount)
	for b := BandScratchpad; b < bandCount; b++ {
		bottom := (int(b) + 1) * bandHeight
		if b == bandCount-1 {
			bottom = cfg.Height
		}
		m.bands[b] = image.Rect(0, int(b)*bandHeight, cfg.Width, bottom)
	}
	m.enabled[BandScratchpad] = true

	for b := BandScratchpad; b < bandCount; b++ {
		draw.Draw(m.buf, m.bands[b], image.NewUniform(Placeholder(b)), image.Point{}, draw.Src)
	}
	return m, nil
}

// Config returns the configuration the mixer was created with.
func (m *Mixer) Config() Config {
	return m.cfg
}

// BandRect returns the buffer region covered by a band.
func (m *Mixer) BandRect(b Band) image.Rectangle {
	if b < 0 || b >= bandCount {
		return image.Rectangle{}
	}
	return m.bands[b]
}

// SetBandEnabled enables or disables a band. It takes effect on the next
// composite.
func (m *Mixer) SetBandEnabled(b Band, enabled bool) {
	if b < 0 || b >= bandCount {
		return
	}
	m.srcMu.Lock()
	m.enabled[b] = enabled
	m.srcMu.Unlock()
	m.log.Debug("band toggled", "band", b.String(), "enabled", enabled)
}

// BandEnabled reports whether a band is enabled.
func (m *Mixer) BandEnabled(b Band) bool {
	if b < 0 || b >= bandCount {
		return false
	}
	m.srcMu.Lock()
	defer m.srcMu.Unlock()
	return m.enabled[b]
}

// Attach sets the frame provider of a band. A nil provider detaches it.
func (m *Mixer) Attach(b Band, src FrameProvider) {
	if b < 0 || b >= bandCount {
		return
	}
	m.srcMu.Lock()
	m.sources[b] = src
	m.srcMu.Unlock()
}

// Start launches the composite loop. Calling Start on a running mixer is a
// no-op.
func (m *Mixer) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.last = time.Time{}

	pacer := m.newPacer()
	go m.run(ctx, pacer, done)
	m.log.Info("🎬 mixer started", "width", m.cfg.Width, "height", m.cfg.Height, "fps", m.cfg.TargetFPS)
}

// Stop halts the loop and waits for an in-flight composite to finish.
func (m *Mixer) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.log.Info("mixer stopped", "composites", m.composites.Load())
}

// Running reports whether the loop is active.
func (m *Mixer) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}

func (m *Mixer) run(ctx context.Context, pacer Pacer, done chan struct{}) {
	defer close(done)
	defer pacer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now, ok := <-pacer.C():
			if !ok {
				return
			}
			m.tick(now)
		}
	}
}

// tick composites when at least one frame interval has elapsed. The last
// composite time is aligned to the interval grid so paint jitter does not
// accumulate into drift.
func (m *Mixer) tick(now time.Time) bool {
	if !m.last.IsZero() {
		elapsed := now.Sub(m.last)
		if elapsed < m.interval {
			return false
		}
		m.last = now.Add(-(elapsed % m.interval))
	} else {
		m.last = now
	}
	m.composite()
	return true
}

func (m *Mixer) composite() {
	m.srcMu.Lock()
	enabled := m.enabled
	sources := m.sources
	m.srcMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	for b := BandScratchpad; b < bandCount; b++ {
		m.drawBand(b, enabled[b], sources[b])
	}
	m.composites.Add(1)
}

func (m *Mixer) drawBand(b Band, enabled bool, src FrameProvider) {
	defer func() {
		if r := recover(); r != nil {
			m.drawErrors.Add(1)
			m.log.Warn("band draw failed", "band", b.String(), "panic", r)
		}
	}()

	rect := m.bands[b]
	draw.Draw(m.buf, rect, image.NewUniform(Placeholder(b)), image.Point{}, draw.Src)
	if !enabled || src == nil {
		return
	}
	frame, ok := src.LatestFrame()
	if !ok || frame == nil || frame.Bounds().Empty() {
		return
	}
	m.scaler.Scale(m.buf, rect, frame, frame.Bounds(), draw.Src, nil)
}

// View runs fn with read access to the live buffer. fn must not retain or
// modify the image.
func (m *Mixer) View(fn func(buf *image.RGBA)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.buf)
}

// Snapshot returns a copy of the current buffer.
func (m *Mixer) Snapshot() *image.RGBA {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := image.NewRGBA(m.buf.Rect)
	copy(out.Pix, m.buf.Pix)
	return out
}

// EncodeJPEG writes the current buffer as a JPEG. The buffer is copied first
// so encoding never holds up the composite loop.
func (m *Mixer) EncodeJPEG(w io.Writer, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	if err := jpeg.Encode(w, m.Snapshot(), &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("encode composite: %w", err)
	}
	return nil
}

// Stats returns the current counters.
func (m *Mixer) Stats() Stats {
	return Stats{
		Composites: m.composites.Load(),
		DrawErrors: m.drawErrors.Load(),
		Running:    m.Running(),
	}
}
