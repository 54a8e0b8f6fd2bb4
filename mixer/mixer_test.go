package mixer

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualPacer struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func newManualPacer() *manualPacer {
	return &manualPacer{ch: make(chan time.Time)}
}

func (p *manualPacer) C() <-chan time.Time { return p.ch }
func (p *manualPacer) Stop()               { p.stopped.Store(true) }

type solidSource struct {
	img   image.Image
	ready atomic.Bool
}

func newSolidSource(c color.Color, ready bool) *solidSource {
	img := image.NewRGBA(image.Rect(0, 0, 32, 18))
	for i := 0; i < len(img.Pix); i += 4 {
		r, g, b, a := c.RGBA()
		img.Pix[i] = uint8(r >> 8)
		img.Pix[i+1] = uint8(g >> 8)
		img.Pix[i+2] = uint8(b >> 8)
		img.Pix[i+3] = uint8(a >> 8)
	}
	s := &solidSource{img: img}
	s.ready.Store(ready)
	return s
}

func (s *solidSource) LatestFrame() (image.Image, bool) {
	if !s.ready.Load() {
		return nil, false
	}
	return s.img, true
}

type panicSource struct{}

func (panicSource) LatestFrame() (image.Image, bool) { panic("source removed mid-frame") }

func bandIsUniform(t *testing.T, m *Mixer, b Band, want color.RGBA) {
	t.Helper()
	rect := m.BandRect(b)
	m.View(func(buf *image.RGBA) {
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			for x := rect.Min.X; x < rect.Max.X; x++ {
				got := buf.RGBAAt(x, y)
				if got != want {
					t.Fatalf("band %s pixel (%d,%d) = %v, want %v", b, x, y, got, want)
				}
			}
		}
	})
}

func newTestMixer(t *testing.T, fps float64, pacer Pacer) *Mixer {
	t.Helper()
	m, err := New(Config{Width: 48, Height: 81, TargetFPS: fps}, WithPacer(func() Pacer { return pacer }))
	require.NoError(t, err)
	return m
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Width: 0, Height: 90, TargetFPS: 10})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{Width: 10, Height: 90, TargetFPS: 0})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBandsSplitBufferEvenly(t *testing.T) {
	m := newTestMixer(t, 10, newManualPacer())
	assert.Equal(t, image.Rect(0, 0, 48, 27), m.BandRect(BandScratchpad))
	assert.Equal(t, image.Rect(0, 27, 48, 54), m.BandRect(BandScreen))
	assert.Equal(t, image.Rect(0, 54, 48, 81), m.BandRect(BandCamera))
}

func TestCompositeCountTracksTargetRate(t *testing.T) {
	for _, fps := range []float64{2, 10, 24, 30} {
		pacer := newManualPacer()
		m := newTestMixer(t, fps, pacer)
		m.Start(t.Context())

		start := time.Unix(0, 0)
		const duration = 3 * time.Second
		step := time.Second / 60
		for elapsed := time.Duration(0); elapsed <= duration; elapsed += step {
			pacer.ch <- start.Add(elapsed)
		}
		m.Stop()

		interval := time.Duration(float64(time.Second) / fps)
		want := int64(duration / interval)
		got := int64(m.Stats().Composites)
		assert.InDelta(t, want, got, 1, "fps=%v composites=%d", fps, got)
		assert.True(t, pacer.stopped.Load())
	}
}

func TestTickSkipsWhenIntervalNotElapsed(t *testing.T) {
	m := newTestMixer(t, 10, newManualPacer())
	base := time.Unix(100, 0)

	assert.True(t, m.tick(base))
	assert.False(t, m.tick(base.Add(50*time.Millisecond)))
	assert.False(t, m.tick(base.Add(99*time.Millisecond)))
	assert.True(t, m.tick(base.Add(100*time.Millisecond)))
	assert.Equal(t, uint64(2), m.Stats().Composites)
}

func TestDisabledBandRevertsToPlaceholder(t *testing.T) {
	m := newTestMixer(t, 10, newManualPacer())
	red := color.RGBA{R: 0xFF, A: 0xFF}
	m.Attach(BandCamera, newSolidSource(red, true))

	m.SetBandEnabled(BandCamera, true)
	m.composite()
	bandIsUniform(t, m, BandCamera, red)

	m.SetBandEnabled(BandCamera, false)
	m.composite()
	bandIsUniform(t, m, BandCamera, CameraPlaceholder)
}

func TestEnabledSourceWithoutFrameShowsPlaceholder(t *testing.T) {
	m := newTestMixer(t, 10, newManualPacer())
	green := color.RGBA{G: 0xFF, A: 0xFF}
	src := newSolidSource(green, true)
	m.Attach(BandScreen, src)
	m.SetBandEnabled(BandScreen, true)

	m.composite()
	bandIsUniform(t, m, BandScreen, green)

	src.ready.Store(false)
	m.composite()
	bandIsUniform(t, m, BandScreen, ScreenPlaceholder)
}

func TestDrawPanicDoesNotAbortOtherBands(t *testing.T) {
	m := newTestMixer(t, 10, newManualPacer())
	blue := color.RGBA{B: 0xFF, A: 0xFF}
	m.Attach(BandScreen, panicSource{})
	m.SetBandEnabled(BandScreen, true)
	m.Attach(BandCamera, newSolidSource(blue, true))
	m.SetBandEnabled(BandCamera, true)

	m.composite()

	bandIsUniform(t, m, BandScreen, ScreenPlaceholder)
	bandIsUniform(t, m, BandCamera, blue)
	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.DrawErrors)
	assert.Equal(t, uint64(1), stats.Composites)
}

func TestScratchpadEndToEndAtTwoFPS(t *testing.T) {
	m, err := New(Config{Width: 64, Height: 108, TargetFPS: 2}, WithPacer(func() Pacer { return NewRefreshPacer(60) }))
	require.NoError(t, err)

	c := color.RGBA{R: 0x12, G: 0x80, B: 0xC0, A: 0xFF}
	m.Attach(BandScratchpad, newSolidSource(c, true))
	m.Attach(BandScreen, newSolidSource(color.RGBA{R: 0xFF, A: 0xFF}, true))
	m.Attach(BandCamera, newSolidSource(color.RGBA{G: 0xFF, A: 0xFF}, true))

	m.Start(t.Context())
	time.Sleep(600 * time.Millisecond)
	m.Stop()

	require.GreaterOrEqual(t, m.Stats().Composites, uint64(1))
	bandIsUniform(t, m, BandScratchpad, c)
	bandIsUniform(t, m, BandScreen, ScreenPlaceholder)
	bandIsUniform(t, m, BandCamera, CameraPlaceholder)
}

func TestStartStopIdempotent(t *testing.T) {
	pacer := newManualPacer()
	m := newTestMixer(t, 10, pacer)

	m.Start(t.Context())
	m.Start(t.Context())
	assert.True(t, m.Running())

	m.Stop()
	m.Stop()
	assert.False(t, m.Running())
}

func TestEncodeJPEGMatchesBufferSize(t *testing.T) {
	m := newTestMixer(t, 10, newManualPacer())
	m.composite()

	var buf bytes.Buffer
	require.NoError(t, m.EncodeJPEG(&buf, 70))
	img, err := jpeg.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 48, 81), img.Bounds())
}

func TestSnapshotIsDetachedCopy(t *testing.T) {
	m := newTestMixer(t, 10, newManualPacer())
	snap := m.Snapshot()
	snap.SetRGBA(0, 0, color.RGBA{R: 1, A: 0xFF})

	m.View(func(buf *image.RGBA) {
		assert.Equal(t, ScratchpadBackground, buf.RGBAAt(0, 0))
	})
}
