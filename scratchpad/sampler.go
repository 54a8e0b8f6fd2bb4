// Package scratchpad samples the student's scratchpad DOM node into bitmaps on
// a slow, self-pacing cadence. The result feeds the scratchpad band of the
// frame mixer.
package scratchpad

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	xdraw "golang.org/x/image/draw"
	"pkt.systems/pslog"
)

var (
	// ErrTargetNotFound is reported when the selector never matched a node
	// within FindTimeout.
	ErrTargetNotFound = errors.New("scratchpad target not found")
	// ErrRunning is returned by Start while a previous run is active.
	ErrRunning = errors.New("scratchpad sampler already running")
)

// Rasterizer turns a DOM node into a bitmap. browser.Browser implements it.
type Rasterizer interface {
	Exists(ctx context.Context, selector string) (bool, error)
	Rasterize(ctx context.Context, selector string) (image.Image, error)
}

// Options tunes the sampler. Zero values take the defaults noted per field.
type Options struct {
	PollInterval   time.Duration // 200ms
	FindTimeout    time.Duration // 10s
	SampleInterval time.Duration // 3s
	MinElapsed     time.Duration // 2.5s, negative disables the guard
	Width, Height  int           // 1280x720
	Logger         pslog.Logger
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.FindTimeout <= 0 {
		o.FindTimeout = 10 * time.Second
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = 3 * time.Second
	}
	if o.MinElapsed < 0 {
		o.MinElapsed = 0
	} else if o.MinElapsed == 0 {
		o.MinElapsed = 2500 * time.Millisecond
	}
	if o.Width <= 0 || o.Height <= 0 {
		o.Width, o.Height = 1280, 720
	}
	return o
}

// Sampler captures one selector at a time.
type Sampler struct {
	r    Rasterizer
	opts Options
	log  pslog.Logger
	now  func() time.Time

	latest    atomic.Pointer[image.RGBA]
	capturing atomic.Bool

	mu              sync.Mutex
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	selector        string
	onFrame         func(image.Image)
	found           bool
	lastStart       time.Time
	succeeded       bool
	placeholderSent bool
}

// New builds a sampler over r.
func New(r Rasterizer, opts Options) *Sampler {
	opts = opts.withDefaults()
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Sampler{
		r:    r,
		opts: opts,
		log:  log.With("component", "scratchpad"),
		now:  time.Now,
	}
}

// Start begins waiting for selector and then sampling it. It returns at once;
// sampling runs until ctx ends or Stop is called.
func (s *Sampler) Start(ctx context.Context, selector string, onFrame func(image.Image)) error {
	if selector == "" {
		return fmt.Errorf("scratchpad: empty selector")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx, s.cancel = runCtx, cancel
	s.selector = selector
	s.onFrame = onFrame
	s.found = false
	s.succeeded = false
	s.placeholderSent = false
	s.lastStart = time.Time{}

	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// Stop ends sampling and waits for any in-flight capture to return.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.cancel = nil
	s.ctx = nil
	s.mu.Unlock()
}

// LatestFrame returns the last emitted bitmap, placeholder included.
func (s *Sampler) LatestFrame() (image.Image, bool) {
	img := s.latest.Load()
	if img == nil {
		return nil, false
	}
	return img, true
}

// Trigger starts a capture unless one is in flight, the previous one started
// less than MinElapsed ago, or the target has not been found yet. Skipped
// triggers are dropped, not queued.
func (s *Sampler) Trigger() bool {
	s.mu.Lock()
	if s.cancel == nil || !s.found || s.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	now := s.now()
	if !s.lastStart.IsZero() && now.Sub(s.lastStart) < s.opts.MinElapsed {
		s.mu.Unlock()
		return false
	}
	if !s.capturing.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return false
	}
	s.lastStart = now
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go s.capture(ctx)
	return true
}

func (s *Sampler) run(ctx context.Context) {
	defer s.wg.Done()

	if err := s.waitForTarget(ctx); err != nil {
		if errors.Is(err, ErrTargetNotFound) {
			s.log.Warn("scratchpad target never appeared", "selector", s.selector, "timeout", s.opts.FindTimeout)
			s.emitPlaceholder("target " + s.selector + " not found")
		}
		return
	}
	s.mu.Lock()
	s.found = true
	s.mu.Unlock()
	s.log.Info("✏️ scratchpad target found", "selector", s.selector)

	s.Trigger()
	ticker := time.NewTicker(s.opts.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.Trigger() {
				s.log.Trace("scratchpad sample skipped")
			}
		}
	}
}

func (s *Sampler) waitForTarget(ctx context.Context) error {
	deadline := time.NewTimer(s.opts.FindTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(s.opts.PollInterval)
	defer poll.Stop()

	for {
		ok, err := s.r.Exists(ctx, s.selector)
		if err != nil {
			s.log.Debug("scratchpad target lookup failed", "err", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrTargetNotFound
		case <-poll.C:
		}
	}
}

func (s *Sampler) capture(ctx context.Context) {
	defer s.wg.Done()
	defer s.capturing.Store(false)

	img, err := s.r.Rasterize(ctx, s.selector)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.log.Warn("scratchpad rasterize failed", "err", err)
		s.mu.Lock()
		succeeded := s.succeeded
		s.mu.Unlock()
		if !succeeded {
			s.emitPlaceholder("capture failed")
		}
		return
	}

	out := resize(img, s.opts.Width, s.opts.Height)
	s.mu.Lock()
	s.succeeded = true
	s.mu.Unlock()
	s.emit(out)
}

func (s *Sampler) emitPlaceholder(reason string) {
	s.mu.Lock()
	if s.placeholderSent {
		s.mu.Unlock()
		return
	}
	s.placeholderSent = true
	s.mu.Unlock()
	s.emit(Placeholder(s.opts.Width, s.opts.Height, reason))
}

func (s *Sampler) emit(img *image.RGBA) {
	s.latest.Store(img)
	s.mu.Lock()
	onFrame := s.onFrame
	s.mu.Unlock()
	if onFrame != nil {
		onFrame(img)
	}
}

func resize(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}
