// Package capture wraps camera and screen capture streams behind a uniform
// live-source interface with its own decode sink.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
)

// Kind names the capture source.
type Kind string

const (
	KindCamera Kind = "camera"
	KindScreen Kind = "screen"
)

var (
	// ErrPermissionDenied is returned when the user or platform refuses capture.
	ErrPermissionDenied = errors.New("capture permission denied")
	// ErrNoDevice is returned when no capture device is available.
	ErrNoDevice = errors.New("no capture device")
	// ErrNotReady is returned when a stream ends or times out before its first frame.
	ErrNotReady = errors.New("capture stream produced no frame")
	// ErrSuperseded is returned by Enable when Disable ran before the stream opened.
	ErrSuperseded = errors.New("capture disabled while enabling")
)

// Resolution is a capture size hint.
type Resolution struct {
	Width  int
	Height int
}

// Device is the platform capability that grants a capture stream.
type Device interface {
	Open(ctx context.Context, hint Resolution) (Stream, error)
}

// Stream is an open capture stream.
type Stream interface {
	// Frames delivers decoded frames. It is closed when the stream ends.
	Frames() <-chan image.Image
	// Ended is closed once every track has ended, whether by Stop or by the
	// platform (for instance the user revoking a screen share).
	Ended() <-chan struct{}
	// Stop ends every track. Safe to call more than once.
	Stop()
}

// DefaultReadyTimeout bounds how long Enable waits for the first frame.
const DefaultReadyTimeout = 10 * time.Second

type decodedFrame struct {
	img image.Image
}

// Source is one live capture source. It owns its stream and the latest
// decoded frame; consumers only query LatestFrame.
type Source struct {
	kind         Kind
	device       Device
	hint         Resolution
	readyTimeout time.Duration
	log          pslog.Logger

	mu        sync.Mutex
	enabled   bool
	gen       uint64
	stream    Stream
	listeners map[uint64]func(enabled bool)
	nextID    uint64

	// notifyMu keeps listener deliveries in transition order.
	notifyMu sync.Mutex

	frame atomic.Pointer[decodedFrame]
}

// SourceOption customises a Source.
type SourceOption func(*Source)

// WithReadyTimeout overrides DefaultReadyTimeout.
func WithReadyTimeout(d time.Duration) SourceOption {
	return func(s *Source) { s.readyTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(log pslog.Logger) SourceOption {
	return func(s *Source) { s.log = log }
}

// NewSource creates a disabled source.
func NewSource(kind Kind, device Device, hint Resolution, opts ...SourceOption) *Source {
	s := &Source{
		kind:         kind,
		device:       device,
		hint:         hint,
		readyTimeout: DefaultReadyTimeout,
		listeners:    make(map[uint64]func(bool)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = pslog.Ctx(context.Background())
	}
	s.log = s.log.With("component", "capture", "source", string(kind))
	return s
}

// Kind returns the source kind.
func (s *Source) Kind() Kind {
	return s.kind
}

// Enabled reports whether the source is enabled.
func (s *Source) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// OnStateChange registers a listener called with the new enabled state after
// every transition. The returned func unregisters it.
func (s *Source) OnStateChange(fn func(enabled bool)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Enable opens the device and returns once the first frame has been decoded.
// On failure the source is left disabled and the error is returned.
func (s *Source) Enable(ctx context.Context) error {
	s.mu.Lock()
	if s.enabled {
		s.mu.Unlock()
		return nil
	}
	if s.device == nil {
		s.mu.Unlock()
		return fmt.Errorf("enable %s: %w", s.kind, ErrNoDevice)
	}
	s.enabled = true
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	stream, err := s.device.Open(ctx, s.hint)
	if err != nil {
		s.disable(gen, false)
		s.log.Warn("capture enable failed", "err", err)
		return fmt.Errorf("enable %s: %w", s.kind, err)
	}

	s.mu.Lock()
	if s.gen != gen || !s.enabled {
		s.mu.Unlock()
		stream.Stop()
		return fmt.Errorf("enable %s: %w", s.kind, ErrSuperseded)
	}
	s.stream = stream
	s.mu.Unlock()

	ready := make(chan struct{})
	go s.decode(gen, stream, ready)
	go s.watch(gen, stream)

	timer := time.NewTimer(s.readyTimeout)
	defer timer.Stop()

	select {
	case <-ready:
	case <-stream.Ended():
		s.disable(gen, false)
		return fmt.Errorf("enable %s: %w", s.kind, ErrNotReady)
	case <-timer.C:
		s.disable(gen, false)
		return fmt.Errorf("enable %s: %w", s.kind, ErrNotReady)
	case <-ctx.Done():
		s.disable(gen, false)
		return fmt.Errorf("enable %s: %w", s.kind, ctx.Err())
	}

	if !s.announceEnabled(gen) {
		return fmt.Errorf("enable %s: %w", s.kind, ErrSuperseded)
	}
	return nil
}

// Disable stops every track and clears the decoded frame. It is a no-op when
// the source is already disabled.
func (s *Source) Disable() {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.disable(gen, true)
}

// LatestFrame returns the most recent decoded frame while enabled.
func (s *Source) LatestFrame() (image.Image, bool) {
	if !s.Enabled() {
		return nil, false
	}
	f := s.frame.Load()
	if f == nil || f.img == nil {
		return nil, false
	}
	return f.img, true
}

func (s *Source) disable(gen uint64, announce bool) {
	s.mu.Lock()
	if s.gen != gen || !s.enabled {
		s.mu.Unlock()
		return
	}
	s.enabled = false
	s.gen++
	stream := s.stream
	s.stream = nil
	s.frame.Store(nil)
	s.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	if announce {
		s.log.Info("capture disabled")
		s.notify(false)
	}
}

func (s *Source) decode(gen uint64, stream Stream, ready chan struct{}) {
	var once sync.Once
	for img := range stream.Frames() {
		if img == nil {
			continue
		}
		s.mu.Lock()
		current := s.gen == gen
		s.mu.Unlock()
		if !current {
			return
		}
		s.frame.Store(&decodedFrame{img: img})
		once.Do(func() { close(ready) })
	}
}

// watch turns a platform-initiated end of the stream into a disable.
func (s *Source) watch(gen uint64, stream Stream) {
	<-stream.Ended()
	s.mu.Lock()
	current := s.gen == gen && s.enabled
	s.mu.Unlock()
	if !current {
		return
	}
	s.log.Info("capture track ended")
	s.disable(gen, true)
}

// announceEnabled reports the enable of gen unless the source was disabled
// since, in which case the disable's own notification stands.
func (s *Source) announceEnabled(gen uint64) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	current := s.gen == gen && s.enabled
	s.mu.Unlock()
	if !current {
		return false
	}
	s.log.Info("📷 capture enabled", "width", s.hint.Width, "height", s.hint.Height)
	s.broadcast(true)
	return true
}

func (s *Source) notify(enabled bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.broadcast(enabled)
}

func (s *Source) broadcast(enabled bool) {
	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(enabled)
	}
}
