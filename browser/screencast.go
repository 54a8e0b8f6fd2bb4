package browser

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/room4-2/tutorstream/capture"
)

// ScreencastDevice shares a browser page as the screen source. Each Open starts a
// new tab on URL and streams its DevTools screencast; closing or crashing the
// tab ends the track the same way a revoked screen share does.
type ScreencastDevice struct {
	Browser *Browser
	URL     string
	Quality int
}

// Open starts the screencast.
func (d *ScreencastDevice) Open(ctx context.Context, hint capture.Resolution) (capture.Stream, error) {
	if d.Browser == nil {
		return nil, capture.ErrNoDevice
	}
	d.Browser.mu.Lock()
	closed := d.Browser.closed
	d.Browser.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: %v", capture.ErrNoDevice, ErrClosed)
	}

	quality := d.Quality
	if quality <= 0 || quality > 100 {
		quality = 70
	}

	tabCtx, cancel := chromedp.NewContext(d.Browser.tabCtx)
	st := &screencastStream{
		frames: make(chan image.Image, 1),
		ended:  make(chan struct{}),
		cancel: cancel,
	}
	log := d.Browser.log.With("device", "screen")

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventScreencastFrame:
			sessionID := e.SessionID
			go func() {
				if err := chromedp.Run(tabCtx, page.ScreencastFrameAck(sessionID)); err != nil {
					log.Debug("screencast ack failed", "err", err)
				}
			}()
			data, err := base64.StdEncoding.DecodeString(e.Data)
			if err != nil {
				log.Debug("screencast frame not base64", "err", err)
				return
			}
			img, err := jpeg.Decode(bytes.NewReader(data))
			if err != nil {
				log.Debug("screencast frame decode failed", "err", err)
				return
			}
			st.push(img)
		case *inspector.EventDetached, *inspector.EventTargetCrashed:
			log.Info("screencast target gone")
			st.end()
		}
	})

	start := page.StartScreencast().
		WithFormat(page.ScreencastFormatJpeg).
		WithQuality(int64(quality))
	if hint.Width > 0 {
		start = start.WithMaxWidth(int64(hint.Width))
	}
	if hint.Height > 0 {
		start = start.WithMaxHeight(int64(hint.Height))
	}

	actions := []chromedp.Action{}
	if d.URL != "" {
		actions = append(actions, chromedp.Navigate(d.URL))
	}
	actions = append(actions, start)

	errCh := make(chan error, 1)
	go func() { errCh <- chromedp.Run(tabCtx, actions...) }()
	select {
	case err := <-errCh:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: start screencast: %v", capture.ErrNoDevice, err)
		}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	go func() {
		<-tabCtx.Done()
		st.end()
	}()
	log.Info("🖥️ screencast started", "url", d.URL, "quality", quality)
	return st, nil
}

type screencastStream struct {
	frames chan image.Image
	ended  chan struct{}
	cancel context.CancelFunc

	mu      sync.Mutex
	done    bool
	endOnce sync.Once
}

func (s *screencastStream) Frames() <-chan image.Image { return s.frames }
func (s *screencastStream) Ended() <-chan struct{}     { return s.ended }

func (s *screencastStream) Stop() {
	s.cancel()
	s.end()
}

func (s *screencastStream) push(img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.frames <- img:
		return
	default:
	}
	select {
	case <-s.frames:
	default:
	}
	select {
	case s.frames <- img:
	default:
	}
}

func (s *screencastStream) end() {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.done = true
		close(s.frames)
		s.mu.Unlock()
		close(s.ended)
	})
}
