package capture

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// MJPEGDevice reads a camera exposed as an HTTP multipart/x-mixed-replace
// JPEG stream.
type MJPEGDevice struct {
	URL    string
	Client *http.Client
	Log    pslog.Logger
}

// Open requests the stream with the resolution hint as query parameters.
func (d *MJPEGDevice) Open(ctx context.Context, hint Resolution) (Stream, error) {
	if d.URL == "" {
		return nil, ErrNoDevice
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse camera url: %w", err)
	}
	q := u.Query()
	if hint.Width > 0 {
		q.Set("width", strconv.Itoa(hint.Width))
	}
	if hint.Height > 0 {
		q.Set("height", strconv.Itoa(hint.Height))
	}
	u.RawQuery = q.Encode()

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	log := d.Log
	if log == nil {
		log = pslog.Ctx(ctx)
	}

	// The stream outlives Open's context; ctx only bounds the request setup.
	streamCtx, cancel := context.WithCancel(context.Background())
	detach := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		detach()
		cancel()
		return nil, fmt.Errorf("build camera request: %w", err)
	}
	resp, err := client.Do(req)
	if !detach() {
		if resp != nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("open camera: %w", ctx.Err())
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		cancel()
		return nil, ErrPermissionDenied
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		cancel()
		return nil, ErrNoDevice
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open camera: unexpected status %d", resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open camera: not a multipart stream (%q)", resp.Header.Get("Content-Type"))
	}

	st := &mjpegStream{
		frames: make(chan image.Image, 1),
		ended:  make(chan struct{}),
		cancel: cancel,
		log:    log,
	}
	go st.read(multipart.NewReader(resp.Body, params["boundary"]), resp)
	return st, nil
}

type mjpegStream struct {
	frames chan image.Image
	ended  chan struct{}
	cancel context.CancelFunc
	log    pslog.Logger

	stopOnce sync.Once
}

func (s *mjpegStream) Frames() <-chan image.Image { return s.frames }
func (s *mjpegStream) Ended() <-chan struct{}     { return s.ended }

func (s *mjpegStream) Stop() {
	s.stopOnce.Do(s.cancel)
}

func (s *mjpegStream) read(mr *multipart.Reader, resp *http.Response) {
	defer close(s.ended)
	defer close(s.frames)
	defer resp.Body.Close()

	for {
		part, err := mr.NextPart()
		if err != nil {
			s.log.Debug("camera stream closed", "err", err)
			return
		}
		img, err := jpeg.Decode(part)
		part.Close()
		if err != nil {
			s.log.Debug("camera frame decode failed", "err", err)
			continue
		}
		pushLatest(s.frames, img)
	}
}

// pushLatest replaces a pending frame rather than queueing behind it.
func pushLatest(ch chan image.Image, img image.Image) {
	select {
	case ch <- img:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- img:
	default:
	}
}
