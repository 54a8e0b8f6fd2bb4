// Package browser drives a headless Chrome instance through chromedp. It
// rasterizes the question DOM for the scratchpad sampler and exposes a page
// screencast as a screen capture device.
package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"pkt.systems/pslog"
)

// ErrClosed is returned by operations on a closed browser.
var ErrClosed = errors.New("browser closed")

// Options configures the Chrome process.
type Options struct {
	// URL is loaded into the main tab on start when non-empty.
	URL string
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
	// Headful disables headless mode.
	Headful bool
	// ActionTimeout bounds a single rasterize or query call (default: 15s).
	ActionTimeout time.Duration
	// WindowWidth and WindowHeight size the viewport (default: 1280x720).
	WindowWidth  int
	WindowHeight int

	Logger pslog.Logger
}

// Browser owns one Chrome process and its main tab.
type Browser struct {
	opts Options
	log  pslog.Logger

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// New starts Chrome and, when opts.URL is set, navigates the main tab to it.
func New(ctx context.Context, opts Options) (*Browser, error) {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 15 * time.Second
	}
	if opts.WindowWidth <= 0 || opts.WindowHeight <= 0 {
		opts.WindowWidth, opts.WindowHeight = 1280, 720
	}
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	log = log.With("component", "browser")

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !opts.Headful),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	// Chrome lives until Close, not until the caller's context ends.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	b := &Browser{
		opts:        opts,
		log:         log,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}

	// The first Run allocates the browser and binds it to the context it is
	// given, so it must be the tab context itself rather than a timeout child.
	if err := chromedp.Run(tabCtx); err != nil {
		b.Close()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	if opts.URL != "" {
		if err := b.Navigate(ctx, opts.URL); err != nil {
			b.Close()
			return nil, err
		}
	}
	log.Info("🌐 browser started", "url", opts.URL)
	return b, nil
}

// Close terminates the tab and the Chrome process.
func (b *Browser) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.tabCancel()
	b.allocCancel()
	b.log.Info("browser closed")
}

// Navigate loads url into the main tab.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	if err := b.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Exists reports whether selector currently matches a node. It does not
// wait for the node to appear.
func (b *Browser) Exists(ctx context.Context, selector string) (bool, error) {
	var nodes []*cdp.Node
	if err := b.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
		return false, fmt.Errorf("query %q: %w", selector, err)
	}
	return len(nodes) > 0, nil
}

// Rasterize screenshots the first node matching selector.
func (b *Browser) Rasterize(ctx context.Context, selector string) (image.Image, error) {
	var buf []byte
	if err := b.run(ctx, chromedp.Screenshot(selector, &buf, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return nil, fmt.Errorf("screenshot %q: %w", selector, err)
	}
	img, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return img, nil
}

// run executes actions on the main tab, bounded by ActionTimeout and by ctx.
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	runCtx, cancel := context.WithTimeout(b.tabCtx, b.opts.ActionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}
