package render

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/sipeed/picoquote/pkg/logger"
)

// Renderer rasterizes a Page to PNG bytes.
type Renderer interface {
	Render(ctx context.Context, p Page) ([]byte, error)
}

var ErrRendererClosed = errors.New("renderer closed")

const waitImagesJS = `Promise.all(Array.from(document.images).map(function (img) {
  if (img.complete) { return true; }
  return new Promise(function (resolve) { img.onload = img.onerror = function () { resolve(true); }; });
})).then(function () { return true; })`

type ChromeOptions struct {
	// ExecPath overrides browser discovery.
	ExecPath string
	Timeout  time.Duration
}

// ChromeRenderer drives a headless Chrome through chromedp. The browser is
// started on first use and shared by all renders; each render gets a tab.
type ChromeRenderer struct {
	opts ChromeOptions

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closed        bool
}

func NewChromeRenderer(opts ChromeOptions) *ChromeRenderer {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &ChromeRenderer{opts: opts}
}

func (r *ChromeRenderer) browser() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRendererClosed
	}
	if r.browserCtx != nil && r.browserCtx.Err() == nil {
		return r.browserCtx, nil
	}

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.DisableGPU,
		chromedp.Flag("force-color-profile", "srgb"),
		chromedp.Flag("hide-scrollbars", true),
	)
	if runtime.GOOS == "linux" {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	if r.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(r.opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...any) {}))
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	r.allocCancel = allocCancel
	r.browserCtx = browserCtx
	r.browserCancel = browserCancel
	logger.InfoC("render", "Headless browser started")
	return browserCtx, nil
}

// Render loads p into a fresh tab and captures it.
func (r *ChromeRenderer) Render(ctx context.Context, p Page) ([]byte, error) {
	browserCtx, err := r.browser()
	if err != nil {
		return nil, err
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, r.opts.Timeout)
	defer cancelTimeout()

	// Follow the caller's cancellation as well.
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	width, height := p.Width, p.Height
	if width <= 0 {
		width = feedWidth
	}
	if height <= 0 {
		height = 1
	}

	var (
		buf    []byte
		loaded bool
	)
	capture := chromedp.CaptureScreenshot(&buf)
	if p.FullPage {
		capture = chromedp.FullScreenshot(&buf, 100)
	}

	start := time.Now()
	err = chromedp.Run(tabCtx,
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, p.HTML).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(waitImagesJS, &loaded, func(ep *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
			return ep.WithAwaitPromise(true)
		}),
		capture,
	)
	if err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}

	logger.DebugCF("render", "Card rendered", map[string]interface{}{
		"width":    width,
		"bytes":    len(buf),
		"duration": time.Since(start).String(),
	})
	return buf, nil
}

// Close shuts the browser down. Later renders fail with ErrRendererClosed.
func (r *ChromeRenderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.browserCancel != nil {
		r.browserCancel()
		r.browserCancel = nil
	}
	if r.allocCancel != nil {
		r.allocCancel()
		r.allocCancel = nil
	}
	r.browserCtx = nil
}
