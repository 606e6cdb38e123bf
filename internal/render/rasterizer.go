package render

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	"github.com/taleforge/api/internal/config"
)

// Rasterizer turns an HTML document into a size x size PNG screenshot.
type Rasterizer interface {
	Rasterize(ctx context.Context, html string, size int) ([]byte, error)
}

// ChromeRasterizer drives one headless Chromium. Each call opens its own tab.
type ChromeRasterizer struct {
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
	timeout     time.Duration
	log         zerolog.Logger
}

func NewChromeRasterizer(cfg *config.RenderConfig, log zerolog.Logger) (*ChromeRasterizer, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	// start the browser now so a missing binary fails at boot
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		cancelAlloc()
		return nil, fmt.Errorf("failed to start chromium: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ChromeRasterizer{
		allocCtx:    allocCtx,
		cancelAlloc: cancelAlloc,
		browserCtx:  browserCtx,
		cancel:      cancel,
		timeout:     timeout,
		log:         log.With().Str("component", "rasterizer").Logger(),
	}, nil
}

func (r *ChromeRasterizer) Close() {
	r.cancel()
	r.cancelAlloc()
}

func (r *ChromeRasterizer) Rasterize(ctx context.Context, html string, size int) ([]byte, error) {
	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, r.timeout)
	defer cancelTimeout()

	// tie the tab to the caller's context as well
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(tabCtx)
			execCtx := cdp.WithExecutor(tabCtx, c.Target)
			if allowedURL(paused.Request.URL) {
				_ = fetch.ContinueRequest(paused.RequestID).Do(execCtx)
				return
			}
			r.log.Warn().Str("url", truncateURL(paused.Request.URL)).Msg("Blocked external request")
			_ = fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
		}()
	})

	var (
		buf    []byte
		loaded bool
	)
	err := chromedp.Run(tabCtx,
		fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}),
		chromedp.EmulateViewport(int64(size), int64(size)),
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(waitForAssetsJS, &loaded, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
		chromedp.CaptureScreenshot(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("rasterize: %w", err)
	}
	return buf, nil
}

// waitForAssetsJS resolves once fonts are loaded and the body background
// image has decoded.
const waitForAssetsJS = `Promise.all([
  document.fonts.ready,
  new Promise(function (resolve) {
    var m = /url\(["']?(.*?)["']?\)/.exec(getComputedStyle(document.body).backgroundImage);
    if (!m) { resolve(true); return; }
    var img = new Image();
    img.onload = img.onerror = function () { resolve(true); };
    img.src = m[1];
  })
]).then(function () { return true; })`

func allowedURL(u string) bool {
	return strings.HasPrefix(u, "data:") || strings.HasPrefix(u, "about:")
}

func truncateURL(u string) string {
	if len(u) > 120 {
		return u[:120] + "..."
	}
	return u
}
