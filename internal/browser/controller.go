// Package browser implements interfaces.BrowserController on top of
// chromedp/cdproto, the way internal/webclient/chromedp_client.go and
// V4T54L-go-crawler's internal/adapter/chromedp_crawler drive a headless
// Chrome instance: an ExecAllocator with a deterministic flag set, one
// browser-level chromedp context reused across pages, and
// chromedp.ListenTarget for protocol events instead of polling.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/percy-io/percy-core/internal/interfaces"
	"github.com/percy-io/percy-core/internal/model"
)

// Controller launches and owns a single headless browser process shared
// across all discovery jobs (spec.md §5, "Shared resources").
type Controller struct {
	logger interfaces.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserCancel context.CancelFunc

	launched bool
}

// New creates a Controller. Launch must be called before Page.
func New(logger interfaces.Logger) *Controller {
	return &Controller{logger: logger}
}

// Launch starts the browser process with a deterministic argument set
// (always headless and hide-scrollbars; no-sandbox and disable-dev-shm-usage
// only when opts.NoSandbox / opts.DisableDevShm are set) and waits for the debugging endpoint to answer, up to opts.LaunchTimeout
// (default 30s). It is idempotent.
func (c *Controller) Launch(ctx context.Context, opts interfaces.LaunchOptions) error {
	if c.launched {
		return nil
	}

	timeout := time.Duration(opts.LaunchTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("hide-scrollbars", opts.HideScrollbars || true),
	)
	if opts.NoSandbox {
		execOpts = append(execOpts, chromedp.Flag("no-sandbox", true))
	}
	if opts.DisableDevShm {
		execOpts = append(execOpts, chromedp.Flag("disable-dev-shm-usage", true))
	}
	if opts.ExecPath != "" {
		execOpts = append(execOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	launchCtx, cancelWait := context.WithTimeout(browserCtx, timeout)
	defer cancelWait()

	if err := chromedp.Run(launchCtx); err != nil {
		allocCancel()
		return &model.BrowserLaunchError{Reason: "starting headless browser", Err: err}
	}

	c.allocCtx, c.allocCancel = allocCtx, allocCancel
	c.browserCtx, c.browserCancel = browserCtx, browserCancel
	c.launched = true

	c.logger.Info("browser launched", interfaces.Field{Key: "timeout_ms", Value: timeout.Milliseconds()})
	return nil
}

// Page opens a new target under the shared browser context and returns a
// scoped Page. Target creation is serialized by chromedp's own single
// debugging-protocol connection; once created, pages run concurrently.
func (c *Controller) Page(ctx context.Context, opts interfaces.PageOptions) (interfaces.Page, error) {
	if !c.launched {
		return nil, fmt.Errorf("browser: Launch must be called before Page")
	}

	pageCtx, pageCancel := chromedp.NewContext(c.browserCtx)
	if err := chromedp.Run(pageCtx); err != nil {
		pageCancel()
		return nil, fmt.Errorf("browser: open page: %w", err)
	}

	p := newPage(pageCtx, pageCancel, opts, c.logger)
	if err := p.setup(ctx); err != nil {
		p.Close(ctx)
		return nil, err
	}
	return p, nil
}

// Close tears down every remaining page context then the browser process.
// It is idempotent.
func (c *Controller) Close(ctx context.Context) error {
	if !c.launched {
		return nil
	}
	c.launched = false
	if c.browserCancel != nil {
		c.browserCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	c.logger.Info("browser closed")
	return nil
}
