package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	"github.com/percy-io/percy-core/internal/interfaces"
	"github.com/percy-io/percy-core/internal/model"
)

// page implements interfaces.Page. It installs Fetch-domain interception
// on setup (every request pauses until the hook decides its fate) and
// tracks in-flight request counts off Network-domain events to detect
// network idle, the same event-counting idiom as
// internal/webclient/chromedp_client.go's waitNetworkIdle.
type page struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   interfaces.PageOptions
	logger interfaces.Logger

	idleTimeout time.Duration

	mimeMu sync.Mutex
	mimeByRequest map[string]string
}

func newPage(ctx context.Context, cancel context.CancelFunc, opts interfaces.PageOptions, logger interfaces.Logger) *page {
	idle := time.Duration(opts.NetworkIdleTimeoutMS) * time.Millisecond
	if idle <= 0 {
		idle = 100 * time.Millisecond
	}
	return &page{ctx: ctx, cancel: cancel, opts: opts, logger: logger, idleTimeout: idle, mimeByRequest: make(map[string]string)}
}

// setup enables request interception, wires the intercept hook, and sizes
// the viewport before any navigation happens.
func (p *page) setup(ctx context.Context) error {
	headers := network.Headers{}
	for k, v := range p.opts.RequestHeaders {
		headers[k] = v
	}

	actions := []chromedp.Action{
		network.Enable(),
		fetch.Enable(),
		chromedp.EmulateViewport(p.opts.Width, p.opts.Height),
	}
	if len(headers) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(headers))
	}
	if !p.opts.EnableJavaScript {
		actions = append(actions, emulation.SetScriptExecutionDisabled(true))
	}

	if err := chromedp.Run(p.ctx, actions...); err != nil {
		return fmt.Errorf("browser: enable interception: %w", err)
	}

	p.listen()
	return nil
}

// redirectTracker remembers, for each Network-domain request id, the URL it
// was originally requested with before any redirects. Not safe for
// concurrent use; listen() drives it from a single ListenTarget callback.
type redirectTracker struct {
	origin map[network.RequestID]string
}

func newRedirectTracker() *redirectTracker {
	return &redirectTracker{origin: make(map[network.RequestID]string)}
}

// observe records a redirect leg: id is redirected from redirectedFromURL.
// A request redirected more than once keeps the URL of its first leg.
func (t *redirectTracker) observe(id network.RequestID, redirectedFromURL string) {
	if _, ok := t.origin[id]; !ok {
		t.origin[id] = redirectedFromURL
	}
}

func (t *redirectTracker) originalURL(id network.RequestID) string {
	return t.origin[id]
}

// networkRequestID resolves the id an intercepted Fetch-domain request
// should be reported under. e.RequestID is the Fetch domain's own
// namespace, only valid for continuing/failing/fulfilling this paused
// request (applyDecision below); e.NetworkID is the same request's id in
// the Network domain, which is what EventLoadingFinished, EventLoadingFailed
// and Network.getResponseBody key on. DiscovererHooks must be keyed on the
// Network id to correlate OnRequest with the matching OnFinished/OnError.
func networkRequestID(e *fetch.EventRequestPaused) string {
	if e.NetworkID != "" {
		return string(e.NetworkID)
	}
	return string(e.RequestID)
}

// listen wires the DiscovererHooks to Fetch/Network protocol events. It
// runs for the lifetime of the page context.
func (p *page) listen() {
	hooks := p.opts.Hooks
	redirects := newRedirectTracker()

	chromedp.ListenTarget(p.ctx, func(ev interface{}) {
		switch e := ev.(type) {

		case *network.EventRequestWillBeSent:
			if e.RedirectResponse != nil {
				redirects.observe(e.RequestID, e.RedirectResponse.URL)
			}

		case *fetch.EventRequestPaused:
			decision := interfaces.InterceptDecision{Action: interfaces.ActionContinue}
			if hooks != nil {
				decision = hooks.OnRequest(p.ctx, interfaces.InterceptedRequest{
					RequestID:       networkRequestID(e),
					URL:             e.Request.URL,
					Method:          e.Request.Method,
					ResourceType:    e.ResourceType.String(),
					IsNavigation:    e.ResourceType == network.ResourceTypeDocument,
					RedirectFromURL: redirects.originalURL(network.RequestID(e.NetworkID)),
				})
			}
			p.applyDecision(e.RequestID, decision)

		case *network.EventResponseReceived:
			p.mimeMu.Lock()
			p.mimeByRequest[string(e.RequestID)] = e.Response.MimeType
			p.mimeMu.Unlock()

		case *network.EventLoadingFinished:
			if hooks != nil {
				hooks.OnFinished(p.ctx, interfaces.FinishedRequest{RequestID: string(e.RequestID)})
			}

		case *network.EventLoadingFailed:
			if hooks != nil {
				hooks.OnError(p.ctx, string(e.RequestID), fmt.Errorf("%s", e.ErrorText))
			}
		}
	})
}

// applyDecision executes a routing decision against a paused request. It
// runs on the browser's own executor (WithExecutor) instead of chromedp.Run
// against p.ctx, because the event callback that produced the decision may
// itself be invoked from inside chromedp.Run's dispatch loop.
func (p *page) applyDecision(id fetch.RequestID, decision interfaces.InterceptDecision) {
	go func() {
		c := chromedp.FromContext(p.ctx)
		if c == nil {
			return
		}
		execCtx := cdp.WithExecutor(p.ctx, c.Target)

		var err error
		switch decision.Action {
		case interfaces.ActionAbort:
			err = fetch.FailRequest(id, network.ErrorReasonBlockedByClient).Do(execCtx)
		case interfaces.ActionFulfill:
			body := base64.StdEncoding.EncodeToString(decision.FulfillBody)
			status := int64(decision.FulfillStatus)
			if status == 0 {
				status = 200
			}
			req := fetch.FulfillRequest(id, status).WithBody(body)
			if decision.FulfillMimetype != "" {
				req = req.WithResponseHeaders([]*fetch.HeaderEntry{
					{Name: "content-type", Value: decision.FulfillMimetype},
				})
			}
			err = req.Do(execCtx)
		default:
			err = fetch.ContinueRequest(id).Do(execCtx)
		}
		if err != nil {
			p.logger.Debug("intercept action failed", interfaces.Field{Key: "request_id", Value: string(id)}, interfaces.Field{Key: "error", Value: err.Error()})
		}
	}()
}

// Goto navigates to url and waits for DOMContentLoaded plus a window of
// network idle, failing with model.NavigationError on protocol error or
// timeout.
func (p *page) Goto(ctx context.Context, url string) error {
	idleCh := p.waitNetworkIdle()

	navCtx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		return &model.NavigationError{URL: url, Err: err}
	}

	select {
	case <-idleCh:
	case <-navCtx.Done():
		return &model.NavigationError{URL: url, Err: fmt.Errorf("network idle timeout after navigation")}
	}
	return nil
}

// waitNetworkIdle counts in-flight requests off Network-domain events and
// signals idleCh once none have been in flight for p.idleTimeout, mirroring
// internal/webclient/chromedp_client.go's waitNetworkIdle helper.
func (p *page) waitNetworkIdle() <-chan struct{} {
	idleCh := make(chan struct{}, 1)
	active := 0
	var timer *time.Timer

	chromedp.ListenTarget(p.ctx, func(ev interface{}) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			active++
			if timer != nil {
				timer.Stop()
			}
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			if active > 0 {
				active--
			}
			if active == 0 {
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(p.idleTimeout, func() {
					select {
					case idleCh <- struct{}{}:
					default:
					}
				})
			}
		}
	})

	return idleCh
}

// Evaluate runs js in the page and returns its value; used to inject a
// serialized DOM via document.open/write/close per spec.md §4.1.
func (p *page) Evaluate(ctx context.Context, js string) (interface{}, error) {
	var result interface{}
	if err := chromedp.Run(p.ctx, chromedp.Evaluate(js, &result)); err != nil {
		return nil, fmt.Errorf("browser: evaluate: %w", err)
	}
	return result, nil
}

// FetchResponseBody retrieves a completed response's body via
// Network.getResponseBody when the response cache misses.
func (p *page) FetchResponseBody(ctx context.Context, requestID string) ([]byte, string, error) {
	fetchCtx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()

	var body []byte
	err := chromedp.Run(fetchCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		b, err := network.GetResponseBody(network.RequestID(requestID)).Do(ctx)
		if err != nil {
			return err
		}
		body = b
		return nil
	}))
	if err != nil {
		return nil, "", fmt.Errorf("browser: fetch response body: %w", err)
	}

	p.mimeMu.Lock()
	mimetype := p.mimeByRequest[requestID]
	p.mimeMu.Unlock()

	return body, mimetype, nil
}

// Close releases the target. Safe to call multiple times.
func (p *page) Close(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	return nil
}
