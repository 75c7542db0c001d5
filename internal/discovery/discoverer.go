package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/percy-io/percy-core/internal/blobstore"
	"github.com/percy-io/percy-core/internal/cache"
	"github.com/percy-io/percy-core/internal/interfaces"
	"github.com/percy-io/percy-core/internal/metrics"
	"github.com/percy-io/percy-core/internal/model"
)

// Options configures a single Run invocation.
type Options struct {
	Snapshot             *model.Snapshot
	Rules                RoutingRules
	NetworkIdleTimeoutMS int64
	DisableCache         bool
	RequestHeaders       map[string]string
	PercyCSS             string
}

// Discoverer drives BrowserController across a snapshot's widths and
// assembles the deduplicated resource list. It is stateless between calls
// to Run: each invocation borrows the shared BrowserController and
// ResponseCache (spec.md §3, "Ownership").
type Discoverer struct {
	browser interfaces.BrowserController
	cache   *cache.Cache
	blobs   *blobstore.Store
	logger  interfaces.Logger
	metrics *metrics.Metrics
}

// New builds a Discoverer over shared collaborators. m may be nil, in which
// case cache hit/miss observations are skipped (used by tests that have no
// need of a registry).
func New(browser interfaces.BrowserController, respCache *cache.Cache, blobs *blobstore.Store, logger interfaces.Logger, m *metrics.Metrics) *Discoverer {
	return &Discoverer{browser: browser, cache: respCache, blobs: blobs, logger: logger, metrics: m}
}

// Run performs the algorithm from spec.md §4.3: open a page per width in
// order, navigate, apply routing, fetch bodies, and dedup by sha across all
// widths. It returns the root-first, ascending-sha ordered resource list
// per the resolution of the Open Question in spec.md §9.
func (d *Discoverer) Run(ctx context.Context, opts Options) ([]*model.Resource, error) {
	snap := opts.Snapshot
	run := &discoveryRun{
		d:     d,
		opts:  opts,
		bySha: make(map[string]*model.Resource),
	}

	// DisableCache flows from discovery.disableAssetCache, a process-wide
	// config value fixed at startup (core.go), so every concurrent Run call
	// applies the same setting to the shared cache; there is nothing to
	// restore afterwards.
	d.cache.SetDisabled(opts.DisableCache)

	// Only root-level failures (page open, root navigation) ever return
	// from runWidth; per-request errors are absorbed by OnError and never
	// escape the discoverer (spec.md §4.3, "Failure semantics").
	for _, width := range snap.Widths {
		if err := run.runWidth(ctx, width); err != nil {
			return nil, &model.SnapshotDiscoveryError{Snapshot: snap.Name, Err: err}
		}
	}

	return run.orderedResources(), nil
}

// discoveryRun holds the per-snapshot state shared across widths: the dedup
// map and the routing rules. It is the concrete DiscovererHooks
// implementation the browser package drives. Cross-width identity is
// resolved entirely by sha in addResource: two requests (from different
// widths or different URLs) that fetch byte-identical bodies collapse into
// one resource with both widths recorded in ForWidths.
type discoveryRun struct {
	d    *Discoverer
	opts Options

	mu    sync.Mutex
	bySha map[string]*model.Resource

	// per-width fields, reset in runWidth
	width       int
	page        interfaces.Page
	rootURL     string
	pending     map[string]pendingRequest
	wg          sync.WaitGroup
}

type pendingRequest struct {
	url      string
	capture  bool
	isRoot   bool
}

func (r *discoveryRun) runWidth(ctx context.Context, width int) error {
	r.width = width
	r.rootURL = r.opts.Snapshot.URL
	r.pending = make(map[string]pendingRequest)

	enableJS := true
	if r.opts.Snapshot.EnableJavaScript != nil {
		enableJS = *r.opts.Snapshot.EnableJavaScript
	}

	headers := mergeHeaders(r.opts.RequestHeaders, r.opts.Snapshot.RequestHeaders)

	page, err := r.d.browser.Page(ctx, interfaces.PageOptions{
		Width:                int64(width),
		Height:               int64(r.opts.Snapshot.MinHeight),
		RequestHeaders:       headers,
		NetworkIdleTimeoutMS: r.opts.NetworkIdleTimeoutMS,
		EnableJavaScript:     enableJS,
		Hooks:                r,
	})
	if err != nil {
		return &model.NavigationError{URL: r.rootURL, Root: true, Err: err}
	}
	r.page = page
	defer page.Close(ctx)

	if err := page.Goto(ctx, r.rootURL); err != nil {
		var ne *model.NavigationError
		if e, ok := err.(*model.NavigationError); ok {
			ne = e
		} else {
			ne = &model.NavigationError{URL: r.rootURL, Err: err}
		}
		ne.Root = true
		return ne
	}

	if r.opts.Snapshot.DOMSnapshot != "" {
		dom := r.opts.Snapshot.DOMSnapshot
		if r.opts.PercyCSS != "" {
			dom += fmt.Sprintf("<style>%s</style>", r.opts.PercyCSS)
		}
		script := fmt.Sprintf("document.open(); document.write(%s); document.close();", jsStringLiteral(dom))
		if _, err := page.Evaluate(ctx, script); err != nil {
			r.d.logger.Warn("failed to inject dom snapshot", interfaces.Field{Key: "error", Value: err.Error()})
		}
	}

	r.wg.Wait()
	return nil
}

// OnRequest implements interfaces.DiscovererHooks: it applies the routing
// decision table synchronously and remembers the outcome for OnFinished.
//
// Redirect-aware identity: when req.RedirectFromURL is set, the request was
// retargeted by a server redirect and req.URL names the redirect's
// destination. Routing and the resource's identity both key off the
// originally-requested URL, while the body still comes from the final
// response, so a snapshot that references /stylesheet.css (which 302s to
// /style.css) reports a resource with resource-url=/stylesheet.css and the
// body-sha of /style.css (spec.md, redirect scenario).
func (r *discoveryRun) OnRequest(ctx context.Context, req interfaces.InterceptedRequest) interfaces.InterceptDecision {
	identityURL := req.URL
	if req.RedirectFromURL != "" {
		identityURL = req.RedirectFromURL
	}

	isPrefetch := strings.EqualFold(req.ResourceType, "Prefetch") || strings.Contains(strings.ToLower(req.Method), "prefetch")
	action := r.opts.Rules.Route(identityURL, r.rootURL, isPrefetch)

	r.mu.Lock()
	r.pending[req.RequestID] = pendingRequest{url: identityURL, capture: action == ActionContinueCapture, isRoot: action == ActionServeRoot}
	r.mu.Unlock()

	switch action {
	case ActionAbort:
		return interfaces.InterceptDecision{Action: interfaces.ActionAbort}
	case ActionServeRoot:
		if r.opts.Snapshot.DOMSnapshot != "" {
			return interfaces.InterceptDecision{
				Action:          interfaces.ActionFulfill,
				FulfillBody:     []byte(r.opts.Snapshot.DOMSnapshot),
				FulfillMimetype: "text/html",
			}
		}
		return interfaces.InterceptDecision{Action: interfaces.ActionContinue}
	default:
		return interfaces.InterceptDecision{Action: interfaces.ActionContinue}
	}
}

// OnFinished implements interfaces.DiscovererHooks: for captured requests it
// fetches the body (cache first, then the debugging protocol) and folds the
// result into the dedup map.
func (r *discoveryRun) OnFinished(ctx context.Context, fin interfaces.FinishedRequest) {
	r.mu.Lock()
	pr, ok := r.pending[fin.RequestID]
	delete(r.pending, fin.RequestID)
	r.mu.Unlock()
	if !ok || !(pr.capture || pr.isRoot) {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.captureResource(ctx, fin.RequestID, pr)
	}()
}

// OnError implements interfaces.DiscovererHooks: per-request failures are
// logged at debug and otherwise ignored (spec.md §7).
func (r *discoveryRun) OnError(ctx context.Context, requestID string, err error) {
	r.mu.Lock()
	pr, ok := r.pending[requestID]
	delete(r.pending, requestID)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.d.logger.Debug("request failed", interfaces.Field{Key: "url", Value: pr.url}, interfaces.Field{Key: "error", Value: err.Error()})
}

func (r *discoveryRun) captureResource(ctx context.Context, requestID string, pr pendingRequest) {
	url := pr.url

	if entry, ok := r.d.cache.Get(url); ok {
		if r.d.metrics != nil {
			r.d.metrics.ObserveCache(true)
		}
		r.addResource(model.Resource{
			URL:       url,
			Content:   entry.Content,
			Mimetype:  entry.Mimetype,
			Sha:       entry.Sha,
			Root:      pr.isRoot,
			ForWidths: map[int]bool{r.width: true},
		})
		return
	}
	if r.d.metrics != nil {
		r.d.metrics.ObserveCache(false)
	}

	body, mimetype, err := r.page.FetchResponseBody(ctx, requestID)
	if err != nil {
		r.d.logger.Debug("body fetch failed", interfaces.Field{Key: "url", Value: url}, interfaces.Field{Key: "error", Value: err.Error()})
		return
	}

	res := model.NewResource(url, body, mimetype, pr.isRoot, r.width)

	if !res.Sizeable() {
		r.d.logger.Debug("Skipping - Max file size exceeded", interfaces.Field{Key: "url", Value: url}, interfaces.Field{Key: "size_mb", Value: float64(len(body)) / (1024 * 1024)})
		return
	}
	if !res.Accepted() {
		r.d.logger.Info("resource skipped: mimetype not accepted", interfaces.Field{Key: "url", Value: url}, interfaces.Field{Key: "mimetype", Value: mimetype})
		return
	}

	r.d.cache.Put(url, cache.Entry{Sha: res.Sha, Mimetype: mimetype, Content: body})
	if _, err := r.d.blobs.Put(res.Sha, body); err != nil {
		r.d.logger.Warn("failed to persist resource to blobstore", interfaces.Field{Key: "sha", Value: res.Sha}, interfaces.Field{Key: "error", Value: err.Error()})
	}

	r.addResource(*res)
}

func (r *discoveryRun) addResource(res model.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bySha[res.Sha]; ok {
		existing.ForWidths[r.width] = true
		return
	}
	if res.ForWidths == nil {
		res.ForWidths = map[int]bool{r.width: true}
	}
	cp := res
	r.bySha[cp.Sha] = &cp
}

// orderedResources returns the root resource first, then the remaining
// resources sorted by ascending sha (spec.md §9's Open Question, resolved).
func (r *discoveryRun) orderedResources() []*model.Resource {
	r.mu.Lock()
	defer r.mu.Unlock()

	var root *model.Resource
	rest := make([]*model.Resource, 0, len(r.bySha))
	for _, res := range r.bySha {
		if res.Root {
			root = res
			continue
		}
		rest = append(rest, res)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Sha < rest[j].Sha })

	out := make([]*model.Resource, 0, len(rest)+1)
	if root != nil {
		out = append(out, root)
	}
	out = append(out, rest...)
	return out
}

func mergeHeaders(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func jsStringLiteral(s string) string {
	var b strings.Builder
	b.WriteByte('`')
	for _, r := range s {
		switch r {
		case '`':
			b.WriteString("\\`")
		case '\\':
			b.WriteString("\\\\")
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('`')
	return b.String()
}
