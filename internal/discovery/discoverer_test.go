package discovery

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percy-io/percy-core/internal/blobstore"
	"github.com/percy-io/percy-core/internal/cache"
	"github.com/percy-io/percy-core/internal/interfaces"
	"github.com/percy-io/percy-core/internal/metrics"
	"github.com/percy-io/percy-core/internal/model"
	dummy "github.com/percy-io/percy-core/internal/testutil"
)

// fakeRequest is one simulated network request a fakePage replays on Goto.
type fakeRequest struct {
	id           string
	url          string
	redirectFrom string
	body         []byte
	mimetype     string
}

type fakeBrowser struct {
	requests []fakeRequest
	fetches  *int // counts FetchResponseBody calls across all pages, shared per test
}

func (b *fakeBrowser) Launch(ctx context.Context, opts interfaces.LaunchOptions) error { return nil }

func (b *fakeBrowser) Page(ctx context.Context, opts interfaces.PageOptions) (interfaces.Page, error) {
	return &fakePage{browser: b, hooks: opts.Hooks}, nil
}

func (b *fakeBrowser) Close(ctx context.Context) error { return nil }

type fakePage struct {
	browser *fakeBrowser
	hooks   interfaces.DiscovererHooks
}

func (p *fakePage) Goto(ctx context.Context, url string) error {
	for _, req := range p.browser.requests {
		decision := p.hooks.OnRequest(ctx, interfaces.InterceptedRequest{
			RequestID:       req.id,
			URL:             req.url,
			RedirectFromURL: req.redirectFrom,
		})
		if decision.Action == interfaces.ActionAbort {
			continue
		}
		p.hooks.OnFinished(ctx, interfaces.FinishedRequest{RequestID: req.id, URL: req.url})
	}
	return nil
}

func (p *fakePage) Evaluate(ctx context.Context, js string) (interface{}, error) { return nil, nil }

func (p *fakePage) FetchResponseBody(ctx context.Context, requestID string) ([]byte, string, error) {
	if p.browser.fetches != nil {
		*p.browser.fetches++
	}
	for _, req := range p.browser.requests {
		if req.id == requestID {
			return req.body, req.mimetype, nil
		}
	}
	return nil, "", nil
}

func (p *fakePage) Close(ctx context.Context) error { return nil }

func newTestDiscoverer(t *testing.T, browser interfaces.BrowserController) *Discoverer {
	t.Helper()
	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	return New(browser, cache.New(128*1024*1024), blobs, dummy.NewDummyLogger(), nil)
}

func TestRunBasicCaptureRootAndSubresources(t *testing.T) {
	browser := &fakeBrowser{requests: []fakeRequest{
		{id: "1", url: "https://example.com/", body: []byte("<html></html>"), mimetype: "text/html"},
		{id: "2", url: "https://example.com/style.css", body: []byte("body{}"), mimetype: "text/css"},
		{id: "3", url: "https://example.com/img.gif", body: []byte("GIF89a"), mimetype: "image/gif"},
	}}
	d := newTestDiscoverer(t, browser)

	snap := &model.Snapshot{Name: "home", URL: "https://example.com/", Widths: []int{375}, MinHeight: 1024}
	require.NoError(t, snap.Validate([]int{375}))

	resources, err := d.Run(context.Background(), Options{Snapshot: snap, Rules: RoutingRules{}})
	require.NoError(t, err)
	require.Len(t, resources, 3)
	assert.True(t, resources[0].Root)
	assert.Equal(t, "https://example.com/", resources[0].URL)
}

func TestRunDropsOversizeResource(t *testing.T) {
	huge := make([]byte, model.MaxResourceBytes+1)
	browser := &fakeBrowser{requests: []fakeRequest{
		{id: "1", url: "https://example.com/", body: []byte("<html></html>"), mimetype: "text/html"},
		{id: "2", url: "https://example.com/large.css", body: huge, mimetype: "text/css"},
	}}
	d := newTestDiscoverer(t, browser)
	logger := dummy.NewDummyLogger()
	d.logger = logger

	snap := &model.Snapshot{Name: "big", URL: "https://example.com/", Widths: []int{375}, MinHeight: 1024}
	require.NoError(t, snap.Validate([]int{375}))

	resources, err := d.Run(context.Background(), Options{Snapshot: snap, Rules: RoutingRules{}})
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.True(t, logger.HasDebug("Skipping - Max file size exceeded"))
}

func TestRunDedupsAcrossWidths(t *testing.T) {
	fetches := 0
	browser := &fakeBrowser{fetches: &fetches, requests: []fakeRequest{
		{id: "1", url: "https://example.com/", body: []byte("<html></html>"), mimetype: "text/html"},
		{id: "2", url: "https://example.com/style.css", body: []byte("body{}"), mimetype: "text/css"},
	}}
	d := newTestDiscoverer(t, browser)

	snap := &model.Snapshot{Name: "responsive", URL: "https://example.com/", Widths: []int{375, 1280}, MinHeight: 1024}
	require.NoError(t, snap.Validate([]int{375, 1280}))

	resources, err := d.Run(context.Background(), Options{Snapshot: snap, Rules: RoutingRules{}})
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Equal(t, 2, fetches, "second width should hit the response cache instead of re-fetching")

	for _, r := range resources {
		if !r.Root {
			assert.True(t, r.ForWidths[375])
			assert.True(t, r.ForWidths[1280])
		}
	}
}

// TestRunDisableCacheRefetchesEveryWidth covers the Testable Property from
// spec.md §8 ("Cache-disabled correctness"): with DisableCache set, a
// resource requested at more than one width is fetched once per width
// instead of being served from the shared response cache.
func TestRunDisableCacheRefetchesEveryWidth(t *testing.T) {
	fetches := 0
	browser := &fakeBrowser{fetches: &fetches, requests: []fakeRequest{
		{id: "1", url: "https://example.com/", body: []byte("<html></html>"), mimetype: "text/html"},
		{id: "2", url: "https://example.com/style.css", body: []byte("body{}"), mimetype: "text/css"},
	}}
	d := newTestDiscoverer(t, browser)

	snap := &model.Snapshot{Name: "responsive", URL: "https://example.com/", Widths: []int{375, 1280}, MinHeight: 1024}
	require.NoError(t, snap.Validate([]int{375, 1280}))

	resources, err := d.Run(context.Background(), Options{Snapshot: snap, Rules: RoutingRules{}, DisableCache: true})
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Equal(t, 4, fetches, "cache disabled: every width must re-fetch")
}

func TestRunExternalResourceRequiresAllowedHostname(t *testing.T) {
	browser := &fakeBrowser{requests: []fakeRequest{
		{id: "1", url: "https://example.com/", body: []byte("<html></html>"), mimetype: "text/html"},
		{id: "2", url: "http://test.localtest.me:8001/img.gif", body: []byte("GIF89a"), mimetype: "image/gif"},
	}}
	d := newTestDiscoverer(t, browser)

	snap := &model.Snapshot{Name: "external", URL: "https://example.com/", Widths: []int{375}, MinHeight: 1024}
	require.NoError(t, snap.Validate([]int{375}))

	resources, err := d.Run(context.Background(), Options{Snapshot: snap, Rules: RoutingRules{}})
	require.NoError(t, err)
	require.Len(t, resources, 1, "external resource must be dropped without an allowedHostnames match")

	resources, err = d.Run(context.Background(), Options{Snapshot: snap, Rules: RoutingRules{AllowedHostnames: []string{"*.localtest.me"}}})
	require.NoError(t, err)
	require.Len(t, resources, 2)
}

// TestRunAttributesRedirectedResourceToOriginalURL covers the case where a
// referenced stylesheet 302s to a different path: the resource reported to
// the caller must carry the originally-requested URL even though its body
// and sha come from the redirect's destination.
func TestRunAttributesRedirectedResourceToOriginalURL(t *testing.T) {
	browser := &fakeBrowser{requests: []fakeRequest{
		{id: "1", url: "https://example.com/", body: []byte("<html></html>"), mimetype: "text/html"},
		{id: "2", url: "https://example.com/style.css", redirectFrom: "https://example.com/stylesheet.css", body: []byte("body{}"), mimetype: "text/css"},
	}}
	d := newTestDiscoverer(t, browser)

	snap := &model.Snapshot{Name: "redirected", URL: "https://example.com/", Widths: []int{375}, MinHeight: 1024}
	require.NoError(t, snap.Validate([]int{375}))

	resources, err := d.Run(context.Background(), Options{Snapshot: snap, Rules: RoutingRules{}})
	require.NoError(t, err)
	require.Len(t, resources, 2)

	var css *model.Resource
	for _, r := range resources {
		if !r.Root {
			css = r
		}
	}
	require.NotNil(t, css)
	assert.Equal(t, "https://example.com/stylesheet.css", css.URL)
	assert.Equal(t, model.NewResource("https://example.com/style.css", []byte("body{}"), "text/css", false, 375).Sha, css.Sha)
}

// TestRunRecordsCacheHitsAndMisses covers the wiring between the discoverer
// and the shared metrics handle: the first width's fetch is a cache miss,
// the second width's dedup lookup is a cache hit.
func TestRunRecordsCacheHitsAndMisses(t *testing.T) {
	browser := &fakeBrowser{requests: []fakeRequest{
		{id: "1", url: "https://example.com/", body: []byte("<html></html>"), mimetype: "text/html"},
		{id: "2", url: "https://example.com/style.css", body: []byte("body{}"), mimetype: "text/css"},
	}}
	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	m := metrics.New()
	d := New(browser, cache.New(128*1024*1024), blobs, dummy.NewDummyLogger(), m)

	snap := &model.Snapshot{Name: "responsive", URL: "https://example.com/", Widths: []int{375, 1280}, MinHeight: 1024}
	require.NoError(t, snap.Validate([]int{375, 1280}))

	resources, err := d.Run(context.Background(), Options{Snapshot: snap, Rules: RoutingRules{}})
	require.NoError(t, err)
	require.Len(t, resources, 2)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.CacheMissesTotal), "first width fetches both resources uncached")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CacheHitsTotal), "second width should hit the cache for both resources")
}
