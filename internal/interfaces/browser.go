package interfaces

import "context"

// RequestAction is the synchronous decision an intercept hook makes for a
// single outbound request: let it through, kill it, or answer it directly
// from a caller-supplied body.
type RequestAction int

const (
	// ActionContinue lets the request proceed to the network unmodified.
	ActionContinue RequestAction = iota
	// ActionAbort fails the request before it reaches the network.
	ActionAbort
	// ActionFulfill answers the request synchronously from FulfillBody /
	// FulfillMimetype without any network round-trip.
	ActionFulfill
)

// InterceptedRequest describes one outbound request as seen by the browser's
// interception layer, before any routing decision has been applied to it.
type InterceptedRequest struct {
	RequestID    string
	URL          string
	Method       string
	ResourceType string // e.g. "Document", "Stylesheet", "Image", "Fetch", "XHR"
	IsNavigation bool
	// RedirectFromURL is set when this request is the target leg of a
	// redirect; it carries the URL that was originally requested.
	RedirectFromURL string
}

// InterceptDecision is what an intercept hook returns for a single request.
type InterceptDecision struct {
	Action          RequestAction
	FulfillBody     []byte
	FulfillMimetype string
	FulfillStatus   int
}

// FinishedRequest describes a request that has completed (successfully or
// not) after being allowed to continue.
type FinishedRequest struct {
	RequestID  string
	URL        string
	StatusCode int
	Err        error
}

// DiscovererHooks lets a caller observe and drive per-request decisions
// without the browser package depending on discovery logic directly. In
// tests, a fake implementation can inject faults deterministically instead
// of mutating package-level state.
type DiscovererHooks interface {
	OnRequest(ctx context.Context, req InterceptedRequest) InterceptDecision
	OnFinished(ctx context.Context, fin FinishedRequest)
	OnError(ctx context.Context, requestID string, err error)
}

// PageOptions configures a single page opened by a BrowserController.
type PageOptions struct {
	Width               int64
	Height              int64
	RequestHeaders      map[string]string
	NetworkIdleTimeoutMS int64
	EnableJavaScript    bool
	Hooks               DiscovererHooks
}

// Page is a scoped browser tab. Every method may be called only until Close
// has returned; the owner must call Close on every exit path.
type Page interface {
	// Goto navigates to url and waits for DOMContentLoaded plus network
	// idle (no in-flight request for the configured idle window).
	Goto(ctx context.Context, url string) error

	// Evaluate runs js in the page's JavaScript context and returns
	// whatever it evaluates to.
	Evaluate(ctx context.Context, js string) (interface{}, error)

	// FetchResponseBody retrieves the body of a completed request by id,
	// used when the response cache misses.
	FetchResponseBody(ctx context.Context, requestID string) ([]byte, string, error)

	Close(ctx context.Context) error
}

// LaunchOptions configures the headless browser process.
type LaunchOptions struct {
	ExecPath          string
	NoSandbox         bool
	DisableDevShm     bool
	HideScrollbars    bool
	LaunchTimeout     int64 // milliseconds
}

// BrowserController manages a single headless browser process shared across
// all discovery jobs.
type BrowserController interface {
	Launch(ctx context.Context, opts LaunchOptions) error
	Page(ctx context.Context, opts PageOptions) (Page, error)
	Close(ctx context.Context) error
}
