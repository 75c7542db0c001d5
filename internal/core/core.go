// Package core implements PercyCore, the state machine tying together
// BrowserController, ResponseCache, SnapshotQueue, ControlServer, and
// BuildClient (spec.md §4.5). Its mutex-guarded state and monotonic status
// transitions follow internal/app/orchestrator.go's Orchestrator: a struct
// owning shared collaborators plus maps of in-flight work, guarded by a
// single mutex, with events threaded out through channels rather than a
// package-level singleton.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/percy-io/percy-core/internal/blobstore"
	"github.com/percy-io/percy-core/internal/cache"
	"github.com/percy-io/percy-core/internal/config"
	"github.com/percy-io/percy-core/internal/discovery"
	"github.com/percy-io/percy-core/internal/interfaces"
	"github.com/percy-io/percy-core/internal/metrics"
	"github.com/percy-io/percy-core/internal/model"
	"github.com/percy-io/percy-core/internal/queue"
	"github.com/percy-io/percy-core/internal/registry"
)

// State is PercyCore's lifecycle state (spec.md §4.5: Idle -> Running ->
// Stopping -> Stopped).
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// SnapshotEvent is delivered on the events channel returned by Events, for
// the supplemental /percy/events websocket stream.
type SnapshotEvent struct {
	SnapshotName string    `json:"snapshot_name"`
	Status       string    `json:"status"` // "started" | "done" | "failed"
	Error        string    `json:"error,omitempty"`
	ResourceIDs  []string  `json:"resource_ids,omitempty"`
	At           time.Time `json:"at"`
}

// Core is PercyCore. Exactly one instance is owned by the process; its
// collaborators (BrowserController, ResponseCache, SnapshotQueue,
// BuildClient) are private and never shared outside it (spec.md §3,
// "Ownership").
type Core struct {
	cfg     *config.Config
	logger  interfaces.Logger
	browser interfaces.BrowserController
	client  interfaces.BuildClient
	metrics *metrics.Metrics
	ledger  *registry.Registry // optional; nil disables the on-disk ledger
	blobs   *blobstore.Store

	cache      *cache.Cache
	snapQueue  *queue.Queue
	discoverer *discovery.Discoverer

	mu      sync.Mutex
	state   State
	build   *interfaces.BuildInfo
	buildID string

	subsMu sync.Mutex
	subs   map[chan SnapshotEvent]struct{}
}

// New constructs a Core in the Idle state. It does not launch the browser
// or start the server; call Start for that.
func New(cfg *config.Config, logger interfaces.Logger, browser interfaces.BrowserController, client interfaces.BuildClient, m *metrics.Metrics, ledger *registry.Registry, blobs *blobstore.Store) *Core {
	return &Core{
		cfg:     cfg,
		logger:  logger,
		browser: browser,
		client:  client,
		metrics: m,
		ledger:  ledger,
		blobs:   blobs,
		cache:   cache.New(cfg.CacheMaxBytes),
		state:   StateIdle,
		subs:    make(map[chan SnapshotEvent]struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BuildInfo returns the current build handle, or nil before Start.
func (c *Core) BuildInfo() *interfaces.BuildInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.build
}

// Start validates config, creates a build, launches the browser, and moves
// to Running. It is idempotent: a re-entrant call while already Running
// returns the existing build without doing any work again.
func (c *Core) Start(ctx context.Context) (*interfaces.BuildInfo, error) {
	c.mu.Lock()
	if c.state == StateRunning {
		build := c.build
		c.mu.Unlock()
		return build, nil
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, fmt.Errorf("core: cannot start from state %s", c.state)
	}
	c.mu.Unlock()

	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	info, err := c.client.CreateBuild(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.browser.Launch(ctx, interfaces.LaunchOptions{
		NoSandbox:     true,
		LaunchTimeout: int64(c.cfg.Timeouts.BrowserLaunchMS),
	}); err != nil {
		return nil, &model.BrowserLaunchError{Reason: "chromium launch failed", Err: err}
	}

	c.discoverer = discovery.New(c.browser, c.cache, c.blobs, c.logger, c.metrics)
	c.snapQueue = queue.New(c.cfg.Discovery.Concurrency, c.logger)

	c.mu.Lock()
	c.build = info
	c.buildID = info.ID
	c.state = StateRunning
	c.mu.Unlock()

	if c.ledger != nil {
		if err := c.ledger.RecordBuild(ctx, &model.Build{ID: info.ID, Number: info.Number, URL: info.URL}); err != nil {
			c.logger.Warn("failed to record build in ledger", interfaces.Field{Key: "error", Value: err.Error()})
		}
	}

	c.logger.Info("percy core started",
		interfaces.Field{Key: "build_id", Value: info.ID},
		interfaces.Field{Key: "build_url", Value: info.URL})

	return info, nil
}

// SnapshotRequest is the validated payload PercyCore.Snapshot enqueues.
type SnapshotRequest struct {
	Snapshot   *model.Snapshot
	PercyCSS   string
	Concurrent bool
}

// Snapshot enqueues a discovery job for the given payload. If Concurrent is
// false it blocks until the job completes; otherwise it returns immediately
// after enqueue (spec.md §8, "Concurrency").
func (c *Core) Snapshot(ctx context.Context, req SnapshotRequest) error {
	c.mu.Lock()
	if c.state != StateRunning {
		state := c.state
		c.mu.Unlock()
		return &model.NotRunningError{State: string(state)}
	}
	c.mu.Unlock()

	if err := req.Snapshot.Validate(c.cfg.Snapshot.Widths); err != nil {
		return err
	}

	percyCSS := req.PercyCSS
	if percyCSS == "" {
		percyCSS = c.cfg.Snapshot.PercyCSS
	}

	out, err := c.snapQueue.Push(func(jobCtx context.Context) (interface{}, error) {
		return c.runSnapshot(jobCtx, req.Snapshot, percyCSS)
	})
	if err != nil {
		return err
	}
	c.reportQueueDepth()

	if !req.Concurrent {
		res := <-out
		c.reportQueueDepth()
		return res.Err
	}
	return nil
}

// reportQueueDepth publishes the queue's active-plus-waiting job count to
// the queue depth gauge.
func (c *Core) reportQueueDepth() {
	if c.metrics == nil || c.snapQueue == nil {
		return
	}
	c.metrics.SetQueueDepth(c.snapQueue.ActiveCount() + c.snapQueue.QueuedCount())
}

func (c *Core) runSnapshot(ctx context.Context, snap *model.Snapshot, percyCSS string) (interface{}, error) {
	start := time.Now()
	c.publish(SnapshotEvent{SnapshotName: snap.Name, Status: "started", At: start})
	c.reportQueueDepth()
	defer c.reportQueueDepth()

	rules := discovery.RoutingRules{
		AllowedHostnames:    c.cfg.Discovery.AllowedHostnames,
		DisallowedHostnames: c.cfg.Discovery.DisallowedHostnames,
	}

	resources, err := c.discoverer.Run(ctx, discovery.Options{
		Snapshot:             snap,
		Rules:                rules,
		NetworkIdleTimeoutMS: int64(c.cfg.Discovery.NetworkIdleTimeoutMS),
		DisableCache:         c.cfg.Discovery.DisableAssetCache,
		RequestHeaders:       c.cfg.Discovery.RequestHeaders,
		PercyCSS:             percyCSS,
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.ObserveSnapshot("failed", time.Since(start))
		}
		c.publish(SnapshotEvent{SnapshotName: snap.Name, Status: "failed", Error: err.Error(), At: time.Now()})
		return nil, err
	}

	uploads := make([]interfaces.ResourceUpload, 0, len(resources))
	ids := make([]string, 0, len(resources))
	for _, r := range resources {
		uploads = append(uploads, interfaces.ResourceUpload{
			Sha: r.Sha, URL: r.URL, Mimetype: r.Mimetype, IsRoot: r.Root, Content: r.Content,
		})
		ids = append(ids, r.Sha)
		if c.metrics != nil {
			c.metrics.ObserveResource(r.Mimetype, len(r.Content))
		}
	}

	c.mu.Lock()
	buildID := c.buildID
	c.mu.Unlock()

	snapID, err := c.client.CreateSnapshot(ctx, buildID, snap.Name, snap.Widths, uploads)
	if err != nil {
		if c.metrics != nil {
			c.metrics.ObserveSnapshot("failed", time.Since(start))
		}
		c.publish(SnapshotEvent{SnapshotName: snap.Name, Status: "failed", Error: err.Error(), At: time.Now()})
		return nil, err
	}

	if c.ledger != nil {
		if err := c.ledger.RecordSnapshot(ctx, buildID, snapID, snap.Name, snap.Widths, len(resources)); err != nil {
			c.logger.Warn("failed to record snapshot in ledger", interfaces.Field{Key: "error", Value: err.Error()})
		}
	}

	if c.metrics != nil {
		c.metrics.ObserveSnapshot("success", time.Since(start))
	}
	c.publish(SnapshotEvent{SnapshotName: snap.Name, Status: "done", ResourceIDs: ids, At: time.Now()})

	return snapID, nil
}

// Idle awaits SnapshotQueue.Idle.
func (c *Core) Idle(ctx context.Context) error {
	c.mu.Lock()
	q := c.snapQueue
	c.mu.Unlock()
	if q == nil {
		return nil
	}
	return q.Idle(ctx)
}

// Stop drains the queue, finalises the build, and closes the browser. It is
// idempotent: a second call is a no-op.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped || c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	buildID := c.buildID
	c.mu.Unlock()

	if c.snapQueue != nil {
		if err := c.snapQueue.Stop(ctx, true); err != nil {
			c.logger.Warn("queue drain failed during stop", interfaces.Field{Key: "error", Value: err.Error()})
		}
	}

	if buildID != "" {
		if err := c.client.FinalizeBuild(ctx, buildID); err != nil {
			c.logger.Warn("build finalize failed", interfaces.Field{Key: "error", Value: err.Error()})
		} else if c.ledger != nil {
			if err := c.ledger.FinalizeBuild(ctx, buildID); err != nil {
				c.logger.Warn("failed to record build finalization in ledger", interfaces.Field{Key: "error", Value: err.Error()})
			}
		}
	}

	if err := c.browser.Close(ctx); err != nil {
		c.logger.Warn("browser close failed", interfaces.Field{Key: "error", Value: err.Error()})
	}

	if c.blobs != nil {
		if err := c.blobs.Close(); err != nil {
			c.logger.Warn("blobstore cleanup failed", interfaces.Field{Key: "error", Value: err.Error()})
		}
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()

	c.logger.Info("percy core stopped", interfaces.Field{Key: "build_id", Value: buildID})
	return nil
}

// LogLevel sets the shared logger's level, if it supports SetLevel.
func (c *Core) LogLevel(level string) {
	if setter, ok := c.logger.(interface{ SetLevel(string) }); ok {
		setter.SetLevel(level)
	}
}

// Events subscribes to snapshot lifecycle events, for the supplemental
// /percy/events websocket stream. Callers must call Unsubscribe when done.
func (c *Core) Events() chan SnapshotEvent {
	ch := make(chan SnapshotEvent, 16)
	c.subsMu.Lock()
	c.subs[ch] = struct{}{}
	c.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Events.
func (c *Core) Unsubscribe(ch chan SnapshotEvent) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, ok := c.subs[ch]; ok {
		delete(c.subs, ch)
		close(ch)
	}
}

func (c *Core) publish(ev SnapshotEvent) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default: // slow subscriber; drop rather than block discovery
		}
	}
}

// NewSnapshotID is a small helper for callers that need a client-visible
// correlation id before the remote API assigns one (e.g. logging).
func NewSnapshotID() string {
	return uuid.New().String()
}
