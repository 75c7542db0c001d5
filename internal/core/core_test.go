package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percy-io/percy-core/internal/blobstore"
	"github.com/percy-io/percy-core/internal/config"
	"github.com/percy-io/percy-core/internal/interfaces"
	"github.com/percy-io/percy-core/internal/model"
	"github.com/percy-io/percy-core/internal/testutil"
)

type fakeBrowser struct {
	launchErr error
}

func (b *fakeBrowser) Launch(ctx context.Context, opts interfaces.LaunchOptions) error { return b.launchErr }

func (b *fakeBrowser) Page(ctx context.Context, opts interfaces.PageOptions) (interfaces.Page, error) {
	return &fakePage{hooks: opts.Hooks}, nil
}

func (b *fakeBrowser) Close(ctx context.Context) error { return nil }

type fakePage struct {
	hooks interfaces.DiscovererHooks
}

func (p *fakePage) Goto(ctx context.Context, url string) error {
	decision := p.hooks.OnRequest(ctx, interfaces.InterceptedRequest{RequestID: "1", URL: url})
	if decision.Action != interfaces.ActionAbort {
		p.hooks.OnFinished(ctx, interfaces.FinishedRequest{RequestID: "1", URL: url})
	}
	return nil
}

func (p *fakePage) Evaluate(ctx context.Context, js string) (interface{}, error) { return nil, nil }

func (p *fakePage) FetchResponseBody(ctx context.Context, requestID string) ([]byte, string, error) {
	return []byte("<html></html>"), "text/html", nil
}

func (p *fakePage) Close(ctx context.Context) error { return nil }

func newTestCore(t *testing.T) *Core {
	t.Helper()
	cfg := config.Default()
	cfg.Token = "abc123"
	cfg.Snapshot.Widths = []int{375}

	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	return New(cfg, testutil.NewDummyLogger(), &fakeBrowser{}, &testutil.DummyBuildClient{}, nil, nil, blobs)
}

func TestStartTransitionsToRunningAndIsIdempotent(t *testing.T) {
	c := newTestCore(t)
	info, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRunning, c.State())
	assert.NotEmpty(t, info.ID)

	again, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, info.ID, again.ID)
}

func TestSnapshotRejectedBeforeStart(t *testing.T) {
	c := newTestCore(t)
	err := c.Snapshot(context.Background(), SnapshotRequest{
		Snapshot: &model.Snapshot{Name: "home", URL: "https://example.com/"},
	})
	var notRunning *model.NotRunningError
	require.ErrorAs(t, err, &notRunning)
}

func TestSnapshotConcurrentFalseBlocksUntilDone(t *testing.T) {
	c := newTestCore(t)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	err = c.Snapshot(context.Background(), SnapshotRequest{
		Snapshot:   &model.Snapshot{Name: "home", URL: "https://example.com/"},
		Concurrent: false,
	})
	require.NoError(t, err)
	require.NoError(t, c.Idle(context.Background()))
}

func TestStopIsIdempotent(t *testing.T) {
	c := newTestCore(t)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.State())
}

func TestStopBeforeStartIsNoOp(t *testing.T) {
	c := newTestCore(t)
	require.NoError(t, c.Stop(context.Background()))
}
