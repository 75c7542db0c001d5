// Package testutil provides shared test doubles for use across package
// tests. Dummies implement the corresponding interfaces from the
// production code, allowing injection into components under test without
// real I/O or side effects.
package testutil

import (
	"context"
	"sync"

	"github.com/percy-io/percy-core/internal/interfaces"
)

// ─── Logger ────────────────────────────────────────────────────────────

// DummyLogger implements interfaces.Logger, recording every message in
// memory so tests can assert on what was logged instead of scraping stdout.
type DummyLogger struct {
	mu     sync.Mutex
	Errors []string
	Infos  []string
	Debugs []string
	Warns  []string
}

func NewDummyLogger() *DummyLogger { return &DummyLogger{} }

func (l *DummyLogger) Debug(msg string, _ ...interfaces.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Debugs = append(l.Debugs, msg)
}

func (l *DummyLogger) Info(msg string, _ ...interfaces.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Infos = append(l.Infos, msg)
}

func (l *DummyLogger) Warn(msg string, _ ...interfaces.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warns = append(l.Warns, msg)
}

func (l *DummyLogger) Error(msg string, _ ...interfaces.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, msg)
}

func (l *DummyLogger) With(_ ...interfaces.Field) interfaces.Logger { return l }

func (l *DummyLogger) HasDebug(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return contains(l.Debugs, msg)
}

func (l *DummyLogger) HasInfo(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return contains(l.Infos, msg)
}

func contains(hay []string, needle string) bool {
	for _, h := range hay {
		if h == needle {
			return true
		}
	}
	return false
}

// ─── BuildClient ───────────────────────────────────────────────────────

// DummyBuildClient implements interfaces.BuildClient in memory, recording
// every call so tests can assert on upload ordering and payload shape.
type DummyBuildClient struct {
	mu        sync.Mutex
	Snapshots []DummySnapshotCall
	Finalized bool
	CreateErr error
	SnapErr   error
}

type DummySnapshotCall struct {
	BuildID   string
	Name      string
	Widths    []int
	Resources []interfaces.ResourceUpload
}

func (c *DummyBuildClient) CreateBuild(ctx context.Context) (*interfaces.BuildInfo, error) {
	if c.CreateErr != nil {
		return nil, c.CreateErr
	}
	return &interfaces.BuildInfo{ID: "build-1", Number: 1, URL: "https://percy.example/builds/1"}, nil
}

func (c *DummyBuildClient) CreateSnapshot(ctx context.Context, buildID, name string, widths []int, resources []interfaces.ResourceUpload) (string, error) {
	if c.SnapErr != nil {
		return "", c.SnapErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Snapshots = append(c.Snapshots, DummySnapshotCall{BuildID: buildID, Name: name, Widths: widths, Resources: resources})
	return "snapshot-" + name, nil
}

func (c *DummyBuildClient) FinalizeBuild(ctx context.Context, buildID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Finalized = true
	return nil
}

func (c *DummyBuildClient) Calls() []DummySnapshotCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DummySnapshotCall, len(c.Snapshots))
	copy(out, c.Snapshots)
	return out
}
