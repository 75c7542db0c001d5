package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percy-io/percy-core/internal/testutil"
)

func TestPushRunsJobAndDeliversResult(t *testing.T) {
	q := New(2, testutil.NewDummyLogger())
	out, err := q.Push(func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)

	res := <-out
	assert.NoError(t, res.Err)
	assert.Equal(t, 42, res.Value)
}

func TestConcurrencyIsBounded(t *testing.T) {
	q := New(2, testutil.NewDummyLogger())

	var running int32
	var maxObserved int32
	release := make(chan struct{})

	for i := 0; i < 5; i++ {
		_, err := q.Push(func(ctx context.Context) (interface{}, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxObserved)
				if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
			return nil, nil
		})
		require.NoError(t, err)
	}

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxObserved), int32(2))
	close(release)

	require.NoError(t, q.Idle(context.Background()))
}

func TestIdleReturnsWhenEmpty(t *testing.T) {
	q := New(1, testutil.NewDummyLogger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, q.Idle(ctx))
}

func TestStopDrainWaitsForInFlightJobs(t *testing.T) {
	q := New(1, testutil.NewDummyLogger())
	started := make(chan struct{})
	finished := make(chan struct{})

	_, err := q.Push(func(ctx context.Context) (interface{}, error) {
		close(started)
		time.Sleep(20 * time.Millisecond)
		close(finished)
		return nil, nil
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, q.Stop(context.Background(), true))
	select {
	case <-finished:
	default:
		t.Fatal("expected job to finish before Stop(drain=true) returned")
	}
}

func TestStopRejectsFurtherPushes(t *testing.T) {
	q := New(1, testutil.NewDummyLogger())
	require.NoError(t, q.Stop(context.Background(), true))

	_, err := q.Push(func(ctx context.Context) (interface{}, error) { return nil, nil })
	assert.Error(t, err)
}

func TestStopWithoutDrainCancelsBaseContext(t *testing.T) {
	q := New(1, testutil.NewDummyLogger())
	canceled := make(chan struct{})

	_, err := q.Push(func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		close(canceled)
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	require.NoError(t, q.Stop(context.Background(), false))
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("expected job's context to be canceled by Stop(drain=false)")
	}
}
