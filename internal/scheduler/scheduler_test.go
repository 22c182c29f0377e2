package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoller_RunsPeriodically(t *testing.T) {
	t.Parallel()

	var runs int32
	p := NewPoller("test", 5*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
	})

	p.Start(context.Background())
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, time.Millisecond)
	assert.True(t, p.Running())
}

func TestPoller_StopWaitsAndIsIdempotent(t *testing.T) {
	t.Parallel()

	var runs int32
	p := NewPoller("test", 2*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
	})

	p.Start(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 1 }, time.Second, time.Millisecond)

	p.Stop()
	p.Stop()
	assert.False(t, p.Running())

	after := atomic.LoadInt32(&runs)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&runs), "no runs after Stop")
}

func TestPoller_StopsWithParentContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var canceled int32
	p := NewPoller("test", time.Millisecond, func(taskCtx context.Context) {
		<-taskCtx.Done()
		atomic.StoreInt32(&canceled, 1)
	})

	p.Start(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&canceled) == 1 }, time.Second, time.Millisecond)
	p.Stop()
}

func TestPoller_Reset(t *testing.T) {
	t.Parallel()

	var runs int32
	p := NewPoller("test", time.Hour, func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
	})
	p.Start(context.Background())
	defer p.Stop()

	p.Reset(5 * time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, p.Interval())

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, time.Second, time.Millisecond)

	p.Reset(0)
	assert.Equal(t, 5*time.Millisecond, p.Interval(), "non-positive interval ignored")
}
