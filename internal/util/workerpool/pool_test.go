package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/bboxkv/internal/metrics"
)

func noop(context.Context) error { return nil }

func TestGoReturnsTaskResult(t *testing.T) {
	m := metrics.NewMetrics("n1", prometheus.NewRegistry())
	p := NewWorkerPool(&Config{Name: "flush", MaxWorkers: 2, Metrics: m})
	defer p.Stop(time.Second)

	boom := errors.New("boom")
	assert.NoError(t, <-p.Go(context.Background(), "ok", noop))
	assert.ErrorIs(t, <-p.Go(context.Background(), "fail", func(context.Context) error { return boom }), boom)

	err := <-p.Go(context.Background(), "panic", func(context.Context) error { panic("bad") })
	assert.ErrorContains(t, err, "panicked")

	assert.Eventually(t, func() bool {
		s := p.Stats()
		return s.Completed == 1 && s.Failed == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackgroundTasksTotal.WithLabelValues("flush", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BackgroundTasksTotal.WithLabelValues("flush", "error")))
}

func TestGoKeepsRunningAfterCallerCancels(t *testing.T) {
	p := NewWorkerPool(&Config{Name: "flush", MaxWorkers: 1})
	defer p.Stop(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	done := p.Go(ctx, "flush", func(ctx context.Context) error {
		<-release
		return ctx.Err()
	})
	cancel()
	close(release)
	assert.NoError(t, <-done)
}

func TestSubmitRejectsWhenFull(t *testing.T) {
	p := NewWorkerPool(&Config{Name: "flush", MaxWorkers: 1, QueueSize: 1})
	defer p.Stop(time.Second)

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit("blocker", func(context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started
	require.NoError(t, p.Submit("queued", noop))

	assert.ErrorIs(t, p.Submit("overflow", noop), ErrQueueFull)
	assert.Equal(t, uint64(1), p.Stats().Rejected)
	close(block)
}

func TestStopDrainsQueueAndRejectsNewWork(t *testing.T) {
	p := NewWorkerPool(&Config{Name: "flush", MaxWorkers: 1, QueueSize: 10})

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit("t", func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, int32(5), ran.Load())

	assert.ErrorIs(t, p.Submit("late", noop), ErrStopped)
	assert.ErrorIs(t, <-p.Go(context.Background(), "late", noop), ErrStopped)
}

func TestSchedulerNeverDropsWork(t *testing.T) {
	p := NewWorkerPool(&Config{Name: "flush", MaxWorkers: 1, QueueSize: 1})
	require.NoError(t, p.Stop(time.Second))

	done := make(chan struct{})
	p.Scheduler()(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled work did not run")
	}
}
