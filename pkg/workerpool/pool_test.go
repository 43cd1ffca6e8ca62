package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsEveryTask(t *testing.T) {
	var sum atomic.Int64
	p, err := New(Config{Workers: 4, QueueSize: 2}, func(_ context.Context, n int) error {
		sum.Add(int64(n))
		return nil
	}, nil)
	require.NoError(t, err)
	p.Start()

	for i := 1; i <= 100; i++ {
		require.NoError(t, p.Submit(context.Background(), "t", i))
	}
	require.NoError(t, p.Stop())

	assert.Equal(t, int64(5050), sum.Load())
	stats := p.Stats()
	assert.Equal(t, int64(100), stats.Submitted)
	assert.Equal(t, int64(100), stats.Completed)
	assert.Zero(t, stats.Failed)
}

func TestPool_RetriesThenReportsFailure(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	p, err := New(Config{Workers: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, func(context.Context, string) error {
		calls.Add(1)
		return boom
	}, nil)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		failed []string
	)
	p.OnFailure(func(id string, _ string, err error) {
		mu.Lock()
		defer mu.Unlock()
		assert.ErrorIs(t, err, boom)
		failed = append(failed, id)
	})
	p.Start()

	require.NoError(t, p.Submit(context.Background(), "order-1", "payload"))
	require.NoError(t, p.Stop())

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []string{"order-1"}, failed)
	assert.Equal(t, int64(2), p.Stats().Retried)
}

func TestPool_RecoversOnRetry(t *testing.T) {
	var calls atomic.Int32
	p, err := New(Config{Workers: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, func(context.Context, int) error {
		if calls.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	}, nil)
	require.NoError(t, err)
	p.Start()

	require.NoError(t, p.Submit(context.Background(), "t", 1))
	require.NoError(t, p.Stop())

	assert.Equal(t, int64(1), p.Stats().Completed)
	assert.Zero(t, p.Stats().Failed)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p, err := New(Config{Workers: 1}, func(context.Context, int) error { return nil }, nil)
	require.NoError(t, err)
	p.Start()
	require.NoError(t, p.Stop())

	assert.ErrorIs(t, p.Submit(context.Background(), "t", 1), ErrStopped)
}

func TestPool_SubmitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	p, err := New(Config{Workers: 1, QueueSize: 1}, func(context.Context, int) error {
		<-release
		return nil
	}, nil)
	require.NoError(t, err)
	p.Start()

	// One task occupies the worker, one fills the queue.
	require.NoError(t, p.Submit(context.Background(), "a", 1))
	require.Eventually(t, func() bool { return len(p.tasks) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(context.Background(), "b", 2))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, "c", 3), context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Stop())
}

func TestNew_RequiresHandler(t *testing.T) {
	_, err := New[int](DefaultConfig(), nil, nil)
	assert.Error(t, err)
}
