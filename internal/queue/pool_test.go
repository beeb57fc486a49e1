package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsDispatchedJobs(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	pool := NewPool(func(_ context.Context, p GeneratePayload) error {
		mu.Lock()
		defer mu.Unlock()
		seen[p.JobID] = true
		if p.JobID == "job-3" {
			return errors.New("handler failure is logged, not fatal")
		}
		return nil
	}, zerolog.Nop(), WithWorkers(2))

	for _, id := range []string{"job-1", "job-2", "job-3", "job-4"} {
		require.NoError(t, pool.Dispatch(context.Background(), GeneratePayload{JobID: id}))
	}
	require.NoError(t, pool.Shutdown(context.Background()))

	require.Len(t, seen, 4)
	require.ErrorIs(t, pool.Dispatch(context.Background(), GeneratePayload{JobID: "late"}), ErrPoolClosed)
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPoolDispatchDoesNotBlockWhenFull(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	pool := NewPool(func(context.Context, GeneratePayload) error {
		started.Add(1)
		<-release
		return nil
	}, zerolog.Nop(), WithWorkers(1), WithQueueSize(1))

	require.NoError(t, pool.Dispatch(context.Background(), GeneratePayload{JobID: "running"}))
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Dispatch(context.Background(), GeneratePayload{JobID: "queued"}))
	require.ErrorIs(t, pool.Dispatch(context.Background(), GeneratePayload{JobID: "overflow"}), ErrPoolFull)

	close(release)
	require.NoError(t, pool.Shutdown(context.Background()))
	require.Equal(t, int32(2), started.Load())
}

func TestPoolShutdownHonoursContext(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(func(context.Context, GeneratePayload) error {
		<-release
		return nil
	}, zerolog.Nop(), WithWorkers(1))
	require.NoError(t, pool.Dispatch(context.Background(), GeneratePayload{JobID: "slow"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, pool.Shutdown(ctx), context.DeadlineExceeded)
	close(release)
}

func TestPoolAppliesJobTimeout(t *testing.T) {
	done := make(chan error, 1)
	pool := NewPool(func(ctx context.Context, _ GeneratePayload) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	}, zerolog.Nop(), WithWorkers(1), WithJobTimeout(10*time.Millisecond))

	require.NoError(t, pool.Dispatch(context.Background(), GeneratePayload{JobID: "timeout"}))
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("job timeout was not applied")
	}
	require.NoError(t, pool.Shutdown(context.Background()))
}
