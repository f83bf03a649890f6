package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestJobRunsPeriodically(t *testing.T) {
	s := New(zerolog.Nop())
	defer s.Stop()

	var runs atomic.Int32
	s.Every(10*time.Millisecond, "tick", func(ctx context.Context) {
		runs.Add(1)
	})
	s.Start()

	require.Eventually(t, func() bool {
		return runs.Load() >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestOverlappingRunsAreSuppressed(t *testing.T) {
	s := New(zerolog.Nop())

	var active atomic.Int32
	var maxActive atomic.Int32
	release := make(chan struct{})

	s.Every(5*time.Millisecond, "slow", func(ctx context.Context) {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		active.Add(-1)
	})
	s.Start()

	// Let several ticks fire while the first run blocks.
	time.Sleep(50 * time.Millisecond)
	close(release)
	s.Stop()

	require.Equal(t, int32(1), maxActive.Load())
}

func TestJobRegisteredAfterStartRuns(t *testing.T) {
	s := New(zerolog.Nop())
	defer s.Stop()
	s.Start()

	var runs atomic.Int32
	s.Every(10*time.Millisecond, "late", func(ctx context.Context) {
		runs.Add(1)
	})

	require.Eventually(t, func() bool {
		return runs.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestPanicDoesNotKillJob(t *testing.T) {
	s := New(zerolog.Nop())
	defer s.Stop()

	var runs atomic.Int32
	s.Every(10*time.Millisecond, "flaky", func(ctx context.Context) {
		if runs.Add(1) == 1 {
			panic("first run exploded")
		}
	})
	s.Start()

	require.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestStopWaitsForInFlightRun(t *testing.T) {
	s := New(zerolog.Nop())

	started := make(chan struct{})
	var once sync.Once
	var finished atomic.Bool
	s.Every(5*time.Millisecond, "draining", func(ctx context.Context) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
	})
	s.Start()

	<-started
	s.Stop()
	require.True(t, finished.Load())
}
