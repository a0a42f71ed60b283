package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueue_RunsOnAWorker(t *testing.T) {
	s := NewSupervisor(2, zerolog.Nop())
	defer s.Shutdown(context.Background())

	done := make(chan string, 1)
	err := s.Enqueue("test-job", func(ctx context.Context) error {
		done <- "ran"
		return nil
	})
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, "ran", got)
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestEnqueue_RefusedAfterShutdown(t *testing.T) {
	s := NewSupervisor(1, zerolog.Nop())
	require.NoError(t, s.Shutdown(context.Background()))

	err := s.Enqueue("late-job", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestEvery_TicksUntilShutdown(t *testing.T) {
	s := NewSupervisor(1, zerolog.Nop())

	var mu sync.Mutex
	runs := 0
	s.Every("ticker-job", 10*time.Millisecond, func(ctx context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	})

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Shutdown(context.Background()))

	mu.Lock()
	got := runs
	mu.Unlock()
	assert.Greater(t, got, 2)
}

func TestRun_JobErrorDoesNotKillTheWorker(t *testing.T) {
	s := NewSupervisor(1, zerolog.Nop())
	defer s.Shutdown(context.Background())

	done := make(chan struct{}, 1)
	require.NoError(t, s.Enqueue("bad-job", func(ctx context.Context) error {
		return errors.New("boom")
	}))
	require.NoError(t, s.Enqueue("good-job", func(ctx context.Context) error {
		done <- struct{}{}
		return nil
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after a failed job")
	}
}

func TestRun_PanicIsContained(t *testing.T) {
	s := NewSupervisor(1, zerolog.Nop())
	defer s.Shutdown(context.Background())

	done := make(chan struct{}, 1)
	require.NoError(t, s.Enqueue("panic-job", func(ctx context.Context) error {
		panic("unexpected")
	}))
	require.NoError(t, s.Enqueue("after-panic", func(ctx context.Context) error {
		done <- struct{}{}
		return nil
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after a panicking job")
	}
}

func TestShutdown_BoundedByContext(t *testing.T) {
	s := NewSupervisor(1, zerolog.Nop())

	blocked := make(chan struct{})
	require.NoError(t, s.Enqueue("stuck-job", func(ctx context.Context) error {
		<-blocked
		return nil
	}))
	// Give the worker time to pick the job up.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx)
	assert.Error(t, err)

	close(blocked)
}

func TestNextDaily(t *testing.T) {
	// Before the hour: same day.
	now := time.Date(2026, 8, 15, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 15, 3, 0, 0, 0, time.UTC), nextDaily(now, 3))

	// At or past the hour: next day.
	now = time.Date(2026, 8, 15, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 16, 3, 0, 0, 0, time.UTC), nextDaily(now, 3))

	now = time.Date(2026, 8, 15, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 16, 3, 0, 0, 0, time.UTC), nextDaily(now, 3))

	// Month boundary.
	now = time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC), nextDaily(now, 3))
}
