// Package schedule runs the engine's periodic jobs.
//
// The Supervisor is the single owner of every job goroutine and the fan-out
// worker pool. It is constructed once at process start, jobs register with
// a cadence, and one Shutdown call cancels and awaits everything; no
// module-level running flags, no ambient closeables.
//
// Delivery is at-least-once: a job that overlaps its own previous
// invocation, or gets re-run after a crash, must already be idempotent.
// Every job in this engine is, because all writes flow through the ledger's
// idempotency keys.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tollgate-dev/tollgate/internal/metrics"
)

// JobFunc is one job invocation. A returned error marks the run failed and
// is logged; retry/backoff is the cadence's concern (the next tick).
type JobFunc = func(ctx context.Context) error

type task struct {
	name string
	fn   JobFunc
}

// Supervisor owns all job goroutines and the fan-out queue.
type Supervisor struct {
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	queue  chan task
}

// NewSupervisor creates a Supervisor with the given number of fan-out
// workers. Workers start immediately; periodic jobs start as they register.
func NewSupervisor(workers int, logger zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		log:    logger.With().Str("component", "supervisor").Logger(),
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan task, 1024),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	return s
}

// Every registers a job on a fixed interval.
func (s *Supervisor) Every(name string, interval time.Duration, fn JobFunc) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.log.Info().Str("job", name).Dur("interval", interval).Msg("periodic job registered")
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.run(name, fn)
			}
		}
	}()
}

// Daily registers a job at a fixed UTC hour.
func (s *Supervisor) Daily(name string, hourUTC int, fn JobFunc) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.log.Info().Str("job", name).Int("hour_utc", hourUTC).Msg("daily job registered")
		for {
			timer := time.NewTimer(time.Until(nextDaily(time.Now().UTC(), hourUTC)))
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.run(name, fn)
			}
		}
	}()
}

// Enqueue hands a one-shot job to the worker pool. It never blocks: when
// the queue is full the job is refused and the caller's next dispatch picks
// the work up again.
func (s *Supervisor) Enqueue(name string, fn JobFunc) error {
	if s.ctx.Err() != nil {
		return fmt.Errorf("supervisor is shut down")
	}
	select {
	case s.queue <- task{name: name, fn: fn}:
		return nil
	default:
		return fmt.Errorf("job queue full, refusing %s", name)
	}
}

// Shutdown cancels every job and waits for all owned goroutines, bounded by
// ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("supervisor shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor shutdown timed out: %w", ctx.Err())
	}
}

func (s *Supervisor) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.queue:
			s.run(t.name, t.fn)
		}
	}
}

// run executes one invocation with panic isolation and outcome metrics.
func (s *Supervisor) run(name string, fn JobFunc) {
	start := time.Now()
	status := "ok"

	defer func() {
		if p := recover(); p != nil {
			status = "panic"
			s.log.Error().Interface("panic", p).Str("job", name).Msg("job panicked")
		}
		metrics.JobRuns.WithLabelValues(name, status).Inc()
		metrics.JobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	if err := fn(s.ctx); err != nil {
		status = "error"
		s.log.Error().Err(err).Str("job", name).Dur("duration", time.Since(start)).Msg("job failed")
		return
	}
	s.log.Debug().Str("job", name).Dur("duration", time.Since(start)).Msg("job completed")
}

// nextDaily returns the next occurrence of hourUTC strictly after now.
func nextDaily(now time.Time, hourUTC int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
