package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// OnDrop is called for each timer fire skipped because a tick was still running.
	OnDrop func()
}

// Scheduler fires a tick function on a fixed interval with at most one tick
// in flight. Fires that land while a tick runs are dropped, not queued.
type Scheduler struct {
	opts    Options
	logger  zerolog.Logger
	running atomic.Bool
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, firing tick every interval until ctx is cancelled. On return
// no tick is running: an in-flight tick sees the cancelled context and Run
// waits for it.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	defer s.wg.Wait()

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Uint64("dropped_ticks", s.dropped.Load()).Msg("scheduler stopping")
			return ctx.Err()
		case <-timer.C:
		}

		s.fire(ctx, tick, s.bucketStart(next))
		next = next.Add(s.opts.Interval)
	}
}

// Dropped reports how many fires were skipped so far.
func (s *Scheduler) Dropped() uint64 { return s.dropped.Load() }

func (s *Scheduler) fire(ctx context.Context, tick TickFunc, at time.Time) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.dropped.Add(1)
		if s.opts.OnDrop != nil {
			s.opts.OnDrop()
		}
		s.logger.Debug().Time("at", at).Msg("previous tick still running, dropping fire")
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		if err := s.safeTick(ctx, tick, at); err != nil {
			s.logger.Error().Err(err).Time("at", at).Msg("tick execution failed")
		}
	}()
	return true
}

func (s *Scheduler) safeTick(ctx context.Context, tick TickFunc, at time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	return tick(ctx, at)
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
