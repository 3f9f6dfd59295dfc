// Package schedule drives the service's periodic jobs: reconciliation drain,
// hold and approval expiry, and the daily spending-window reset.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MisfireGrace is how late a tick may fire before it is skipped instead of
// run.
const MisfireGrace = 5 * time.Minute

// Job is one scheduled task. A returned error terminates the job's loop.
type Job func(ctx context.Context) error

type task struct {
	name string
	run  Job
	busy atomic.Bool
}

// Scheduler runs registered jobs on interval and daily-at cadences. Each job
// runs at most one instance at a time; an overlapping tick is skipped.
type Scheduler struct {
	logger *slog.Logger
	clock  func() time.Time

	mu    sync.Mutex
	wg    sync.WaitGroup
	names map[string]struct{}
	loops []func(ctx context.Context)
}

// New constructs an idle scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		clock:  time.Now,
		names:  make(map[string]struct{}),
	}
}

// SetClock overrides the time source for deterministic tests.
func (s *Scheduler) SetClock(clock func() time.Time) {
	if s == nil || clock == nil {
		return
	}
	s.clock = clock
}

func (s *Scheduler) register(name string) (*task, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("schedule: job name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.names[name]; exists {
		return nil, fmt.Errorf("schedule: duplicate job %q", name)
	}
	s.names[name] = struct{}{}
	return &task{name: name}, nil
}

// Interval registers fn to run every interval, starting one interval after
// Start.
func (s *Scheduler) Interval(name string, every time.Duration, fn Job) error {
	if every <= 0 {
		return fmt.Errorf("schedule: interval must be positive")
	}
	t, err := s.register(name)
	if err != nil {
		return err
	}
	t.run = fn
	s.mu.Lock()
	s.loops = append(s.loops, func(ctx context.Context) {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case fired := <-ticker.C:
				if !s.execute(ctx, t, fired) {
					return
				}
			}
		}
	})
	s.mu.Unlock()
	return nil
}

// DailyAt registers fn to run every day at hour:minute UTC.
func (s *Scheduler) DailyAt(name string, hour, minute int, fn Job) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("schedule: invalid time %02d:%02d", hour, minute)
	}
	t, err := s.register(name)
	if err != nil {
		return err
	}
	t.run = fn
	s.mu.Lock()
	s.loops = append(s.loops, func(ctx context.Context) {
		for {
			now := s.clock().UTC()
			next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
			if !next.After(now) {
				next = next.Add(24 * time.Hour)
			}
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				if !s.execute(ctx, t, next) {
					return
				}
			}
		}
	})
	s.mu.Unlock()
	return nil
}

// execute runs one tick. It returns false when the job's loop must stop.
func (s *Scheduler) execute(ctx context.Context, t *task, scheduled time.Time) bool {
	now := s.clock().UTC()
	if lateness := now.Sub(scheduled.UTC()); lateness > MisfireGrace {
		s.logger.Warn("scheduled tick misfired; skipping",
			slog.String("job", t.name),
			slog.Duration("late_by", lateness))
		return true
	}
	if !t.busy.CompareAndSwap(false, true) {
		s.logger.Warn("previous run still active; skipping tick", slog.String("job", t.name))
		return true
	}
	defer t.busy.Store(false)

	if err := t.run(ctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.logger.Error("scheduled job failed; terminating its loop",
			slog.String("job", t.name), slog.Any("error", err))
		return false
	}
	return true
}

// Start launches every registered loop and blocks until ctx is cancelled and
// all loops have drained.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	loops := make([]func(ctx context.Context), len(s.loops))
	copy(loops, s.loops)
	s.mu.Unlock()

	for _, loop := range loops {
		loop := loop
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			loop(ctx)
		}()
	}
	<-ctx.Done()
	s.wg.Wait()
}
