// Package schedule runs the refresh pipeline on a weekly timetable.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Weekly fires once a week at a wall-clock time.
type Weekly struct {
	Weekday  time.Weekday
	Hour     int
	Minute   int
	Location *time.Location // nil uses the location of the reference time
}

// NextRun returns the first firing strictly after now.
func (w Weekly) NextRun(now time.Time) time.Time {
	loc := w.Location
	if loc == nil {
		loc = now.Location()
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), w.Hour, w.Minute, 0, 0, loc)
	next = next.AddDate(0, 0, (int(w.Weekday)-int(next.Weekday())+7)%7)
	if !next.After(local) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// Job is the scheduled work. Its error is logged; the schedule continues.
type Job func(ctx context.Context) error

// Status is a snapshot of the scheduler state.
type Status struct {
	LastRun time.Time
	NextRun time.Time
	LastErr error
	Runs    int
}

type Config struct {
	Schedule Weekly
	Job      Job
	Tick     time.Duration // how often the clock is checked, default 30s
	Now      func() time.Time
	Logger   *slog.Logger
}

type Scheduler struct {
	cfg      Config
	mu       sync.RWMutex
	status   Status
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, stopCh: make(chan struct{})}
}

// Start blocks until ctx is done or Stop is called. Runs never overlap: the
// job executes on the scheduler goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	next := s.cfg.Schedule.NextRun(s.cfg.Now())
	s.setNext(next)
	s.cfg.Logger.Info("scheduler started", "next_run", next.Format(time.RFC3339))

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cfg.Logger.Info("scheduler stopping")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := s.cfg.Now()
			if now.Before(next) {
				continue
			}
			s.RunNow(ctx)
			next = s.cfg.Schedule.NextRun(now)
			s.setNext(next)
			s.cfg.Logger.Info("next scheduled run", "next_run", next.Format(time.RFC3339))
		}
	}
}

// RunNow executes the job immediately and records the outcome.
func (s *Scheduler) RunNow(ctx context.Context) error {
	started := s.cfg.Now()
	s.cfg.Logger.Info("scheduled run starting")
	err := s.cfg.Job(ctx)
	if err != nil {
		s.cfg.Logger.Error("scheduled run failed", "err", err)
	} else {
		s.cfg.Logger.Info("scheduled run finished", "duration", s.cfg.Now().Sub(started))
	}

	s.mu.Lock()
	s.status.LastRun = started
	s.status.LastErr = err
	s.status.Runs++
	s.mu.Unlock()
	return err
}

// Stop halts the scheduler. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.status.NextRun = t
	s.mu.Unlock()
}
