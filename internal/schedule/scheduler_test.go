package schedule

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var mondayNine = Weekly{Weekday: time.Monday, Hour: 9, Minute: 0, Location: time.UTC}

// --- NextRun ---

func TestWeeklyNextRun(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"sunday", time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC), time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)},
		{"monday before", time.Date(2025, 3, 3, 8, 59, 0, 0, time.UTC), time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)},
		{"monday exactly", time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC), time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)},
		{"monday after", time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC), time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)},
		{"wednesday", time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)},
		{"year end", time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mondayNine.NextRun(tt.now))
		})
	}
}

func TestWeeklyNextRun_UsesReferenceLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	w := Weekly{Weekday: time.Monday, Hour: 9}

	got := w.NextRun(time.Date(2025, 3, 3, 8, 0, 0, 0, loc))

	assert.Equal(t, time.Date(2025, 3, 3, 9, 0, 0, 0, loc), got)
}

// --- Scheduler ---

type fakeClock struct{ now atomic.Pointer[time.Time] }

func (c *fakeClock) Now() time.Time  { return *c.now.Load() }
func (c *fakeClock) Set(t time.Time) { c.now.Store(&t) }

func TestScheduler_FiresWhenDue(t *testing.T) {
	clock := &fakeClock{}
	clock.Set(time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC))
	ran := make(chan struct{}, 1)

	s := New(Config{
		Schedule: mondayNine,
		Tick:     5 * time.Millisecond,
		Now:      clock.Now,
		Logger:   testLogger(),
		Job: func(context.Context) error {
			ran <- struct{}{}
			return nil
		},
	})
	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return !s.Status().NextRun.IsZero() }, time.Second, time.Millisecond)
	select {
	case <-ran:
		t.Fatal("job ran before it was due")
	case <-time.After(30 * time.Millisecond):
	}

	clock.Set(time.Date(2025, 3, 3, 9, 0, 1, 0, time.UTC))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run when due")
	}

	require.Eventually(t, func() bool {
		return s.Status().NextRun.Equal(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	}, time.Second, time.Millisecond)

	s.Stop()
	s.Stop()
	<-done
	assert.Equal(t, 1, s.Status().Runs)
}

func TestScheduler_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(Config{Schedule: mondayNine, Tick: time.Millisecond, Logger: testLogger(), Job: func(context.Context) error { return nil }})
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}

func TestRunNow_RecordsError(t *testing.T) {
	boom := errors.New("fetch failed")
	s := New(Config{Schedule: mondayNine, Logger: testLogger(), Job: func(context.Context) error { return boom }})

	err := s.RunNow(context.Background())

	assert.ErrorIs(t, err, boom)
	st := s.Status()
	assert.ErrorIs(t, st.LastErr, boom)
	assert.Equal(t, 1, st.Runs)
	assert.False(t, st.LastRun.IsZero())
}
