package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/careorders/internal/domain/task"
)

func TestDaily_Next(t *testing.T) {
	loc := time.FixedZone("ward", 8*60*60)
	d := DailyAt(loc, 23*time.Hour+30*time.Minute, 7*time.Hour+30*time.Minute, 15*time.Hour+30*time.Minute)

	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 3, 2, 6, 0, 0, 0, loc), time.Date(2026, 3, 2, 7, 30, 0, 0, loc)},
		{time.Date(2026, 3, 2, 7, 30, 0, 0, loc), time.Date(2026, 3, 2, 15, 30, 0, 0, loc)},
		{time.Date(2026, 3, 2, 16, 0, 0, 0, loc), time.Date(2026, 3, 2, 23, 30, 0, 0, loc)},
		{time.Date(2026, 3, 2, 23, 45, 0, 0, loc), time.Date(2026, 3, 3, 7, 30, 0, 0, loc)},
		{time.Date(2026, 3, 31, 23, 45, 0, 0, loc), time.Date(2026, 4, 1, 7, 30, 0, 0, loc)},
	}
	for _, tt := range tests {
		if got := d.Next(tt.now); !got.Equal(tt.want) {
			t.Errorf("Next(%s) = %s, want %s", tt.now, got, tt.want)
		}
	}
}

func TestDaily_NextAcrossZones(t *testing.T) {
	d := DailyAt(time.FixedZone("ward", -5*60*60), 5*time.Minute)
	now := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC) // 23:00 the previous evening on the ward
	want := time.Date(2026, 3, 2, 5, 5, 0, 0, time.UTC)
	if got := d.Next(now); !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestEvery_Next(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if got := Every(time.Minute).Next(now); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("unexpected next %s", got)
	}
}

func TestLoop_RunsUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLoop("test", Every(5*time.Millisecond), func(context.Context) error {
		if runs.Add(1) == 3 {
			cancel()
		}
		return nil
	}, time.Minute, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	if got := runs.Load(); got != 3 {
		t.Errorf("expected 3 runs, got %d", got)
	}
}

func TestLoop_JobSeesLiveContextDuringShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var jobErr error
	l := NewLoop("test", Every(time.Millisecond), func(jobCtx context.Context) error {
		cancel()
		jobErr = jobCtx.Err()
		return nil
	}, time.Minute, zerolog.Nop())

	if err := l.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobErr != nil {
		t.Errorf("expected the running job to keep its context, got %v", jobErr)
	}
}

func TestLoop_RetriesAfterBackoff(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLoop("test", Every(time.Hour), func(context.Context) error {
		switch runs.Add(1) {
		case 1:
			return errors.New("database unavailable")
		case 2:
			panic("boom")
		default:
			cancel()
			return nil
		}
	}, 5*time.Millisecond, zerolog.Nop())
	// Fire the first run immediately instead of waiting an hour.
	first := true
	l.schedule = scheduleFunc(func(t time.Time) time.Time {
		if first {
			first = false
			return t
		}
		return t.Add(time.Hour)
	})

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not retry")
	}
	if got := runs.Load(); got != 3 {
		t.Errorf("expected 2 failures then a success, got %d runs", got)
	}
}

type scheduleFunc func(time.Time) time.Time

func (f scheduleFunc) Next(t time.Time) time.Time { return f(t) }

func TestRunner_StopsAllLoops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	seen := map[string]bool{}
	mark := func(name string) Job {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			seen[name] = true
			if len(seen) == 2 {
				cancel()
			}
			return nil
		}
	}
	r := NewRunner(zerolog.Nop(),
		NewLoop("a", Every(time.Millisecond), mark("a"), time.Minute, zerolog.Nop()),
		NewLoop("b", Every(time.Millisecond), mark("b"), time.Minute, zerolog.Nop()),
	)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

type fakeTasks struct {
	from, to time.Time
	grace    time.Duration
	daily    int
	err      error
}

func (f *fakeTasks) RegenerateDue(context.Context) (task.DailyReport, error) {
	f.daily++
	return task.DailyReport{}, f.err
}

func (f *fakeTasks) ReassignNurses(_ context.Context, from, to time.Time) (int, error) {
	f.from, f.to = from, to
	return 0, f.err
}

func (f *fakeTasks) RemindOverdue(_ context.Context, grace time.Duration, _ int) (int, error) {
	f.grace = grace
	return 1, f.err
}

func TestJobs(t *testing.T) {
	f := &fakeTasks{}
	now := time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)
	shifts := DailyAt(time.UTC, 7*time.Hour+30*time.Minute, 15*time.Hour+30*time.Minute)

	if err := ShiftHandover(f, shifts, func() time.Time { return now })(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.from.Equal(now) || !f.to.Equal(now.Add(8*time.Hour)) {
		t.Errorf("expected the 07:30-15:30 window, got %s-%s", f.from, f.to)
	}

	if err := OverdueReminders(f, 15*time.Minute, 50, zerolog.Nop())(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.grace != 15*time.Minute {
		t.Errorf("expected grace passed through, got %s", f.grace)
	}

	f.err = errors.New("boom")
	if err := DailyGeneration(f)(context.Background()); err == nil || f.daily != 1 {
		t.Errorf("expected the daily error surfaced, got %v after %d runs", err, f.daily)
	}
}
