// Package worker runs the scheduler's background loops: daily task
// generation, shift handover and overdue reminders.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/careorders/internal/platform/metrics"
)

// Job is one iteration of a loop.
type Job func(ctx context.Context) error

// Loop runs a job on a schedule. After each run the next fire instant is
// computed from the schedule; a failed run is retried after Backoff.
type Loop struct {
	name     string
	schedule Schedule
	job      Job
	backoff  time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewLoop(name string, schedule Schedule, job Job, backoff time.Duration, logger zerolog.Logger) *Loop {
	if backoff <= 0 {
		backoff = time.Minute
	}
	return &Loop{
		name:     name,
		schedule: schedule,
		job:      job,
		backoff:  backoff,
		logger:   logger.With().Str("loop", name).Logger(),
		now:      time.Now,
	}
}

func (l *Loop) SetMetrics(m *metrics.Metrics) { l.metrics = m }

func (l *Loop) Name() string { return l.name }

// Run blocks until ctx is cancelled. Cancellation is observed between runs
// only; a run in progress completes with a context that is not cancelled.
func (l *Loop) Run(ctx context.Context) error {
	next := l.schedule.Next(l.now())
	l.logger.Info().Time("next", next).Msg("loop started")
	for {
		timer := time.NewTimer(next.Sub(l.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			l.logger.Info().Msg("loop stopped")
			return nil
		case <-timer.C:
		}

		start := l.now()
		err := l.runOnce(context.WithoutCancel(ctx))
		l.metrics.LoopRun(l.name, err)
		if err != nil {
			next = l.now().Add(l.backoff)
			l.logger.Error().Err(err).Time("retry_at", next).Msg("loop run failed")
			continue
		}
		next = l.schedule.Next(l.now())
		l.logger.Debug().Dur("took", l.now().Sub(start)).Time("next", next).Msg("loop run finished")
	}
}

func (l *Loop) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.job(ctx)
}

// Runner runs loops side by side until the context is cancelled.
type Runner struct {
	loops  []*Loop
	logger zerolog.Logger
}

func NewRunner(logger zerolog.Logger, loops ...*Loop) *Runner {
	return &Runner{loops: loops, logger: logger}
}

func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range r.loops {
		l := l
		g.Go(func() error { return l.Run(ctx) })
	}
	r.logger.Info().Int("loops", len(r.loops)).Msg("workers running")
	return g.Wait()
}
