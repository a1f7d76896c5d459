package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/careorders/internal/domain/task"
)

// Tasks is what the loops need from the task manager.
type Tasks interface {
	RegenerateDue(ctx context.Context) (task.DailyReport, error)
	ReassignNurses(ctx context.Context, from, to time.Time) (int, error)
	RemindOverdue(ctx context.Context, grace time.Duration, limit int) (int, error)
}

// DailyGeneration extends running orders into the coming day.
func DailyGeneration(tasks Tasks) Job {
	return func(ctx context.Context) error {
		_, err := tasks.RegenerateDue(ctx)
		return err
	}
}

// ShiftHandover reassigns the pending tasks of the shift that starts now,
// i.e. those planned before the next handover.
func ShiftHandover(tasks Tasks, shifts Schedule, now func() time.Time) Job {
	return func(ctx context.Context) error {
		from := now()
		_, err := tasks.ReassignNurses(ctx, from, shifts.Next(from))
		return err
	}
}

// OverdueReminders reminds nurses once about tasks overdue by more than grace.
func OverdueReminders(tasks Tasks, grace time.Duration, batch int, logger zerolog.Logger) Job {
	return func(ctx context.Context) error {
		n, err := tasks.RemindOverdue(ctx, grace, batch)
		if n > 0 {
			logger.Info().Int("reminders", n).Msg("overdue reminders sent")
		}
		return err
	}
}
