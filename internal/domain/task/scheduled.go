package task

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/careorders/internal/domain/order"
	"github.com/ehr/careorders/internal/platform/apperr"
	"github.com/ehr/careorders/internal/platform/notification"
)

// DailyReport summarizes one daily generation pass.
type DailyReport struct {
	Regenerated int
	Tasks       int
	Completed   int
	Failed      int
}

// RegenerateDue extends running orders into the next day. An order whose
// tasks are all resolved gets a new generation only for the part of its plan
// after the last planned task; the rest are checked for completion.
func (m *Manager) RegenerateDue(ctx context.Context) (DailyReport, error) {
	const op = "daily generation"
	var rep DailyReport
	orders, err := m.orders.ListByStatus(ctx, order.StatusAccepted, order.StatusInProgress)
	if err != nil {
		return rep, err
	}
	now := m.now()
	for _, o := range orders {
		log := m.logger.With().Str("order_id", o.ID.String()).Logger()
		if o.PlanEndTime.After(now) {
			open, err := m.tasks.CountByStatus(ctx, o.ID, unresolved...)
			if err != nil {
				return rep, apperr.Persistence(op, err)
			}
			var floor time.Time
			if open == 0 {
				if floor, err = m.lastPlanned(ctx, o.ID); err != nil {
					return rep, apperr.Persistence(op, err)
				}
			}
			if open == 0 && extends(o, floor) {
				res, err := m.generate(ctx, o.ID, floor)
				if err != nil {
					rep.Failed++
					log.Error().Err(err).Msg("daily generation failed")
					continue
				}
				if res.Saved > 0 {
					rep.Regenerated++
					rep.Tasks += res.Saved
					continue
				}
			}
		}
		done, err := m.orders.CheckCompletion(ctx, o.ID, uuid.Nil)
		if err != nil {
			rep.Failed++
			log.Error().Err(err).Msg("completion check failed")
			continue
		}
		if done {
			rep.Completed++
		}
	}
	m.logger.Info().Int("orders", len(orders)).Int("regenerated", rep.Regenerated).
		Int("tasks", rep.Tasks).Int("completed", rep.Completed).Int("failed", rep.Failed).Msg("daily generation finished")
	return rep, nil
}

// lastPlanned is the latest planned time among the order's tasks that were
// not rolled back, or the zero time when there are none.
func (m *Manager) lastPlanned(ctx context.Context, orderID uuid.UUID) (time.Time, error) {
	items, err := m.tasks.ListByOrder(ctx, orderID)
	if err != nil {
		return time.Time{}, err
	}
	var last time.Time
	for _, t := range items {
		if !t.IsRolledBack && t.PlannedStartTime.After(last) {
			last = t.PlannedStartTime
		}
	}
	return last, nil
}

// extends reports whether the order's plan has instants left after floor.
// Immediate and Specific orders are one-shot once they carry tasks.
func extends(o *order.Order, floor time.Time) bool {
	if floor.IsZero() {
		return true
	}
	switch o.TimingStrategy {
	case order.StrategyCyclic, order.StrategySlots:
		return o.PlanEndTime.After(floor)
	default:
		return false
	}
}

// ReassignNurses hands the pending tasks planned in [from, to) to the nurses
// rostered for them. It returns how many tasks changed hands.
func (m *Manager) ReassignNurses(ctx context.Context, from, to time.Time) (int, error) {
	if m.nurses == nil {
		return 0, nil
	}
	tasks, err := m.tasks.ListPendingBetween(ctx, from, to)
	if err != nil {
		return 0, apperr.Persistence("shift handover", err)
	}
	changed := 0
	for _, t := range tasks {
		before := t.AssignedNurseID
		if err := m.assign(ctx, t); err != nil {
			m.logger.Warn().Err(err).Str("task_id", t.ID.String()).Msg("reassign task nurse")
			continue
		}
		if t.AssignedNurseID != nil && (before == nil || *before != *t.AssignedNurseID) {
			changed++
		}
	}
	m.logger.Info().Time("from", from).Time("to", to).Int("tasks", len(tasks)).Int("reassigned", changed).Msg("shift handover")
	return changed, nil
}

// RemindOverdue sends one reminder for each pending task planned more than
// grace ago. A task whose reminder could not be sent is retried next run.
func (m *Manager) RemindOverdue(ctx context.Context, grace time.Duration, limit int) (int, error) {
	if m.notifier == nil {
		return 0, nil
	}
	now := m.now()
	tasks, err := m.tasks.ListOverdue(ctx, now.Add(-grace), limit)
	if err != nil {
		return 0, apperr.Persistence("overdue reminders", err)
	}
	sent := 0
	for _, t := range tasks {
		taskID := t.ID
		err := m.notifier.Send(ctx, notification.TemplateTaskOverdue, &notification.Message{
			NurseID:   t.AssignedNurseID,
			PatientID: t.PatientID,
			OrderID:   t.OrderID,
			TaskID:    &taskID,
		}, map[string]string{
			"category":   string(t.Category),
			"patient_id": t.PatientID.String(),
			"planned":    t.PlannedStartTime.Format(time.RFC3339),
			"overdue":    now.Sub(t.PlannedStartTime).Truncate(time.Minute).String(),
		})
		if err != nil {
			m.logger.Warn().Err(err).Str("task_id", t.ID.String()).Msg("send overdue reminder")
			continue
		}
		if err := m.tasks.MarkReminded(ctx, t.ID, now); err != nil {
			return sent, apperr.Persistence("overdue reminders", err)
		}
		m.metrics.ReminderSent()
		sent++
	}
	return sent, nil
}
