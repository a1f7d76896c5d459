package task

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ehr/careorders/internal/domain/order"
	"github.com/ehr/careorders/internal/platform/apperr"
	"github.com/ehr/careorders/internal/platform/besteffort"
)

// workable reports whether nurses may act on the order's tasks. Stopped
// orders keep the tasks planned before the stop cutoff.
func workable(s order.Status) bool {
	return s.Active() || s == order.StatusStopped
}

// act loads the task and its order under the order's row lock and runs fn on
// the task. fn returns the status the task must still be in for the write to
// land.
func (m *Manager) act(ctx context.Context, op string, taskID uuid.UUID, fn func(t *Task) (Status, error)) (*Task, error) {
	var out *Task
	err := m.tx.RunInTx(ctx, func(ctx context.Context) error {
		t, err := m.tasks.GetByID(ctx, taskID)
		if err != nil {
			return persistence(op, err)
		}
		o, err := m.orders.GetForUpdate(ctx, t.OrderID)
		if err != nil {
			return err
		}
		if !workable(o.Status) {
			return apperr.InvalidState(op, "order %s is %s", o.ID, o.Status)
		}
		if t.IsRolledBack {
			return apperr.InvalidState(op, "task %s was rolled back", t.ID)
		}
		if t.Status == StatusOrderStopping {
			return apperr.InvalidState(op, "task %s is locked by a pending stop request", t.ID)
		}
		expected, err := fn(t)
		if err != nil {
			return err
		}
		t.UpdatedAt = m.now()
		if err := m.tasks.Update(ctx, t, expected); err != nil {
			return persistence(op, err)
		}
		out = t
		return nil
	})
	return out, err
}

// Start begins a two-step task. The first start on an Accepted order moves
// the order to InProgress.
func (m *Manager) Start(ctx context.Context, taskID, nurseID uuid.UUID) (*Task, error) {
	const op = "start task"
	var t *Task
	err := m.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		t, err = m.act(ctx, op, taskID, func(t *Task) (Status, error) {
			if !t.Category.TwoStep() {
				return "", apperr.InvalidState(op, "%s tasks are completed in one step", t.Category)
			}
			from := t.Status
			if from != StatusPending && from != StatusAppliedConfirmed {
				return "", apperr.InvalidState(op, "task %s is %s", t.ID, from)
			}
			now := m.now()
			t.Status = StatusInProgress
			t.ExecutorID = &nurseID
			t.ActualStartTime = &now
			return from, nil
		})
		if err != nil {
			return err
		}
		return m.orders.MarkInProgress(ctx, t.OrderID, nurseID)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("task_id", taskID.String()).Str("nurse_id", nurseID.String()).Msg("task started")
	return t, nil
}

// Complete finishes a task. Single-step tasks complete from Pending, two-step
// tasks from InProgress. Result-bearing categories need a non-empty result.
func (m *Manager) Complete(ctx context.Context, taskID, nurseID uuid.UUID, result json.RawMessage) (*Task, error) {
	const op = "complete task"
	var t *Task
	err := m.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		t, err = m.act(ctx, op, taskID, func(t *Task) (Status, error) {
			from := t.Status
			if t.Category.TwoStep() {
				if from != StatusInProgress {
					return "", apperr.InvalidState(op, "%s task %s must be started first", t.Category, t.ID)
				}
			} else if from != StatusPending && from != StatusAppliedConfirmed {
				return "", apperr.InvalidState(op, "task %s is %s", t.ID, from)
			}
			if t.Category.NeedsResult() && !hasResult(result) {
				return "", apperr.Validation(op, "%s tasks require a result", t.Category)
			}
			now := m.now()
			if t.ActualStartTime == nil {
				t.ActualStartTime = &now
			}
			if t.ExecutorID == nil {
				t.ExecutorID = &nurseID
			}
			t.ActualEndTime = &now
			t.CompleterID = &nurseID
			if len(result) > 0 {
				t.ResultPayload = result
			}
			t.Status = StatusCompleted
			return from, nil
		})
		if err != nil {
			return err
		}
		return m.orders.MarkInProgress(ctx, t.OrderID, nurseID)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("task_id", taskID.String()).Str("nurse_id", nurseID.String()).Msg("task completed")
	m.checkCompletion(ctx, t.OrderID, nurseID)
	return t, nil
}

// Cancel stops a single task the nurse will not perform.
func (m *Manager) Cancel(ctx context.Context, taskID, nurseID uuid.UUID, reason string) (*Task, error) {
	const op = "cancel task"
	if reason == "" {
		return nil, apperr.Validation(op, "a cancellation reason is required")
	}
	t, err := m.act(ctx, op, taskID, func(t *Task) (Status, error) {
		from := t.Status
		if from.IsTerminal() {
			return "", apperr.InvalidState(op, "task %s is already %s", t.ID, from)
		}
		now := m.now()
		t.Status = StatusStopped
		t.StopReason = &reason
		t.CompleterID = &nurseID
		t.ActualEndTime = &now
		return from, nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("task_id", taskID.String()).Str("nurse_id", nurseID.String()).Str("reason", reason).Msg("task cancelled")
	return t, nil
}

func (m *Manager) checkCompletion(ctx context.Context, orderID, actor uuid.UUID) {
	besteffort.Do(ctx, m.logger, "check order completion", func(ctx context.Context) error {
		done, err := m.orders.CheckCompletion(ctx, orderID, actor)
		if done {
			m.logger.Info().Str("order_id", orderID.String()).Msg("order completed")
		}
		return err
	})
}
