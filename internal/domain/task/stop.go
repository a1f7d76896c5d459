package task

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/careorders/internal/domain/order"
	"github.com/ehr/careorders/internal/platform/apperr"
	"github.com/ehr/careorders/internal/platform/besteffort"
	"github.com/ehr/careorders/internal/platform/db"
	"github.com/ehr/careorders/internal/platform/metrics"
	"github.com/ehr/careorders/internal/platform/notification"
)

// StopResult is the order after a stop phase and the number of tasks it
// locked, stopped or restored.
type StopResult struct {
	Order *order.Order `json:"order"`
	Tasks int          `json:"tasks"`
}

// StopCoordinator runs the two-phase stop: a doctor requests the stop and
// the tasks from the cutoff on are locked, then a nurse confirms or rejects
// it. Each phase is one transaction.
type StopCoordinator struct {
	tasks    Repository
	orders   *order.Service
	tx       db.TxRunner
	notifier Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewStopCoordinator(tasks Repository, orders *order.Service, tx db.TxRunner, logger zerolog.Logger) *StopCoordinator {
	return &StopCoordinator{
		tasks:  tasks,
		orders: orders,
		tx:     tx,
		logger: logger.With().Str("component", "stop").Logger(),
	}
}

func (c *StopCoordinator) SetNotifier(n Notifier)         { c.notifier = n }
func (c *StopCoordinator) SetMetrics(mt *metrics.Metrics) { c.metrics = mt }

// RequestStop moves a signed order to PendingStop and locks every open task
// planned at or after the cutoff task, which must belong to the order. An
// order still waiting for a nurse signature is cancelled outright.
func (c *StopCoordinator) RequestStop(ctx context.Context, orderID, doctorID uuid.UUID, reason string, cutoffTaskID *uuid.UUID) (*StopResult, error) {
	const op = "request stop"
	if reason == "" {
		return nil, apperr.Validation(op, "a stop reason is required")
	}
	res := &StopResult{}
	cancelled := false
	err := c.tx.RunInTx(ctx, func(ctx context.Context) error {
		current, err := c.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		switch current.Status {
		case order.StatusPendingReceive:
			o, err := c.orders.Cancel(ctx, orderID, doctorID, reason)
			if err != nil {
				return err
			}
			res.Order, cancelled = o, true
			return nil
		case order.StatusAccepted, order.StatusInProgress:
		default:
			_, err := c.orders.Transition(ctx, orderID, order.StatusPendingStop, doctorID, reason, nil)
			return err
		}

		cutoff, err := c.cutoff(ctx, op, orderID, cutoffTaskID)
		if err != nil {
			return err
		}
		o, err := c.orders.Transition(ctx, orderID, order.StatusPendingStop, doctorID, reason, nil)
		if err != nil {
			return err
		}
		n, err := c.tasks.LockFrom(ctx, orderID, cutoff)
		if err != nil {
			return apperr.Persistence(op, err)
		}
		res.Order, res.Tasks = o, n
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cancelled {
		c.metrics.StopOutcome("cancelled")
		c.logger.Info().Str("order_id", orderID.String()).Msg("unsigned order cancelled on stop request")
		return res, nil
	}
	c.metrics.StopOutcome("requested")
	c.logger.Info().Str("order_id", orderID.String()).Int("locked", res.Tasks).Msg("stop requested")
	c.notify(ctx, res.Order, reason)
	return res, nil
}

// cutoff resolves the planned time of the cutoff task.
func (c *StopCoordinator) cutoff(ctx context.Context, op string, orderID uuid.UUID, taskID *uuid.UUID) (time.Time, error) {
	if taskID == nil {
		return time.Time{}, apperr.Validation(op, "a cutoff task is required to stop a signed order")
	}
	t, err := c.tasks.GetByID(ctx, *taskID)
	if errors.Is(err, apperr.ErrNotFound) {
		return time.Time{}, apperr.Validation(op, "cutoff task %s does not exist", *taskID)
	}
	if err != nil {
		return time.Time{}, persistence(op, err)
	}
	if t.OrderID != orderID {
		return time.Time{}, apperr.Validation(op, "task %s does not belong to order %s", t.ID, orderID)
	}
	return t.PlannedStartTime, nil
}

// ConfirmStop stops the order and every task the request locked.
func (c *StopCoordinator) ConfirmStop(ctx context.Context, orderID, nurseID uuid.UUID) (*StopResult, error) {
	const op = "confirm stop"
	res := &StopResult{}
	err := c.tx.RunInTx(ctx, func(ctx context.Context) error {
		var reason string
		o, err := c.orders.Transition(ctx, orderID, order.StatusStopped, nurseID, "", func(o *order.Order) error {
			if o.StopReason != nil {
				reason = *o.StopReason
			}
			return nil
		})
		if err != nil {
			return err
		}
		if reason == "" {
			reason = "order stopped"
		}
		n, err := c.tasks.StopLocked(ctx, orderID, reason)
		if err != nil {
			return apperr.Persistence(op, err)
		}
		res.Order, res.Tasks = o, n
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.metrics.StopOutcome("confirmed")
	c.logger.Info().Str("order_id", orderID.String()).Int("stopped", res.Tasks).Msg("stop confirmed")
	return res, nil
}

// RejectStop returns the order to InProgress and puts the locked tasks back
// in the status they had before the request.
func (c *StopCoordinator) RejectStop(ctx context.Context, orderID, nurseID uuid.UUID, reason string) (*StopResult, error) {
	const op = "reject stop"
	if reason == "" {
		return nil, apperr.Validation(op, "a rejection reason is required")
	}
	res := &StopResult{}
	err := c.tx.RunInTx(ctx, func(ctx context.Context) error {
		o, err := c.orders.Transition(ctx, orderID, order.StatusInProgress, nurseID, reason, func(o *order.Order) error {
			o.StopRequestedAt, o.StopRequestedBy, o.StopReason = nil, nil, nil
			return nil
		})
		if err != nil {
			return err
		}
		n, err := c.tasks.RestoreLocked(ctx, orderID)
		if err != nil {
			return apperr.Persistence(op, err)
		}
		res.Order, res.Tasks = o, n
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.metrics.StopOutcome("rejected")
	c.logger.Info().Str("order_id", orderID.String()).Int("restored", res.Tasks).Msg("stop rejected")
	return res, nil
}

func (c *StopCoordinator) notify(ctx context.Context, o *order.Order, reason string) {
	if c.notifier == nil || o.NurseID == nil {
		return
	}
	besteffort.Do(ctx, c.logger, "notify stop request", func(ctx context.Context) error {
		return c.notifier.Send(ctx, notification.TemplateStopPending, &notification.Message{
			NurseID:   o.NurseID,
			PatientID: o.PatientID,
			OrderID:   o.ID,
		}, map[string]string{
			"order_id":   o.ID.String(),
			"patient_id": o.PatientID.String(),
			"reason":     reason,
		})
	})
}
