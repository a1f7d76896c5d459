package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/careorders/internal/domain/roster"
	"github.com/ehr/careorders/internal/platform/apperr"
	"github.com/ehr/careorders/internal/platform/besteffort"
	"github.com/ehr/careorders/internal/platform/db"
)

// TaskSummary reports the outcome of a generation run.
type TaskSummary struct {
	Saved      int      `json:"saved"`
	Failed     int      `json:"failed"`
	RolledBack int      `json:"rolled_back,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// TaskProgress counts an order's tasks. Rolled-back tasks are excluded.
type TaskProgress struct {
	Total      int `json:"total"`
	Unresolved int `json:"unresolved"`
	Completed  int `json:"completed"`
	Stopped    int `json:"stopped"`
}

// TaskLifecycle is the part of the task manager the order service drives.
type TaskLifecycle interface {
	GenerateTasks(ctx context.Context, orderID uuid.UUID) (*TaskSummary, error)
	RollbackTasks(ctx context.Context, orderID uuid.UUID, reason string, actor uuid.UUID) (int, error)
	RefreshTasks(ctx context.Context, orderID uuid.UUID, reason string, actor uuid.UUID) (*TaskSummary, error)
	Progress(ctx context.Context, orderID uuid.UUID) (TaskProgress, error)
}

type Service struct {
	orders  Repository
	history HistoryRepository
	tx      db.TxRunner
	nurses  roster.NurseAssigner
	tasks   TaskLifecycle
	grace   time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(orders Repository, history HistoryRepository, tx db.TxRunner, logger zerolog.Logger) *Service {
	return &Service{
		orders:  orders,
		history: history,
		tx:      tx,
		grace:   5 * time.Minute,
		logger:  logger.With().Str("component", "orders").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetTaskLifecycle attaches the task manager. Without it, signing an order
// does not generate tasks.
func (s *Service) SetTaskLifecycle(t TaskLifecycle) { s.tasks = t }

// SetNurseAssigner attaches the roster used to pick a responsible nurse on creation.
func (s *Service) SetNurseAssigner(n roster.NurseAssigner) { s.nurses = n }

// SetGenerationGrace sets how far in the past a plan end may lie at signing.
func (s *Service) SetGenerationGrace(d time.Duration) { s.grace = d }

func (s *Service) Now() time.Time { return s.now() }

func persistence(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Persistence(op, err)
}

// validateShape checks an order before it is stored and rewrites its enum
// fields in canonical form.
func validateShape(op string, o *Order) error {
	if o.PatientID == uuid.Nil {
		return apperr.Validation(op, "patient_id is required")
	}
	kind, err := ParseKind(string(o.Kind))
	if err != nil {
		return err
	}
	strategy, err := ParseStrategy(string(o.TimingStrategy))
	if err != nil {
		return err
	}
	route, err := ParseRoute(string(o.UsageRoute))
	if err != nil {
		return err
	}
	o.Kind, o.TimingStrategy, o.UsageRoute = kind, strategy, route
	if o.PlanEndTime.IsZero() {
		return apperr.Validation(op, "plan_end_time is required")
	}
	if o.StartTime != nil && o.PlanEndTime.Before(*o.StartTime) {
		return apperr.Validation(op, "plan_end_time precedes start_time")
	}
	if o.IntervalHours != nil && *o.IntervalHours <= 0 {
		return apperr.Validation(op, "interval_hours must be positive")
	}
	if o.IntervalDays < 0 {
		return apperr.Validation(op, "interval_days must not be negative")
	}
	if o.SlotsMask < 0 {
		return apperr.Validation(op, "slots_mask must not be negative")
	}
	return nil
}

// Create stores a new Draft order written by doctorID. The responsible nurse
// is looked up on a best-effort basis.
func (s *Service) Create(ctx context.Context, o *Order, doctorID uuid.UUID) error {
	const op = "create order"
	o.DoctorID = doctorID
	o.CreatedBy = doctorID
	o.Status = StatusDraft
	if o.IntervalDays == 0 {
		o.IntervalDays = 1
	}
	if err := validateShape(op, o); err != nil {
		return err
	}
	if o.NurseID == nil && s.nurses != nil {
		at := s.now()
		if o.StartTime != nil && o.StartTime.After(at) {
			at = *o.StartTime
		}
		if nurse, ok := besteffort.Value(ctx, s.logger, "assign responsible nurse", func(ctx context.Context) (*uuid.UUID, error) {
			return s.nurses.CalculateResponsibleNurse(ctx, o.PatientID, at)
		}); ok {
			o.NurseID = nurse
		}
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return persistence(op, err)
	}
	s.logger.Info().Str("order_id", o.ID.String()).Str("kind", string(o.Kind)).Msg("order created")
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, persistence("get order", err)
	}
	return o, nil
}

// GetForUpdate locks the order for the rest of the surrounding transaction.
func (s *Service) GetForUpdate(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.orders.GetForUpdate(ctx, id)
	if err != nil {
		return nil, persistence("lock order", err)
	}
	return o, nil
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Order, int, error) {
	items, total, err := s.orders.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, persistence("list orders", err)
	}
	return items, total, nil
}

func (s *Service) ListByStatus(ctx context.Context, statuses ...Status) ([]*Order, error) {
	items, err := s.orders.ListByStatus(ctx, statuses...)
	if err != nil {
		return nil, persistence("list orders", err)
	}
	return items, nil
}

func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*StatusHistory, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	items, err := s.history.ListByOrder(ctx, id)
	if err != nil {
		return nil, persistence("order history", err)
	}
	return items, nil
}

// Transition moves the order to status to and appends the history entry in
// the same transaction. mutate, when non-nil, runs on the locked order
// before the update is written and may veto the transition.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to Status, actor uuid.UUID, reason string, mutate func(o *Order) error) (*Order, error) {
	op := "transition to " + string(to)
	var out *Order
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		o, err := s.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from := o.Status
		if err := checkTransition(op, from, to); err != nil {
			return err
		}
		if mutate != nil {
			if err := mutate(o); err != nil {
				return err
			}
		}
		now := s.now()
		stamp(o, to, actor, reason, now)
		if err := s.orders.Update(ctx, o); err != nil {
			return persistence(op, err)
		}
		if err := s.history.Append(ctx, &StatusHistory{
			OrderID: o.ID, FromStatus: from, ToStatus: to, Actor: actor, At: now, Reason: reason,
		}); err != nil {
			return persistence(op, err)
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("order_id", id.String()).Str("to", string(to)).Str("actor", actor.String()).Msg("order transitioned")
	return out, nil
}

// UpdateRequest carries editable order fields; nil fields are left unchanged.
type UpdateRequest struct {
	TimingStrategy *Strategy        `json:"timing_strategy,omitempty"`
	StartTime      *time.Time       `json:"start_time,omitempty"`
	PlanEndTime    *time.Time       `json:"plan_end_time,omitempty"`
	IntervalHours  *float64         `json:"interval_hours,omitempty"`
	IntervalDays   *int             `json:"interval_days,omitempty"`
	SlotsMask      *int64           `json:"slots_mask,omitempty"`
	UsageRoute     *Route           `json:"usage_route,omitempty"`
	Items          []Item           `json:"items,omitempty"`
	Payload        *json.RawMessage `json:"payload,omitempty"`
	Reason         string           `json:"reason,omitempty"`
}

func (r *UpdateRequest) apply(o *Order) {
	if r.TimingStrategy != nil {
		o.TimingStrategy = *r.TimingStrategy
	}
	if r.StartTime != nil {
		t := *r.StartTime
		o.StartTime = &t
	}
	if r.PlanEndTime != nil {
		o.PlanEndTime = *r.PlanEndTime
	}
	if r.IntervalHours != nil {
		h := *r.IntervalHours
		o.IntervalHours = &h
	}
	if r.IntervalDays != nil {
		o.IntervalDays = *r.IntervalDays
	}
	if r.SlotsMask != nil {
		o.SlotsMask = *r.SlotsMask
	}
	if r.UsageRoute != nil {
		o.UsageRoute = *r.UsageRoute
	}
	if r.Items != nil {
		o.Items = r.Items
	}
	if r.Payload != nil {
		o.Payload = *r.Payload
	}
}

// Update edits an order. Draft and Rejected orders are edited in place;
// Accepted and InProgress orders have their pending tasks refreshed.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req *UpdateRequest, actor uuid.UUID) (*Order, *TaskSummary, error) {
	const op = "update order"
	var o *Order
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		o, err = s.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch o.Status {
		case StatusDraft, StatusRejected, StatusAccepted, StatusInProgress:
		default:
			return apperr.InvalidState(op, "order in status %s cannot be edited", o.Status)
		}
		req.apply(o)
		if err := validateShape(op, o); err != nil {
			return err
		}
		o.UpdatedAt = s.now()
		if err := s.orders.Update(ctx, o); err != nil {
			return persistence(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if s.tasks == nil || (o.Status != StatusAccepted && o.Status != StatusInProgress) {
		return o, nil, nil
	}
	reason := req.Reason
	if reason == "" {
		reason = "order updated"
	}
	summary, err := s.tasks.RefreshTasks(ctx, id, reason, actor)
	if err != nil {
		return o, summary, err
	}
	return o, summary, nil
}

func (s *Service) Submit(ctx context.Context, id, doctorID uuid.UUID) (*Order, error) {
	return s.Transition(ctx, id, StatusPendingReceive, doctorID, "", func(o *Order) error {
		if len(o.Items) == 0 {
			return apperr.Validation("submit order", "order has no items")
		}
		return nil
	})
}

// Sign accepts a PendingReceive order and generates its tasks. When the
// order is signed but generation fails, the signed order is returned with
// the error so the caller can retry generation alone.
func (s *Service) Sign(ctx context.Context, id, nurseID uuid.UUID) (*Order, *TaskSummary, error) {
	o, err := s.Transition(ctx, id, StatusAccepted, nurseID, "", func(o *Order) error {
		return ValidateOrderFields(o, s.now(), s.grace)
	})
	if err != nil {
		return nil, nil, err
	}
	if s.tasks == nil {
		return o, nil, nil
	}
	summary, err := s.tasks.GenerateTasks(ctx, id)
	if err != nil {
		return o, nil, fmt.Errorf("order %s signed but task generation failed: %w", id, err)
	}
	return o, summary, nil
}

func (s *Service) Reject(ctx context.Context, id, nurseID uuid.UUID, reason string) (*Order, error) {
	if reason == "" {
		return nil, apperr.Validation("reject order", "a rejection reason is required")
	}
	return s.Transition(ctx, id, StatusRejected, nurseID, reason, nil)
}

func (s *Service) Resubmit(ctx context.Context, id, doctorID uuid.UUID) (*Order, error) {
	return s.Transition(ctx, id, StatusPendingReceive, doctorID, "resubmitted", nil)
}

// Cancel discards an order that was never signed. Any tasks are rolled back.
func (s *Service) Cancel(ctx context.Context, id, doctorID uuid.UUID, reason string) (*Order, error) {
	if reason == "" {
		return nil, apperr.Validation("cancel order", "a cancellation reason is required")
	}
	o, err := s.Transition(ctx, id, StatusCancelled, doctorID, reason, nil)
	if err != nil {
		return nil, err
	}
	if s.tasks != nil {
		if _, err := s.tasks.RollbackTasks(ctx, id, reason, doctorID); err != nil {
			return o, err
		}
	}
	return o, nil
}

// MarkInProgress moves an Accepted order to InProgress on its first task
// activity. Orders in any other status are left alone.
func (s *Service) MarkInProgress(ctx context.Context, id, nurseID uuid.UUID) error {
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		o, err := s.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if o.Status != StatusAccepted {
			return nil
		}
		_, err = s.Transition(ctx, id, StatusInProgress, nurseID, "first task started", nil)
		return err
	})
}

// CheckCompletion completes the order once every task it still carries is
// Completed. A task the nurse cancelled keeps the order open until the doctor
// stops it. It reports whether the order was completed.
func (s *Service) CheckCompletion(ctx context.Context, id, actor uuid.UUID) (bool, error) {
	if s.tasks == nil {
		return false, nil
	}
	completed := false
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		o, err := s.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if o.Status.IsTerminal() || o.Status == StatusPendingStop {
			return nil
		}
		p, err := s.tasks.Progress(ctx, id)
		if err != nil {
			return err
		}
		if p.Total == 0 || p.Completed != p.Total {
			return nil
		}
		if _, err := s.Transition(ctx, id, StatusCompleted, actor, "all tasks completed", nil); err != nil {
			return err
		}
		completed = true
		return nil
	})
	return completed, err
}
