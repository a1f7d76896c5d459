package order

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/careorders/internal/platform/apperr"
)

type Status string

const (
	StatusDraft          Status = "draft"
	StatusPendingReceive Status = "pending_receive"
	StatusAccepted       Status = "accepted"
	StatusRejected       Status = "rejected"
	StatusInProgress     Status = "in_progress"
	StatusPendingStop    Status = "pending_stop"
	StatusStopped        Status = "stopped"
	StatusCancelled      Status = "cancelled"
	StatusCompleted      Status = "completed"
)

var allStatuses = []Status{
	StatusDraft, StatusPendingReceive, StatusAccepted, StatusRejected, StatusInProgress,
	StatusPendingStop, StatusStopped, StatusCancelled, StatusCompleted,
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusCancelled || s == StatusCompleted
}

// Active reports whether tasks of an order in s may be executed.
func (s Status) Active() bool {
	return s == StatusAccepted || s == StatusInProgress || s == StatusPendingStop
}

type Strategy string

const (
	StrategyImmediate Strategy = "immediate"
	StrategySpecific  Strategy = "specific"
	StrategyCyclic    Strategy = "cyclic"
	StrategySlots     Strategy = "slots"
)

var allStrategies = []Strategy{StrategyImmediate, StrategySpecific, StrategyCyclic, StrategySlots}

// Route is the usage route of a medication order.
type Route string

const (
	RouteOral          Route = "oral"
	RouteTopical       Route = "topical"
	RouteIVPush        Route = "iv_push"
	RouteIntramuscular Route = "intramuscular"
	RouteSubcutaneous  Route = "subcutaneous"
	RouteIntradermal   Route = "intradermal"
	RouteSublingual    Route = "sublingual"
	RouteRectal        Route = "rectal"
	RouteOphthalmic    Route = "ophthalmic"
	RouteOtic          Route = "otic"
	RouteNasal         Route = "nasal"
	RouteIVInfusion    Route = "iv_infusion"
	RouteInhalation    Route = "inhalation"
	RouteNebulization  Route = "nebulization"
	RouteSkinTest      Route = "skin_test"
	RouteOther         Route = "other"
)

var allRoutes = []Route{
	RouteOral, RouteTopical, RouteIVPush, RouteIntramuscular, RouteSubcutaneous, RouteIntradermal,
	RouteSublingual, RouteRectal, RouteOphthalmic, RouteOtic, RouteNasal, RouteIVInfusion,
	RouteInhalation, RouteNebulization, RouteSkinTest, RouteOther,
}

// Kind discriminates the order payload.
type Kind string

const (
	KindMedication Kind = "medication"
	KindSurgical   Kind = "surgical"
	KindInspection Kind = "inspection"
	KindOperation  Kind = "operation"
	KindDischarge  Kind = "discharge"
)

var allKinds = []Kind{KindMedication, KindSurgical, KindInspection, KindOperation, KindDischarge}

func parseEnum[T ~string](field, raw string, allowed []T) (T, error) {
	v := T(strings.ToLower(strings.TrimSpace(raw)))
	for _, a := range allowed {
		if a == v {
			return v, nil
		}
	}
	var zero T
	return zero, apperr.Validation("parse "+field, "unrecognized %s %q", field, raw)
}

func ParseStatus(raw string) (Status, error)     { return parseEnum("status", raw, allStatuses) }
func ParseStrategy(raw string) (Strategy, error) { return parseEnum("timing strategy", raw, allStrategies) }
func ParseRoute(raw string) (Route, error)       { return parseEnum("usage route", raw, allRoutes) }
func ParseKind(raw string) (Kind, error)         { return parseEnum("order kind", raw, allKinds) }

// Item is one line of an order (a drug, an examination, a procedure).
type Item struct {
	Name string `json:"name"`
	Dose string `json:"dose,omitempty"`
	Unit string `json:"unit,omitempty"`
}

// Order is the scheduling core shared by every order kind. Kind-specific
// detail travels in Payload and is not interpreted here.
type Order struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	Kind           Kind            `db:"kind" json:"kind"`
	PatientID      uuid.UUID       `db:"patient_id" json:"patient_id"`
	DoctorID       uuid.UUID       `db:"doctor_id" json:"doctor_id"`
	NurseID        *uuid.UUID      `db:"nurse_id" json:"nurse_id,omitempty"`
	Status         Status          `db:"status" json:"status"`
	TimingStrategy Strategy        `db:"timing_strategy" json:"timing_strategy"`
	StartTime      *time.Time      `db:"start_time" json:"start_time,omitempty"`
	PlanEndTime    time.Time       `db:"plan_end_time" json:"plan_end_time"`
	IntervalHours  *float64        `db:"interval_hours" json:"interval_hours,omitempty"`
	IntervalDays   int             `db:"interval_days" json:"interval_days"`
	SlotsMask      int64           `db:"slots_mask" json:"slots_mask"`
	UsageRoute     Route           `db:"usage_route" json:"usage_route"`
	Items          []Item          `db:"items" json:"items"`
	Payload        json.RawMessage `db:"payload" json:"payload,omitempty"`

	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	CreatedBy       uuid.UUID  `db:"created_by" json:"created_by"`
	SubmittedAt     *time.Time `db:"submitted_at" json:"submitted_at,omitempty"`
	SubmittedBy     *uuid.UUID `db:"submitted_by" json:"submitted_by,omitempty"`
	SignedAt        *time.Time `db:"signed_at" json:"signed_at,omitempty"`
	SignedBy        *uuid.UUID `db:"signed_by" json:"signed_by,omitempty"`
	RejectedAt      *time.Time `db:"rejected_at" json:"rejected_at,omitempty"`
	RejectedBy      *uuid.UUID `db:"rejected_by" json:"rejected_by,omitempty"`
	RejectReason    *string    `db:"reject_reason" json:"reject_reason,omitempty"`
	StopRequestedAt *time.Time `db:"stop_requested_at" json:"stop_requested_at,omitempty"`
	StopRequestedBy *uuid.UUID `db:"stop_requested_by" json:"stop_requested_by,omitempty"`
	StopReason      *string    `db:"stop_reason" json:"stop_reason,omitempty"`
	StopConfirmedAt *time.Time `db:"stop_confirmed_at" json:"stop_confirmed_at,omitempty"`
	StopConfirmedBy *uuid.UUID `db:"stop_confirmed_by" json:"stop_confirmed_by,omitempty"`
	CancelledAt     *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancelledBy     *uuid.UUID `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CompletedBy     *uuid.UUID `db:"completed_by" json:"completed_by,omitempty"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// StatusHistory is an immutable record of one order transition.
type StatusHistory struct {
	ID         uuid.UUID `db:"id" json:"id"`
	OrderID    uuid.UUID `db:"order_id" json:"order_id"`
	FromStatus Status    `db:"from_status" json:"from_status"`
	ToStatus   Status    `db:"to_status" json:"to_status"`
	Actor      uuid.UUID `db:"actor" json:"actor"`
	At         time.Time `db:"at" json:"at"`
	Reason     string    `db:"reason" json:"reason,omitempty"`
}

// ValidateOrderFields checks what task generation needs from an order and
// normalizes its route and strategy. planEnd may lie at most grace before now.
func ValidateOrderFields(o *Order, now time.Time, grace time.Duration) error {
	const op = "validate order"
	var missing []string
	if o.PatientID == uuid.Nil {
		missing = append(missing, "patient")
	}
	if o.DoctorID == uuid.Nil {
		missing = append(missing, "doctor")
	}
	if len(o.Items) == 0 {
		missing = append(missing, "at least one item")
	}
	if len(missing) > 0 {
		return apperr.Validation(op, "missing %s", strings.Join(missing, ", "))
	}
	for i, it := range o.Items {
		if strings.TrimSpace(it.Name) == "" {
			return apperr.Validation(op, "item %d has no name", i+1)
		}
	}
	route, err := ParseRoute(string(o.UsageRoute))
	if err != nil {
		return apperr.Validation(op, "usage route %q is not recognized", o.UsageRoute)
	}
	if strings.TrimSpace(string(o.TimingStrategy)) == "" {
		return apperr.Validation(op, "timing strategy is required")
	}
	strategy, err := ParseStrategy(string(o.TimingStrategy))
	if err != nil {
		return err
	}
	o.UsageRoute, o.TimingStrategy = route, strategy
	if o.PlanEndTime.IsZero() {
		return apperr.Validation(op, "plan end time is required")
	}
	if o.PlanEndTime.Before(now.Add(-grace)) {
		return apperr.Validation(op, "plan end time %s has already passed", o.PlanEndTime.Format(time.RFC3339))
	}
	if o.StartTime != nil && o.PlanEndTime.Before(*o.StartTime) {
		return apperr.Validation(op, "plan end time precedes start time")
	}

	switch strategy {
	case StrategySpecific:
		if o.StartTime == nil {
			return apperr.Validation(op, "specific timing requires a start time")
		}
	case StrategyCyclic:
		if o.IntervalHours == nil {
			return apperr.Validation(op, "cyclic timing requires an interval in hours (interval_hours is missing)")
		}
		if *o.IntervalHours <= 0 {
			return apperr.Validation(op, "interval_hours must be positive, got %v", *o.IntervalHours)
		}
		if o.IntervalDays < 1 {
			return apperr.Validation(op, "interval_days must be at least 1")
		}
	case StrategySlots:
		if o.SlotsMask <= 0 {
			return apperr.Validation(op, "slots timing requires a non-empty slots mask")
		}
		if o.IntervalDays < 1 {
			return apperr.Validation(op, "interval_days must be at least 1")
		}
	}
	return nil
}

// String is used in log lines.
func (o *Order) String() string {
	return fmt.Sprintf("order %s (%s, %s)", o.ID, o.Kind, o.Status)
}
