package order

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/careorders/internal/platform/apperr"
)

var transitions = map[Status][]Status{
	StatusDraft:          {StatusPendingReceive, StatusCancelled},
	StatusPendingReceive: {StatusAccepted, StatusRejected, StatusCancelled},
	StatusAccepted:       {StatusInProgress, StatusPendingStop},
	StatusInProgress:     {StatusPendingStop},
	StatusPendingStop:    {StatusStopped, StatusInProgress},
	StatusRejected:       {StatusPendingReceive, StatusCancelled},
}

// CanTransition reports whether from → to is an edge of the order graph.
// Every non-terminal status may move to Completed.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusCompleted {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(op string, from, to Status) error {
	if !CanTransition(from, to) {
		return apperr.InvalidTransition(op, "order cannot move from %s to %s", from, to)
	}
	return nil
}

// stamp records who moved the order into to, and when.
func stamp(o *Order, to Status, actor uuid.UUID, reason string, at time.Time) {
	who := &actor
	when := &at
	var why *string
	if reason != "" {
		why = &reason
	}
	switch to {
	case StatusPendingReceive:
		o.SubmittedAt, o.SubmittedBy = when, who
		o.RejectedAt, o.RejectedBy, o.RejectReason = nil, nil, nil
	case StatusAccepted:
		o.SignedAt, o.SignedBy = when, who
		if o.NurseID == nil {
			o.NurseID = who
		}
	case StatusRejected:
		o.RejectedAt, o.RejectedBy, o.RejectReason = when, who, why
	case StatusPendingStop:
		o.StopRequestedAt, o.StopRequestedBy, o.StopReason = when, who, why
	case StatusStopped:
		o.StopConfirmedAt, o.StopConfirmedBy = when, who
	case StatusCancelled:
		o.CancelledAt, o.CancelledBy = when, who
		if why != nil {
			o.StopReason = why
		}
	case StatusCompleted:
		o.CompletedAt, o.CompletedBy = when, who
	}
	o.Status = to
	o.UpdatedAt = at
}
