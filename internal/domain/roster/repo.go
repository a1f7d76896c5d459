package roster

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SlotTable lists the named daily time slots.
type SlotTable interface {
	ListSlots(ctx context.Context) ([]Slot, error)
}

// NurseAssigner answers which nurse is responsible for a patient at an
// instant. A nil id with a nil error means nobody is rostered.
type NurseAssigner interface {
	CalculateResponsibleNurse(ctx context.Context, patientID uuid.UUID, at time.Time) (*uuid.UUID, error)
}

type AssignmentRepository interface {
	Create(ctx context.Context, a *Assignment) error
	ActiveAt(ctx context.Context, patientID uuid.UUID, at time.Time) (*Assignment, error)
	ListByNurse(ctx context.Context, nurseID uuid.UUID, from, to time.Time) ([]*Assignment, error)
}

type SlotRepository interface {
	List(ctx context.Context) ([]Slot, error)
	Upsert(ctx context.Context, s Slot) error
}
