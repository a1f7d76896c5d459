package roster

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/careorders/internal/platform/apperr"
)

// Service implements SlotTable and NurseAssigner over the roster tables.
type Service struct {
	assignments AssignmentRepository
	slots       SlotRepository
}

func NewService(assignments AssignmentRepository, slots SlotRepository) *Service {
	return &Service{assignments: assignments, slots: slots}
}

// ListSlots returns the configured slots, or DefaultSlots when none are stored.
func (s *Service) ListSlots(ctx context.Context) ([]Slot, error) {
	items, err := s.slots.List(ctx)
	if err != nil {
		return nil, apperr.Persistence("list slots", err)
	}
	if len(items) == 0 {
		return DefaultSlots, nil
	}
	return items, nil
}

// SaveSlot validates and stores a slot definition.
func (s *Service) SaveSlot(ctx context.Context, slot Slot) error {
	if slot.ID <= 0 || slot.ID&(slot.ID-1) != 0 {
		return apperr.Validation("save slot", "slot id must be a single bit, got %d", slot.ID)
	}
	if slot.TimeOfDay < 0 || slot.TimeOfDay >= 24*time.Hour {
		return apperr.Validation("save slot", "time of day out of range")
	}
	if slot.Name == "" {
		slot.Name = slot.Clock()
	}
	if err := s.slots.Upsert(ctx, slot); err != nil {
		return apperr.Persistence("save slot", err)
	}
	return nil
}

func (s *Service) CalculateResponsibleNurse(ctx context.Context, patientID uuid.UUID, at time.Time) (*uuid.UUID, error) {
	a, err := s.assignments.ActiveAt(ctx, patientID, at)
	if err != nil {
		return nil, fmt.Errorf("roster lookup for patient %s: %w", patientID, err)
	}
	if a == nil {
		return nil, nil
	}
	nurse := a.NurseID
	return &nurse, nil
}

// Assign records a shift assignment.
func (s *Service) Assign(ctx context.Context, a *Assignment) error {
	if a.PatientID == uuid.Nil || a.NurseID == uuid.Nil {
		return apperr.Validation("assign nurse", "patient_id and nurse_id are required")
	}
	if !a.ShiftEnd.After(a.ShiftStart) {
		return apperr.Validation("assign nurse", "shift_end must be after shift_start")
	}
	if err := s.assignments.Create(ctx, a); err != nil {
		return apperr.Persistence("assign nurse", err)
	}
	return nil
}

func (s *Service) ListByNurse(ctx context.Context, nurseID uuid.UUID, from, to time.Time) ([]*Assignment, error) {
	items, err := s.assignments.ListByNurse(ctx, nurseID, from, to)
	if err != nil {
		return nil, apperr.Persistence("list assignments", err)
	}
	return items, nil
}
