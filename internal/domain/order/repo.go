package order

import (
	"context"

	"github.com/google/uuid"
)

// ListFilter narrows List; zero fields are ignored.
type ListFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	NurseID   *uuid.UUID
	Statuses  []Status
}

type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Order, error)
	Update(ctx context.Context, o *Order) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Order, int, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Order, error)
}

type HistoryRepository interface {
	Append(ctx context.Context, h *StatusHistory) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*StatusHistory, error)
}
