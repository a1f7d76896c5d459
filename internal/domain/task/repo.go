package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows List; zero fields are ignored.
type ListFilter struct {
	OrderID   *uuid.UUID
	PatientID *uuid.UUID
	NurseID   *uuid.UUID
	Statuses  []Status
	From      *time.Time
	To        *time.Time
}

type Repository interface {
	Create(ctx context.Context, t *Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*Task, error)
	// Update writes t only if its stored status is still expected.
	Update(ctx context.Context, t *Task, expected Status) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Task, int, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Task, error)
	CountByStatus(ctx context.Context, orderID uuid.UUID, statuses ...Status) (int, error)

	// RollbackPending stops every pending, never-started task of the order.
	RollbackPending(ctx context.Context, orderID uuid.UUID, reason string) (int, error)
	// LockFrom snapshots and locks lockable tasks planned at or after cutoff.
	LockFrom(ctx context.Context, orderID uuid.UUID, cutoff time.Time) (int, error)
	// StopLocked finalizes locked tasks as stopped.
	StopLocked(ctx context.Context, orderID uuid.UUID, reason string) (int, error)
	// RestoreLocked puts locked tasks back into their snapshotted status.
	RestoreLocked(ctx context.Context, orderID uuid.UUID) (int, error)

	SetAssignedNurse(ctx context.Context, id uuid.UUID, nurseID *uuid.UUID) error
	SetLabel(ctx context.Context, id, blobID uuid.UUID) error
	ListPendingBetween(ctx context.Context, from, to time.Time) ([]*Task, error)
	ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Task, error)
	MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) error
}
