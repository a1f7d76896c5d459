package roster

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/careorders/internal/platform/db"
)

type assignmentRepoPG struct{ pool *pgxpool.Pool }

func NewAssignmentRepoPG(pool *pgxpool.Pool) AssignmentRepository {
	return &assignmentRepoPG{pool: pool}
}

const assignmentCols = `id, patient_id, nurse_id, shift_start, shift_end, created_by, created_at`

func scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.PatientID, &a.NurseID, &a.ShiftStart, &a.ShiftEnd, &a.CreatedBy, &a.CreatedAt)
	return &a, err
}

func (r *assignmentRepoPG) Create(ctx context.Context, a *Assignment) error {
	a.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO nurse_assignment (id, patient_id, nurse_id, shift_start, shift_end, created_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		a.ID, a.PatientID, a.NurseID, a.ShiftStart, a.ShiftEnd, a.CreatedBy).Scan(&a.CreatedAt)
}

func (r *assignmentRepoPG) ActiveAt(ctx context.Context, patientID uuid.UUID, at time.Time) (*Assignment, error) {
	a, err := scanAssignment(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+assignmentCols+` FROM nurse_assignment
		WHERE patient_id = $1 AND shift_start <= $2 AND shift_end > $2
		ORDER BY shift_start DESC, created_at DESC LIMIT 1`, patientID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (r *assignmentRepoPG) ListByNurse(ctx context.Context, nurseID uuid.UUID, from, to time.Time) ([]*Assignment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+assignmentCols+` FROM nurse_assignment
		WHERE nurse_id = $1 AND shift_end > $2 AND shift_start < $3
		ORDER BY shift_start`, nurseID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

type slotRepoPG struct{ pool *pgxpool.Pool }

func NewSlotRepoPG(pool *pgxpool.Pool) SlotRepository {
	return &slotRepoPG{pool: pool}
}

func (r *slotRepoPG) List(ctx context.Context) ([]Slot, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT id, name, minute_of_day FROM time_slot ORDER BY minute_of_day`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Slot
	for rows.Next() {
		var s Slot
		var minute int
		if err := rows.Scan(&s.ID, &s.Name, &minute); err != nil {
			return nil, err
		}
		s.TimeOfDay = time.Duration(minute) * time.Minute
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *slotRepoPG) Upsert(ctx context.Context, s Slot) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO time_slot (id, name, minute_of_day) VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, minute_of_day = EXCLUDED.minute_of_day`,
		s.ID, s.Name, int(s.TimeOfDay/time.Minute))
	return err
}
