package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/careorders/internal/platform/apperr"
	"github.com/ehr/careorders/internal/platform/db"
)

type taskRepoPG struct{ pool *pgxpool.Pool }

func NewTaskRepoPG(pool *pgxpool.Pool) Repository {
	return &taskRepoPG{pool: pool}
}

const taskCols = `id, order_id, patient_id, batch_id, category, kind, planned_start_time,
	assigned_nurse_id, executor_id, completer_id, actual_start_time, actual_end_time,
	status, status_before_locking, is_rolled_back, stop_reason, data_payload, result_payload,
	label_blob_id, reminded_at, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.OrderID, &t.PatientID, &t.BatchID, &t.Category, &t.Kind, &t.PlannedStartTime,
		&t.AssignedNurseID, &t.ExecutorID, &t.CompleterID, &t.ActualStartTime, &t.ActualEndTime,
		&t.Status, &t.StatusBeforeLocking, &t.IsRolledBack, &t.StopReason, &t.DataPayload, &t.ResultPayload,
		&t.LabelBlobID, &t.RemindedAt, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

func collect(rows pgx.Rows) ([]*Task, error) {
	defer rows.Close()
	var items []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (r *taskRepoPG) Create(ctx context.Context, t *Task) error {
	t.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO execution_task (id, order_id, patient_id, batch_id, category, kind, planned_start_time,
			assigned_nurse_id, status, data_payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		t.ID, t.OrderID, t.PatientID, t.BatchID, t.Category, t.Kind, t.PlannedStartTime,
		t.AssignedNurseID, t.Status, t.DataPayload).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *taskRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Task, error) {
	t, err := scanTask(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+taskCols+` FROM execution_task WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("get task", "task %s does not exist", id)
	}
	return t, err
}

func (r *taskRepoPG) Update(ctx context.Context, t *Task, expected Status) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE execution_task SET status=$3, executor_id=$4, completer_id=$5,
			actual_start_time=$6, actual_end_time=$7, stop_reason=$8, result_payload=$9,
			assigned_nurse_id=$10, updated_at=NOW()
		WHERE id = $1 AND status = $2`,
		t.ID, expected, t.Status, t.ExecutorID, t.CompleterID,
		t.ActualStartTime, t.ActualEndTime, t.StopReason, t.ResultPayload, t.AssignedNurseID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("update task", "task %s is no longer %s", t.ID, expected)
	}
	return nil
}

func (r *taskRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Task, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.OrderID != nil {
		add("order_id = $%d", *f.OrderID)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.NurseID != nil {
		add("assigned_nurse_id = $%d", *f.NurseID)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", statusStrings(f.Statuses))
	}
	if f.From != nil {
		add("planned_start_time >= $%d", *f.From)
	}
	if f.To != nil {
		add("planned_start_time < $%d", *f.To)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM execution_task`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT `+taskCols+` FROM execution_task%s
		ORDER BY planned_start_time, kind DESC LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collect(rows)
	return items, total, err
}

func (r *taskRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Task, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+taskCols+` FROM execution_task
		WHERE order_id = $1 ORDER BY planned_start_time, kind DESC`, orderID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *taskRepoPG) CountByStatus(ctx context.Context, orderID uuid.UUID, statuses ...Status) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM execution_task
		WHERE order_id = $1 AND status = ANY($2) AND NOT is_rolled_back`,
		orderID, statusStrings(statuses)).Scan(&n)
	return n, err
}

func (r *taskRepoPG) RollbackPending(ctx context.Context, orderID uuid.UUID, reason string) (int, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE execution_task SET status = 'stopped', stop_reason = $2, is_rolled_back = TRUE, updated_at = NOW()
		WHERE order_id = $1 AND status = 'pending' AND actual_start_time IS NULL`, orderID, reason)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *taskRepoPG) LockFrom(ctx context.Context, orderID uuid.UUID, cutoff time.Time) (int, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE execution_task SET status_before_locking = status, status = 'order_stopping', updated_at = NOW()
		WHERE order_id = $1 AND planned_start_time >= $2
			AND status IN ('applied_confirmed', 'pending', 'in_progress')`, orderID, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *taskRepoPG) StopLocked(ctx context.Context, orderID uuid.UUID, reason string) (int, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE execution_task SET status = 'stopped', status_before_locking = NULL, stop_reason = $2, updated_at = NOW()
		WHERE order_id = $1 AND status = 'order_stopping'`, orderID, reason)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *taskRepoPG) RestoreLocked(ctx context.Context, orderID uuid.UUID) (int, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE execution_task SET status = status_before_locking, status_before_locking = NULL, updated_at = NOW()
		WHERE order_id = $1 AND status = 'order_stopping' AND status_before_locking IS NOT NULL`, orderID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *taskRepoPG) SetAssignedNurse(ctx context.Context, id uuid.UUID, nurseID *uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE execution_task SET assigned_nurse_id = $2, updated_at = NOW() WHERE id = $1`, id, nurseID)
	return err
}

func (r *taskRepoPG) SetLabel(ctx context.Context, id, blobID uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE execution_task SET label_blob_id = $2, updated_at = NOW() WHERE id = $1`, id, blobID)
	return err
}

func (r *taskRepoPG) ListPendingBetween(ctx context.Context, from, to time.Time) ([]*Task, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+taskCols+` FROM execution_task
		WHERE status = 'pending' AND planned_start_time >= $1 AND planned_start_time < $2
		ORDER BY planned_start_time`, from, to)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *taskRepoPG) ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Task, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+taskCols+` FROM execution_task
		WHERE status = 'pending' AND reminded_at IS NULL AND planned_start_time < $1
		ORDER BY planned_start_time LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *taskRepoPG) MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE execution_task SET reminded_at = $2 WHERE id = $1 AND reminded_at IS NULL`, id, at)
	return err
}
