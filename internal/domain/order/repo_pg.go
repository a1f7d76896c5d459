package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/careorders/internal/platform/apperr"
	"github.com/ehr/careorders/internal/platform/db"
)

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) Repository {
	return &orderRepoPG{pool: pool}
}

const orderCols = `id, kind, patient_id, doctor_id, nurse_id, status, timing_strategy,
	start_time, plan_end_time, interval_hours, interval_days, slots_mask, usage_route,
	items, payload, created_at, created_by, submitted_at, submitted_by,
	signed_at, signed_by, rejected_at, rejected_by, reject_reason,
	stop_requested_at, stop_requested_by, stop_reason, stop_confirmed_at, stop_confirmed_by,
	cancelled_at, cancelled_by, completed_at, completed_by, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.Kind, &o.PatientID, &o.DoctorID, &o.NurseID, &o.Status, &o.TimingStrategy,
		&o.StartTime, &o.PlanEndTime, &o.IntervalHours, &o.IntervalDays, &o.SlotsMask, &o.UsageRoute,
		&o.Items, &o.Payload, &o.CreatedAt, &o.CreatedBy, &o.SubmittedAt, &o.SubmittedBy,
		&o.SignedAt, &o.SignedBy, &o.RejectedAt, &o.RejectedBy, &o.RejectReason,
		&o.StopRequestedAt, &o.StopRequestedBy, &o.StopReason, &o.StopConfirmedAt, &o.StopConfirmedBy,
		&o.CancelledAt, &o.CancelledBy, &o.CompletedAt, &o.CompletedBy, &o.UpdatedAt)
	return &o, err
}

func notFound(op string, id uuid.UUID, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(op, "order %s does not exist", id)
	}
	return err
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order) error {
	o.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO care_order (id, kind, patient_id, doctor_id, nurse_id, status, timing_strategy,
			start_time, plan_end_time, interval_hours, interval_days, slots_mask, usage_route,
			items, payload, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		o.ID, o.Kind, o.PatientID, o.DoctorID, o.NurseID, o.Status, o.TimingStrategy,
		o.StartTime, o.PlanEndTime, o.IntervalHours, o.IntervalDays, o.SlotsMask, o.UsageRoute,
		o.Items, o.Payload, o.CreatedBy).Scan(&o.CreatedAt, &o.UpdatedAt)
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+orderCols+` FROM care_order WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("get order", id, err)
	}
	return o, nil
}

func (r *orderRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+orderCols+` FROM care_order WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound("lock order", id, err)
	}
	return o, nil
}

func (r *orderRepoPG) Update(ctx context.Context, o *Order) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE care_order SET nurse_id=$2, status=$3, timing_strategy=$4, start_time=$5, plan_end_time=$6,
			interval_hours=$7, interval_days=$8, slots_mask=$9, usage_route=$10, items=$11, payload=$12,
			submitted_at=$13, submitted_by=$14, signed_at=$15, signed_by=$16,
			rejected_at=$17, rejected_by=$18, reject_reason=$19,
			stop_requested_at=$20, stop_requested_by=$21, stop_reason=$22,
			stop_confirmed_at=$23, stop_confirmed_by=$24, cancelled_at=$25, cancelled_by=$26,
			completed_at=$27, completed_by=$28, updated_at=NOW()
		WHERE id = $1`,
		o.ID, o.NurseID, o.Status, o.TimingStrategy, o.StartTime, o.PlanEndTime,
		o.IntervalHours, o.IntervalDays, o.SlotsMask, o.UsageRoute, o.Items, o.Payload,
		o.SubmittedAt, o.SubmittedBy, o.SignedAt, o.SignedBy,
		o.RejectedAt, o.RejectedBy, o.RejectReason,
		o.StopRequestedAt, o.StopRequestedBy, o.StopReason,
		o.StopConfirmedAt, o.StopConfirmedBy, o.CancelledAt, o.CancelledBy,
		o.CompletedAt, o.CompletedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("update order", "order %s does not exist", o.ID)
	}
	return nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (r *orderRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Order, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.DoctorID != nil {
		add("doctor_id = $%d", *f.DoctorID)
	}
	if f.NurseID != nil {
		add("nurse_id = $%d", *f.NurseID)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", statusStrings(f.Statuses))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM care_order`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT `+orderCols+` FROM care_order%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

func (r *orderRepoPG) ListByStatus(ctx context.Context, statuses ...Status) ([]*Order, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+orderCols+` FROM care_order WHERE status = ANY($1) ORDER BY created_at`, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}

type historyRepoPG struct{ pool *pgxpool.Pool }

func NewHistoryRepoPG(pool *pgxpool.Pool) HistoryRepository {
	return &historyRepoPG{pool: pool}
}

func (r *historyRepoPG) Append(ctx context.Context, h *StatusHistory) error {
	h.ID = uuid.New()
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO order_status_history (id, order_id, from_status, to_status, actor, at, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		h.ID, h.OrderID, h.FromStatus, h.ToStatus, h.Actor, h.At, h.Reason)
	return err
}

func (r *historyRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*StatusHistory, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, order_id, from_status, to_status, actor, at, reason
		FROM order_status_history WHERE order_id = $1 ORDER BY at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StatusHistory
	for rows.Next() {
		var h StatusHistory
		if err := rows.Scan(&h.ID, &h.OrderID, &h.FromStatus, &h.ToStatus, &h.Actor, &h.At, &h.Reason); err != nil {
			return nil, err
		}
		items = append(items, &h)
	}
	return items, rows.Err()
}
