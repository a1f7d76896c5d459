package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/careorders/internal/domain/order"
)

// Category decides how a task is completed.
type Category string

const (
	CategoryImmediate     Category = "immediate"
	CategoryDuration      Category = "duration"
	CategoryResultPending Category = "result_pending"
	CategoryVerification  Category = "verification"
	// Reserved for charting and print-on-apply workflows.
	CategoryDataCollection       Category = "data_collection"
	CategoryApplicationWithPrint Category = "application_with_print"
)

// TwoStep reports whether the task must be started before it is completed.
func (c Category) TwoStep() bool {
	return c == CategoryDuration || c == CategoryResultPending || c == CategoryDataCollection
}

// NeedsResult reports whether completion requires a result payload.
func (c Category) NeedsResult() bool {
	return c == CategoryResultPending || c == CategoryDataCollection
}

// Kind tells the retrieve step (fetch and verify the item) from the administration.
type Kind string

const (
	KindRetrieve   Kind = "retrieve"
	KindAdminister Kind = "administer"
)

type Status string

const (
	StatusAppliedConfirmed Status = "applied_confirmed"
	StatusPending          Status = "pending"
	StatusInProgress       Status = "in_progress"
	StatusCompleted        Status = "completed"
	StatusStopped          Status = "stopped"
	StatusOrderStopping    Status = "order_stopping"
)

func (s Status) IsTerminal() bool { return s == StatusCompleted || s == StatusStopped }

// Lockable statuses are snapshotted and locked by a stop request.
func (s Status) Lockable() bool {
	return s == StatusAppliedConfirmed || s == StatusPending || s == StatusInProgress
}

// unresolved statuses block a new generation for the same order.
var unresolved = []Status{StatusPending, StatusInProgress}

// Task maps to the execution_task table. Rows are never deleted.
type Task struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	OrderID             uuid.UUID       `db:"order_id" json:"order_id"`
	PatientID           uuid.UUID       `db:"patient_id" json:"patient_id"`
	BatchID             uuid.UUID       `db:"batch_id" json:"batch_id"`
	Category            Category        `db:"category" json:"category"`
	Kind                Kind            `db:"kind" json:"kind"`
	PlannedStartTime    time.Time       `db:"planned_start_time" json:"planned_start_time"`
	AssignedNurseID     *uuid.UUID      `db:"assigned_nurse_id" json:"assigned_nurse_id,omitempty"`
	ExecutorID          *uuid.UUID      `db:"executor_id" json:"executor_id,omitempty"`
	CompleterID         *uuid.UUID      `db:"completer_id" json:"completer_id,omitempty"`
	ActualStartTime     *time.Time      `db:"actual_start_time" json:"actual_start_time,omitempty"`
	ActualEndTime       *time.Time      `db:"actual_end_time" json:"actual_end_time,omitempty"`
	Status              Status          `db:"status" json:"status"`
	StatusBeforeLocking *Status         `db:"status_before_locking" json:"status_before_locking,omitempty"`
	IsRolledBack        bool            `db:"is_rolled_back" json:"is_rolled_back"`
	StopReason          *string         `db:"stop_reason" json:"stop_reason,omitempty"`
	DataPayload         json.RawMessage `db:"data_payload" json:"data_payload"`
	ResultPayload       json.RawMessage `db:"result_payload" json:"result_payload,omitempty"`
	LabelBlobID         *uuid.UUID      `db:"label_blob_id" json:"label_blob_id,omitempty"`
	RemindedAt          *time.Time      `db:"reminded_at" json:"reminded_at,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// Spec is one task the expander wants created.
type Spec struct {
	Category         Category
	Kind             Kind
	PlannedStartTime time.Time
	DataPayload      json.RawMessage
}

// Payload is the machine-readable description carried by DataPayload.
type Payload struct {
	Kind      Kind         `json:"kind"`
	OrderID   uuid.UUID    `json:"order_id"`
	OrderKind order.Kind   `json:"order_kind"`
	Route     order.Route  `json:"route"`
	Items     []order.Item `json:"items"`
}

// GenerateResult reports a generation run. Warnings explain skipped work.
type GenerateResult struct {
	OrderID  uuid.UUID `json:"order_id"`
	BatchID  uuid.UUID `json:"batch_id"`
	Saved    int       `json:"saved"`
	Failed   int       `json:"failed"`
	Warnings []string  `json:"warnings,omitempty"`
	Tasks    []*Task   `json:"tasks,omitempty"`
}

// RefreshResult is a rollback followed by a generation.
type RefreshResult struct {
	RolledBack int             `json:"rolled_back"`
	Generated  *GenerateResult `json:"generated,omitempty"`
}

// hasResult treats JSON null, empty objects, arrays and strings as no result.
func hasResult(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case nil:
		return false
	case map[string]interface{}:
		return len(x) > 0
	case []interface{}:
		return len(x) > 0
	case string:
		return x != ""
	}
	return true
}
