package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/careorders/internal/domain/order"
	"github.com/ehr/careorders/internal/domain/roster"
	"github.com/ehr/careorders/internal/platform/apperr"
	"github.com/ehr/careorders/internal/platform/besteffort"
	"github.com/ehr/careorders/internal/platform/db"
	"github.com/ehr/careorders/internal/platform/lock"
	"github.com/ehr/careorders/internal/platform/metrics"
	"github.com/ehr/careorders/internal/platform/notification"
)

// ErrRefreshIncomplete means a refresh rolled back the pending tasks but
// could not generate their replacements. Retrying the refresh is safe.
var ErrRefreshIncomplete = errors.New("refresh incomplete: tasks rolled back but not regenerated")

// LabelTable is the record type labels are rendered for.
const LabelTable = "execution_task"

// LabelPrinter renders and stores a label, returning the stored blob id.
type LabelPrinter interface {
	Print(ctx context.Context, tableName string, recordID uuid.UUID) (uuid.UUID, error)
}

// Notifier delivers templated messages to nurses.
type Notifier interface {
	Send(ctx context.Context, templateID string, msg *notification.Message, data map[string]string) error
}

// Manager owns the task lifecycle of orders: generation, rollback, refresh
// and the nurse actions on individual tasks.
type Manager struct {
	tasks    Repository
	orders   *order.Service
	expander *Expander
	tx       db.TxRunner
	nurses   roster.NurseAssigner
	labels   LabelPrinter
	notifier Notifier
	locker   lock.Locker
	metrics  *metrics.Metrics
	grace    time.Duration
	lockTTL  time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func NewManager(tasks Repository, orders *order.Service, expander *Expander, tx db.TxRunner, logger zerolog.Logger) *Manager {
	return &Manager{
		tasks:    tasks,
		orders:   orders,
		expander: expander,
		tx:       tx,
		locker:   lock.NewMemoryLocker(),
		grace:    5 * time.Minute,
		lockTTL:  30 * time.Second,
		logger:   logger.With().Str("component", "tasks").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetNurseAssigner(n roster.NurseAssigner) { m.nurses = n }
func (m *Manager) SetLabelPrinter(p LabelPrinter)          { m.labels = p }
func (m *Manager) SetNotifier(n Notifier)                  { m.notifier = n }
func (m *Manager) SetMetrics(mt *metrics.Metrics)          { m.metrics = mt }
func (m *Manager) SetGenerationGrace(d time.Duration)      { m.grace = d }

// SetLocker replaces the in-process generation lock, e.g. with a Redis
// locker shared by several replicas. A non-positive ttl keeps the current lease.
func (m *Manager) SetLocker(l lock.Locker, ttl time.Duration) {
	m.locker = l
	if ttl > 0 {
		m.lockTTL = ttl
	}
}

func lockKey(orderID uuid.UUID) string { return "generate:" + orderID.String() }

// Generate expands the order's timing into tasks and stores them. Labels and
// nurse assignment are attempted per task and never fail the run.
func (m *Manager) Generate(ctx context.Context, orderID uuid.UUID) (*GenerateResult, error) {
	return m.generate(ctx, orderID, time.Time{})
}

// generate only keeps instants after floor when floor is later than now.
func (m *Manager) generate(ctx context.Context, orderID uuid.UUID, floor time.Time) (*GenerateResult, error) {
	const op = "generate tasks"
	o, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.IsTerminal() {
		return nil, apperr.InvalidState(op, "order %s is %s", orderID, o.Status)
	}
	if o.Status != order.StatusAccepted && o.Status != order.StatusInProgress {
		return nil, apperr.InvalidState(op, "order %s in status %s does not take tasks", orderID, o.Status)
	}
	now := m.now()
	if err := order.ValidateOrderFields(o, now, m.grace); err != nil {
		m.metrics.GenerationFailed("validation")
		return nil, err
	}

	release, err := m.locker.Acquire(ctx, lockKey(orderID), m.lockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return nil, apperr.Conflict(op, "tasks for order %s are already being generated", orderID)
	}
	if err != nil {
		return nil, apperr.Persistence(op, fmt.Errorf("acquire generation lock: %w", err))
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn().Err(err).Str("order_id", orderID.String()).Msg("release generation lock")
		}
	}()

	open, err := m.tasks.CountByStatus(ctx, orderID, unresolved...)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	if open > 0 {
		m.metrics.GenerationFailed("conflict")
		return nil, apperr.Conflict(op, "order %s still has %d unresolved tasks", orderID, open)
	}

	after := now
	if floor.After(after) {
		after = floor
	}
	specs, err := m.expander.Expand(ctx, o, after)
	if err != nil {
		m.metrics.GenerationFailed("expand")
		return nil, apperr.Persistence(op, err)
	}
	res := &GenerateResult{OrderID: orderID, BatchID: uuid.New()}
	log := m.logger.With().Str("order_id", orderID.String()).Str("batch_id", res.BatchID.String()).Logger()
	if len(specs) == 0 {
		res.Warnings = append(res.Warnings, "no future execution times fall within the plan")
		log.Warn().Str("strategy", string(o.TimingStrategy)).Msg("order expanded to no tasks")
		return res, nil
	}

	var lastErr error
	for _, s := range specs {
		t := &Task{
			OrderID:          o.ID,
			PatientID:        o.PatientID,
			BatchID:          res.BatchID,
			Category:         s.Category,
			Kind:             s.Kind,
			PlannedStartTime: s.PlannedStartTime,
			AssignedNurseID:  o.NurseID,
			Status:           StatusPending,
			DataPayload:      s.DataPayload,
		}
		if err := m.tasks.Create(ctx, t); err != nil {
			lastErr = err
			res.Failed++
			log.Error().Err(err).Time("planned", s.PlannedStartTime).Msg("save task")
			continue
		}
		res.Saved++
		res.Tasks = append(res.Tasks, t)
	}
	if res.Saved == 0 {
		m.metrics.GenerationFailed("persistence")
		return nil, apperr.Persistence(op, lastErr)
	}
	if res.Failed > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d of %d tasks could not be saved", res.Failed, len(specs)))
	}

	for _, t := range res.Tasks {
		m.decorate(ctx, t, res)
	}
	m.metrics.TasksGenerated(string(o.TimingStrategy), res.Saved)
	log.Info().Int("saved", res.Saved).Int("failed", res.Failed).Msg("tasks generated")
	return res, nil
}

// decorate prints the task label and picks the nurse on shift at the
// planned time. Failures become warnings.
func (m *Manager) decorate(ctx context.Context, t *Task, res *GenerateResult) {
	if m.labels != nil {
		ok := besteffort.Do(ctx, m.logger, "print task label", func(ctx context.Context) error {
			blobID, err := m.labels.Print(ctx, LabelTable, t.ID)
			if err != nil {
				return err
			}
			if err := m.tasks.SetLabel(ctx, t.ID, blobID); err != nil {
				return err
			}
			t.LabelBlobID = &blobID
			return nil
		})
		if !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("label for task %s was not printed", t.ID))
		}
	}
	if m.nurses != nil {
		ok := besteffort.Do(ctx, m.logger, "assign task nurse", func(ctx context.Context) error {
			return m.assign(ctx, t)
		})
		if !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("nurse for task %s was not assigned", t.ID))
		}
	}
}

// assign stores the nurse on shift at the task's planned time. A roster gap
// leaves the current assignment alone.
func (m *Manager) assign(ctx context.Context, t *Task) error {
	nurse, err := m.nurses.CalculateResponsibleNurse(ctx, t.PatientID, t.PlannedStartTime)
	if err != nil || nurse == nil {
		return err
	}
	if t.AssignedNurseID != nil && *t.AssignedNurseID == *nurse {
		return nil
	}
	if err := m.tasks.SetAssignedNurse(ctx, t.ID, nurse); err != nil {
		return err
	}
	t.AssignedNurseID = nurse
	return nil
}

// Rollback stops every pending task of the order that was never started.
// Running it twice stops nothing the second time.
func (m *Manager) Rollback(ctx context.Context, orderID uuid.UUID, reason string, actor uuid.UUID) (int, error) {
	const op = "rollback tasks"
	if reason == "" {
		return 0, apperr.Validation(op, "a rollback reason is required")
	}
	n, err := m.tasks.RollbackPending(ctx, orderID, reason)
	if err != nil {
		return 0, apperr.Persistence(op, err)
	}
	m.metrics.TasksRolledBack(n)
	m.logger.Info().Str("order_id", orderID.String()).Str("actor", actor.String()).Int("rolled_back", n).Msg("tasks rolled back")
	return n, nil
}

// Refresh replaces the pending tasks of an order after it was edited.
// Orders with started or locked tasks are refused before anything changes.
func (m *Manager) Refresh(ctx context.Context, orderID uuid.UUID, reason string, actor uuid.UUID) (*RefreshResult, error) {
	const op = "refresh tasks"
	if reason == "" {
		return nil, apperr.Validation(op, "a refresh reason is required")
	}
	busy, err := m.tasks.CountByStatus(ctx, orderID, StatusInProgress, StatusOrderStopping)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	if busy > 0 {
		return nil, apperr.Conflict(op, "order %s has %d tasks in progress or locked", orderID, busy)
	}
	rolled, err := m.Rollback(ctx, orderID, reason, actor)
	if err != nil {
		return nil, err
	}
	res := &RefreshResult{RolledBack: rolled}
	gen, err := m.Generate(ctx, orderID)
	if err != nil {
		m.logger.Error().Err(err).Str("order_id", orderID.String()).Int("rolled_back", rolled).Msg("refresh left order without tasks")
		return res, fmt.Errorf("%w: %w", ErrRefreshIncomplete, err)
	}
	res.Generated = gen
	return res, nil
}

// Progress counts the order's tasks that were not rolled back.
func (m *Manager) Progress(ctx context.Context, orderID uuid.UUID) (order.TaskProgress, error) {
	const op = "task progress"
	var p order.TaskProgress
	var err error
	if p.Completed, err = m.tasks.CountByStatus(ctx, orderID, StatusCompleted); err != nil {
		return p, apperr.Persistence(op, err)
	}
	open := []Status{StatusAppliedConfirmed, StatusPending, StatusInProgress, StatusOrderStopping}
	if p.Unresolved, err = m.tasks.CountByStatus(ctx, orderID, open...); err != nil {
		return p, apperr.Persistence(op, err)
	}
	if p.Stopped, err = m.tasks.CountByStatus(ctx, orderID, StatusStopped); err != nil {
		return p, apperr.Persistence(op, err)
	}
	p.Total = p.Completed + p.Unresolved + p.Stopped
	return p, nil
}

func summary(g *GenerateResult) *order.TaskSummary {
	if g == nil {
		return nil
	}
	return &order.TaskSummary{Saved: g.Saved, Failed: g.Failed, Warnings: g.Warnings}
}

// GenerateTasks adapts Generate for the order service.
func (m *Manager) GenerateTasks(ctx context.Context, orderID uuid.UUID) (*order.TaskSummary, error) {
	g, err := m.Generate(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return summary(g), nil
}

func (m *Manager) RollbackTasks(ctx context.Context, orderID uuid.UUID, reason string, actor uuid.UUID) (int, error) {
	return m.Rollback(ctx, orderID, reason, actor)
}

func (m *Manager) RefreshTasks(ctx context.Context, orderID uuid.UUID, reason string, actor uuid.UUID) (*order.TaskSummary, error) {
	r, err := m.Refresh(ctx, orderID, reason, actor)
	if r == nil {
		return nil, err
	}
	s := summary(r.Generated)
	if s == nil {
		s = &order.TaskSummary{}
	}
	s.RolledBack = r.RolledBack
	return s, err
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	t, err := m.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, persistence("get task", err)
	}
	return t, nil
}

func (m *Manager) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Task, int, error) {
	items, total, err := m.tasks.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, persistence("list tasks", err)
	}
	return items, total, nil
}

func (m *Manager) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Task, error) {
	items, err := m.tasks.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, persistence("list order tasks", err)
	}
	return items, nil
}

// persistence keeps typed errors from the repository and wraps the rest.
func persistence(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Persistence(op, err)
}
