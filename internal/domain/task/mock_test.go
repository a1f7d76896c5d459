package task

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/careorders/internal/domain/order"
	"github.com/ehr/careorders/internal/domain/roster"
	"github.com/ehr/careorders/internal/platform/apperr"
	"github.com/ehr/careorders/internal/platform/db"
	"github.com/ehr/careorders/internal/platform/notification"
)

// -- Mock Repositories --

type mockTaskRepo struct {
	mu        sync.Mutex
	store     map[uuid.UUID]*Task
	failAfter int // Create fails once this many tasks are stored; 0 disables
	created   int
}

func newMockTaskRepo() *mockTaskRepo {
	return &mockTaskRepo{store: make(map[uuid.UUID]*Task)}
}

func (m *mockTaskRepo) Create(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAfter > 0 && m.created >= m.failAfter {
		return errors.New("disk full")
	}
	m.created++
	t.ID = uuid.New()
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	c := *t
	m.store[t.ID] = &c
	return nil
}

func (m *mockTaskRepo) GetByID(_ context.Context, id uuid.UUID) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.store[id]
	if !ok {
		return nil, apperr.NotFound("get task", "task %s does not exist", id)
	}
	c := *t
	return &c, nil
}

func (m *mockTaskRepo) Update(_ context.Context, t *Task, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.store[t.ID]
	if !ok || cur.Status != expected {
		return apperr.Conflict("update task", "task %s is no longer %s", t.ID, expected)
	}
	c := *t
	m.store[t.ID] = &c
	return nil
}

func (m *mockTaskRepo) sorted(keep func(t *Task) bool) []*Task {
	var out []*Task
	for _, t := range m.store {
		if keep(t) {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PlannedStartTime.Equal(out[j].PlannedStartTime) {
			return out[i].PlannedStartTime.Before(out[j].PlannedStartTime)
		}
		return out[i].Kind == KindRetrieve && out[j].Kind != KindRetrieve
	})
	return out
}

func (m *mockTaskRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Task, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(t *Task) bool {
		return (f.OrderID == nil || t.OrderID == *f.OrderID) &&
			(f.PatientID == nil || t.PatientID == *f.PatientID) &&
			(f.NurseID == nil || (t.AssignedNurseID != nil && *t.AssignedNurseID == *f.NurseID))
	})
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *mockTaskRepo) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(t *Task) bool { return t.OrderID == orderID }), nil
}

func (m *mockTaskRepo) CountByStatus(_ context.Context, orderID uuid.UUID, statuses ...Status) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.store {
		if t.OrderID != orderID || t.IsRolledBack {
			continue
		}
		for _, s := range statuses {
			if t.Status == s {
				n++
			}
		}
	}
	return n, nil
}

func (m *mockTaskRepo) RollbackPending(_ context.Context, orderID uuid.UUID, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.store {
		if t.OrderID == orderID && t.Status == StatusPending && t.ActualStartTime == nil {
			r := reason
			t.Status, t.StopReason, t.IsRolledBack = StatusStopped, &r, true
			n++
		}
	}
	return n, nil
}

func (m *mockTaskRepo) LockFrom(_ context.Context, orderID uuid.UUID, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.store {
		if t.OrderID == orderID && !t.PlannedStartTime.Before(cutoff) && t.Status.Lockable() {
			before := t.Status
			t.StatusBeforeLocking = &before
			t.Status = StatusOrderStopping
			n++
		}
	}
	return n, nil
}

func (m *mockTaskRepo) StopLocked(_ context.Context, orderID uuid.UUID, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.store {
		if t.OrderID == orderID && t.Status == StatusOrderStopping {
			r := reason
			t.Status, t.StatusBeforeLocking, t.StopReason = StatusStopped, nil, &r
			n++
		}
	}
	return n, nil
}

func (m *mockTaskRepo) RestoreLocked(_ context.Context, orderID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.store {
		if t.OrderID == orderID && t.Status == StatusOrderStopping && t.StatusBeforeLocking != nil {
			t.Status, t.StatusBeforeLocking = *t.StatusBeforeLocking, nil
			n++
		}
	}
	return n, nil
}

func (m *mockTaskRepo) SetAssignedNurse(_ context.Context, id uuid.UUID, nurseID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[id].AssignedNurseID = nurseID
	return nil
}

func (m *mockTaskRepo) SetLabel(_ context.Context, id, blobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[id].LabelBlobID = &blobID
	return nil
}

func (m *mockTaskRepo) ListPendingBetween(_ context.Context, from, to time.Time) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(t *Task) bool {
		return t.Status == StatusPending && !t.PlannedStartTime.Before(from) && t.PlannedStartTime.Before(to)
	}), nil
}

func (m *mockTaskRepo) ListOverdue(_ context.Context, before time.Time, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(t *Task) bool {
		return t.Status == StatusPending && t.RemindedAt == nil && t.PlannedStartTime.Before(before)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockTaskRepo) MarkReminded(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[id].RemindedAt = &at
	return nil
}

// byOrder returns the stored tasks of an order in planned order.
func (m *mockTaskRepo) byOrder(orderID uuid.UUID) []*Task {
	tasks, _ := m.ListByOrder(context.Background(), orderID)
	return tasks
}

type mockOrderRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*order.Order
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{store: make(map[uuid.UUID]*order.Order)}
}

func (m *mockOrderRepo) Create(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	c := *o
	m.store[o.ID] = &c
	return nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id uuid.UUID) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.store[id]
	if !ok {
		return nil, apperr.NotFound("get order", "order %s does not exist", id)
	}
	c := *o
	return &c, nil
}

func (m *mockOrderRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	return m.GetByID(ctx, id)
}

func (m *mockOrderRepo) Update(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *o
	m.store[o.ID] = &c
	return nil
}

func (m *mockOrderRepo) List(_ context.Context, _ order.ListFilter, _, _ int) ([]*order.Order, int, error) {
	return nil, 0, nil
}

func (m *mockOrderRepo) ListByStatus(_ context.Context, statuses ...order.Status) ([]*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*order.Order
	for _, o := range m.store {
		for _, s := range statuses {
			if o.Status == s {
				c := *o
				out = append(out, &c)
			}
		}
	}
	return out, nil
}

type mockHistoryRepo struct {
	mu    sync.Mutex
	items []*order.StatusHistory
}

func (m *mockHistoryRepo) Append(_ context.Context, h *order.StatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, h)
	return nil
}

func (m *mockHistoryRepo) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*order.StatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*order.StatusHistory
	for _, h := range m.items {
		if h.OrderID == orderID {
			out = append(out, h)
		}
	}
	return out, nil
}

// -- Fake collaborators --

type fakeSlots struct {
	slots []roster.Slot
	err   error
}

func (f fakeSlots) ListSlots(context.Context) ([]roster.Slot, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.slots == nil {
		return roster.DefaultSlots, nil
	}
	return f.slots, nil
}

type fakeNurses struct {
	nurse uuid.UUID
	err   error
}

func (f fakeNurses) CalculateResponsibleNurse(context.Context, uuid.UUID, time.Time) (*uuid.UUID, error) {
	if f.err != nil {
		return nil, f.err
	}
	n := f.nurse
	return &n, nil
}

type fakePrinter struct{ err error }

func (f fakePrinter) Print(context.Context, string, uuid.UUID) (uuid.UUID, error) {
	if f.err != nil {
		return uuid.Nil, f.err
	}
	return uuid.New(), nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, templateID string, _ *notification.Message, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, templateID)
	return nil
}

// -- Fixture --

type fixture struct {
	now    time.Time
	tasks  *mockTaskRepo
	orders *mockOrderRepo
	svc    *order.Service
	mgr    *Manager
	stops  *StopCoordinator
}

var (
	testDoctor = uuid.MustParse("00000000-0000-0000-0000-00000000d0c7")
	testNurse  = uuid.MustParse("00000000-0000-0000-0000-0000000a0a5e")
)

func newFixture(now time.Time) *fixture {
	f := &fixture{now: now, tasks: newMockTaskRepo(), orders: newMockOrderRepo()}
	f.svc = order.NewService(f.orders, &mockHistoryRepo{}, db.NoTx{}, zerolog.Nop())
	exp := NewExpander(fakeSlots{}, time.Minute, time.UTC, zerolog.Nop())
	f.mgr = NewManager(f.tasks, f.svc, exp, db.NoTx{}, zerolog.Nop())
	f.mgr.now = func() time.Time { return f.now }
	f.svc.SetTaskLifecycle(f.mgr)
	f.stops = NewStopCoordinator(f.tasks, f.svc, db.NoTx{}, zerolog.Nop())
	return f
}

// cyclicOrder stores an order administered every hours from start to end.
func (f *fixture) cyclicOrder(status order.Status, start time.Time, span time.Duration, hours float64) *order.Order {
	h := hours
	s := start
	nurse := testNurse
	o := &order.Order{
		ID:             uuid.New(),
		Kind:           order.KindMedication,
		PatientID:      uuid.New(),
		DoctorID:       testDoctor,
		NurseID:        &nurse,
		Status:         status,
		TimingStrategy: order.StrategyCyclic,
		StartTime:      &s,
		PlanEndTime:    start.Add(span),
		IntervalHours:  &h,
		IntervalDays:   1,
		UsageRoute:     order.RouteOral,
		Items:          []order.Item{{Name: "amoxicillin", Dose: "500", Unit: "mg"}},
	}
	_ = f.orders.Create(context.Background(), o)
	return o
}

func (f *fixture) order(id uuid.UUID) *order.Order {
	o, _ := f.orders.GetByID(context.Background(), id)
	return o
}

func count(tasks []*Task, keep func(t *Task) bool) int {
	n := 0
	for _, t := range tasks {
		if keep(t) {
			n++
		}
	}
	return n
}
