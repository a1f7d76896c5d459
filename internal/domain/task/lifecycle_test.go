package task

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/careorders/internal/domain/order"
	"github.com/ehr/careorders/internal/platform/apperr"
	"github.com/ehr/careorders/internal/platform/lock"
)

var testNow = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

func TestGenerate_Cyclic(t *testing.T) {
	f := newFixture(testNow)
	o := f.cyclicOrder(order.StatusAccepted, testNow.Add(2*time.Hour), 24*time.Hour, 8)

	res, err := f.mgr.Generate(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Saved != 8 || res.Failed != 0 {
		t.Fatalf("expected 8 saved, got %d saved %d failed", res.Saved, res.Failed)
	}
	stored := f.tasks.byOrder(o.ID)
	if len(stored) != 8 {
		t.Fatalf("expected 8 stored tasks, got %d", len(stored))
	}
	for _, tk := range stored {
		if tk.Status != StatusPending || tk.BatchID != res.BatchID || tk.PatientID != o.PatientID {
			t.Errorf("unexpected task %+v", tk)
		}
		if tk.AssignedNurseID == nil || *tk.AssignedNurseID != testNurse {
			t.Errorf("expected the order's nurse on task %s", tk.ID)
		}
	}
}

func TestGenerate_ValidationPersistsNothing(t *testing.T) {
	f := newFixture(testNow)
	o := f.cyclicOrder(order.StatusAccepted, testNow.Add(time.Hour), 24*time.Hour, 8)
	strategy, err := order.ParseStrategy("CYCLIC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o.TimingStrategy = strategy
	o.IntervalHours = nil
	_ = f.orders.Update(context.Background(), o)

	_, err = f.mgr.Generate(context.Background(), o.ID)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "interval") {
		t.Errorf("expected message to mention the interval, got %q", err.Error())
	}
	if n := len(f.tasks.byOrder(o.ID)); n != 0 {
		t.Errorf("expected no tasks persisted, got %d", n)
	}
}

func TestGenerate_OrderState(t *testing.T) {
	f := newFixture(testNow)
	if _, err := f.mgr.Generate(context.Background(), uuid.New()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	for _, st := range []order.Status{order.StatusStopped, order.StatusCompleted, order.StatusDraft, order.StatusPendingStop} {
		o := f.cyclicOrder(st, testNow.Add(time.Hour), 24*time.Hour, 8)
		if _, err := f.mgr.Generate(context.Background(), o.ID); !errors.Is(err, apperr.ErrInvalidState) {
			t.Errorf("%s: expected invalid state, got %v", st, err)
		}
	}
}

func TestGenerate_ConflictWithUnresolvedTasks(t *testing.T) {
	f := newFixture(testNow)
	o := f.cyclicOrder(order.StatusAccepted, testNow.Add(time.Hour), 24*time.Hour, 8)
	if _, err := f.mgr.Generate(context.Background(), o.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.mgr.Generate(context.Background(), o.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if n := len(f.tasks.byOrder(o.ID)); n != 8 {
		t.Errorf("expected the first generation only, got %d tasks", n)
	}
}

func TestGenerate_ConcurrentRunIsRefused(t *testing.T) {
	f := newFixture(testNow)
	locker := lock.NewMemoryLocker()
	f.mgr.SetLocker(locker, 0)
	o := f.cyclicOrder(order.StatusAccepted, testNow.Add(time.Hour), 24*time.Hour, 8)

	release, err := locker.Acquire(context.Background(), lockKey(o.ID), time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := f.mgr.Generate(context.Background(), o.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict while locked, got %v", err)
	}
	_ = release(context.Background())
	if _, err := f.mgr.Generate(context.Background(), o.ID); err != nil {
		t.Fatalf("expected success after release, got %v", err)
	}
}

func TestGenerate_NothingToSchedule(t *testing.T) {
	f := newFixture(testNow)
	o := f.cyclicOrder(order.StatusAccepted, testNow.Add(-3*time.Hour), 2*time.Hour+59*time.Minute, 8)
	res, err := f.mgr.Generate(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Saved != 0 || len(res.Warnings) == 0 {
		t.Errorf("expected an empty run with a warning, got %+v", res)
	}
}

func TestGenerate_PartialAndTotalFailure(t *testing.T) {
	f := newFixture(testNow)
	f.tasks.failAfter = 3
	o := f.cyclicOrder(order.StatusAccepted, testNow.Add(time.Hour), 24*time.Hour, 8)

	res, err := f.mgr.Generate(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("expected success with warnings, got %v", err)
	}
	if res.Saved != 3 || res.Failed != 5 || len(res.Warnings) == 0 {
		t.Errorf("unexpected result %+v", res)
	}

	g := newFixture(testNow)
	other := g.cyclicOrder(order.StatusAccepted, testNow.Add(time.Hour), 24*time.Hour, 8)
	g.tasks.failAfter = 1
	g.tasks.created = 1
	if _, err := g.mgr.Generate(context.Background(), other.ID); !errors.Is(err, apperr.ErrPersistence) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
}

func TestGenerate_BestEffortDecorations(t *testing.T) {
	f := newFixture(testNow)
	other := uuid.New()
	f.mgr.SetNurseAssigner(fakeNurses{nurse: other})
	f.mgr.SetLabelPrinter(fakePrinter{})
	o := f.cyclicOrder(order.StatusAccepted, testNow.Add(time.Hour), 8*time.Hour, 8)

	res, err := f.mgr.Generate(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", res.Warnings)
	}
	for _, tk := range f.tasks.byOrder(o.ID) {
		if tk.LabelBlobID == nil {
			t.Errorf("expected a label on task %s", tk.ID)
		}
		if tk.AssignedNurseID == nil || *tk.AssignedNurseID != other {
			t.Errorf("expected rostered nurse on task %s", tk.ID)
		}
	}

	g := newFixture(testNow)
	g.mgr.SetNurseAssigner(fakeNurses{err: errors.New("roster down")})
	g.mgr.SetLabelPrinter(fakePrinter{err: errors.New("printer offline")})
	o = g.cyclicOrder(order.StatusAccepted, testNow.Add(time.Hour), 8*time.Hour, 8)
	res, err = g.mgr.Generate(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("collaborator failures must not fail generation: %v", err)
	}
	if res.Saved != 4 || len(res.Warnings) != 8 {
		t.Errorf("expected 4 tasks with 8 warnings, got %d and %v", res.Saved, res.Warnings)
	}
}

func TestRollback_Idempotent(t *testing.T) {
	f := newFixture(testNow)
	o := f.cyclicOrder(order.StatusAccepted, testNow.Add(time.Hour), 24*time.Hour, 8)
	if _, err := f.mgr.Generate(context.Background(), o.ID); err != nil {
		t.Fatalf("generate: %v", err)
	}

	first, err := f.mgr.Rollback(context.Background(), o.ID, "order changed", testDoctor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := f.mgr.Rollback(context.Background(), o.ID, "order changed", testDoctor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != 8 || second != 0 {
		t.Errorf("expected 8 then 0, got %d then %d", first, second)
	}
	for _, tk := range f.tasks.byOrder(o.ID) {
		if tk.Status != StatusStopped || !tk.IsRolledBack || tk.StopReason == nil || *tk.StopReason != "order changed" {
			t.Errorf("unexpected rolled back task %+v", tk)
		}
	}
	if _, err := f.mgr.Rollback(context.Background(), o.ID, "", testDoctor); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error without a reason, got %v", err)
	}
}

func TestRollback_SparesStartedTasks(t *testing.T) {
	f := newFixture(testNow)
	o := f.cyclicOrder(order.StatusAccepted, testNow.Add(time.Hour), 24*time.Hour, 8)
	_, _ = f.mgr.Generate(context.Background(), o.ID)
	started := f.tasks.byOrder(o.ID)[0]
	started.Status = StatusInProgress
	_ = f.tasks.Update(context.Background(), started, StatusPending)

	n, _ := f.mgr.Rollback(context.Background(), o.ID, "edit", testDoctor)
	if n != 7 {
		t.Errorf("expected 7 rolled back, got %d", n)
	}
	got, _ := f.tasks.GetByID(context.Background(), started.ID)
	if got.Status != StatusInProgress {
		t.Errorf("started task was touched: %s", got.Status)
	}
}

func TestRefresh_MatchesFreshGeneration(t *testing.T) {
	for _, advance := range []time.Duration{0, 3 * time.Hour, 17 * time.Hour} {
		f := newFixture(testNow)
		o := f.cyclicOrder(order.StatusAccepted, testNow.Add(time.Hour), 24*time.Hour, 4)
		if _, err := f.mgr.Generate(context.Background(), o.ID); err != nil {
			t.Fatalf("generate: %v", err)
		}
		f.now = testNow.Add(advance)

		fresh := newFixture(f.now)
		twin := *o
		_ = fresh.orders.Create(context.Background(), &twin)
		want, err := fresh.mgr.Generate(context.Background(), twin.ID)
		if err != nil {
			t.Fatalf("fresh generate: %v", err)
		}

		res, err := f.mgr.Refresh(context.Background(), o.ID, "order edited", testDoctor)
		if err != nil {
			t.Fatalf("refresh after %s: %v", advance, err)
		}
		if res.Generated.Saved != want.Saved {
			t.Errorf("after %s: refresh made %d tasks, fresh generation %d", advance, res.Generated.Saved, want.Saved)
		}
		pending := count(f.tasks.byOrder(o.ID), func(t *Task) bool { return t.Status == StatusPending })
		if pending != want.Saved {
			t.Errorf("after %s: expected %d pending tasks, got %d", advance, want.Saved, pending)
		}
	}
}

func TestRefresh_RefusesBusyOrder(t *testing.T) {
	f := newFixture(testNow)
	o := f.cyclicOrder(order.StatusInProgress, testNow.Add(time.Hour), 24*time.Hour, 8)
	_, _ = f.mgr.Generate(context.Background(), o.ID)
	first := f.tasks.byOrder(o.ID)[0]
	first.Status = StatusInProgress
	_ = f.tasks.Update(context.Background(), first, StatusPending)

	if _, err := f.mgr.Refresh(context.Background(), o.ID, "edit", testDoctor); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	pending := count(f.tasks.byOrder(o.ID), func(t *Task) bool { return t.Status == StatusPending })
	if pending != 7 {
		t.Errorf("expected nothing rolled back, got %d pending", pending)
	}
}

func TestRefresh_IncompleteWhenRegenerationFails(t *testing.T) {
	f := newFixture(testNow)
	o := f.cyclicOrder(order.StatusAccepted, testNow.Add(time.Hour), 24*time.Hour, 8)
	_, _ = f.mgr.Generate(context.Background(), o.ID)
	f.tasks.failAfter = 1
	f.tasks.created = 1

	res, err := f.mgr.Refresh(context.Background(), o.ID, "edit", testDoctor)
	if !errors.Is(err, ErrRefreshIncomplete) || !errors.Is(err, apperr.ErrPersistence) {
		t.Fatalf("expected an incomplete refresh caused by persistence, got %v", err)
	}
	if res == nil || res.RolledBack != 8 {
		t.Errorf("expected the rollback count to be reported, got %+v", res)
	}
}

func TestProgress(t *testing.T) {
	f := newFixture(testNow)
	o := f.cyclicOrder(order.StatusAccepted, testNow.Add(time.Hour), 8*time.Hour, 8)
	_, _ = f.mgr.Generate(context.Background(), o.ID)
	tasks := f.tasks.byOrder(o.ID)
	tasks[0].Status = StatusCompleted
	_ = f.tasks.Update(context.Background(), tasks[0], StatusPending)

	p, err := f.mgr.Progress(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Total != 4 || p.Completed != 1 || p.Unresolved != 3 {
		t.Errorf("unexpected progress %+v", p)
	}
	_, _ = f.mgr.Rollback(context.Background(), o.ID, "edit", testDoctor)
	p, _ = f.mgr.Progress(context.Background(), o.ID)
	if p.Total != 1 || p.Unresolved != 0 || p.Stopped != 0 {
		t.Errorf("expected rolled back tasks excluded, got %+v", p)
	}
}

func TestSign_GeneratesTasks(t *testing.T) {
	f := newFixture(time.Now().UTC())
	o := f.cyclicOrder(order.StatusPendingReceive, time.Now().UTC().Add(time.Hour), 24*time.Hour, 6)

	signed, summary, err := f.svc.Sign(context.Background(), o.ID, testNurse)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signed.Status != order.StatusAccepted {
		t.Errorf("expected accepted, got %s", signed.Status)
	}
	if summary == nil || summary.Saved != 10 {
		t.Errorf("expected 10 tasks, got %+v", summary)
	}
}

func TestCancel_RollsBackTasks(t *testing.T) {
	f := newFixture(testNow)
	o := f.cyclicOrder(order.StatusPendingReceive, testNow.Add(time.Hour), 24*time.Hour, 8)
	if _, err := f.svc.Cancel(context.Background(), o.ID, testDoctor, "duplicate order"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.order(o.ID).Status; got != order.StatusCancelled {
		t.Errorf("expected cancelled, got %s", got)
	}
}
