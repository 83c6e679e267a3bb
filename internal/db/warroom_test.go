package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/model"
	"github.com/ai-janitor/minion-factory/internal/testutil"
)

func TestSetPlanSupersedes(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()

	first, err := store.SetPlan(ctx, "gru", "proj", "/tmp/p1.md", time.Now().UTC())
	if err != nil {
		t.Fatalf("set plan: %v", err)
	}
	second, err := store.SetPlan(ctx, "gru", "proj", "/tmp/p2.md", time.Now().UTC())
	if err != nil {
		t.Fatalf("set plan 2: %v", err)
	}

	active, err := store.ActivePlan(ctx, "proj")
	if err != nil {
		t.Fatalf("active plan: %v", err)
	}
	if active.ID != second.ID {
		t.Errorf("active = %d, want %d", active.ID, second.ID)
	}
	prior, err := store.GetPlan(ctx, first.ID)
	if err != nil {
		t.Fatalf("get prior: %v", err)
	}
	if prior.Status != model.PlanCompleted {
		t.Errorf("prior status = %s, want completed", prior.Status)
	}

	// Plans are scoped per project.
	other, err := store.SetPlan(ctx, "gru", "other", "/tmp/p3.md", time.Now().UTC())
	if err != nil {
		t.Fatalf("set plan other: %v", err)
	}
	stillActive, err := store.GetPlan(ctx, second.ID)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if stillActive.Status != model.PlanActive {
		t.Errorf("cross-project supersede: %s plan went %s", "proj", stillActive.Status)
	}
	_ = other
}

func TestUpdatePlanStatus(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	plan, err := store.SetPlan(ctx, "gru", "proj", "/tmp/p.md", time.Now().UTC())
	if err != nil {
		t.Fatalf("set plan: %v", err)
	}
	if err := store.UpdatePlanStatus(ctx, plan.ID, model.PlanAbandoned); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := store.UpdatePlanStatus(ctx, plan.ID, "bogus"); err == nil {
		t.Fatal("want error for invalid status")
	}
}

func TestRaidLogFilters(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entries := []struct {
		agent    string
		priority model.LogPriority
	}{
		{"bob", model.PriorityNormal},
		{"bob", model.PriorityCritical},
		{"kevin", model.PriorityHigh},
	}
	for i, e := range entries {
		if _, err := store.AppendLog(ctx, e.agent, "/tmp/e.md", e.priority, now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := store.GetLog(ctx, db.LogFilter{Agent: "bob"})
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("bob entries = %d, want 2", len(got))
	}
	got, err = store.GetLog(ctx, db.LogFilter{Priority: model.PriorityCritical})
	if err != nil {
		t.Fatalf("get critical: %v", err)
	}
	if len(got) != 1 || got[0].Agent != "bob" {
		t.Errorf("critical entries = %+v", got)
	}
}

func TestFlagsLifecycle(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()

	if err := store.SetFlag(ctx, model.FlagMoonCrash, "build broken", "nefario", time.Now().UTC()); err != nil {
		t.Fatalf("set: %v", err)
	}
	set, err := store.FlagSet(ctx, model.FlagMoonCrash)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !set {
		t.Fatal("flag not set")
	}
	flag, err := store.GetFlag(ctx, model.FlagMoonCrash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if flag.SetBy != "nefario" || flag.Value != "build broken" {
		t.Errorf("flag = %+v", flag)
	}

	cleared, err := store.ClearFlag(ctx, model.FlagMoonCrash)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !cleared {
		t.Error("clear reported nothing removed")
	}
	// Clearing again is a no-op, not an error.
	cleared, err = store.ClearFlag(ctx, model.FlagMoonCrash)
	if err != nil {
		t.Fatalf("clear again: %v", err)
	}
	if cleared {
		t.Error("second clear reported a removal")
	}
}

func TestFenixRecordLifecycle(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := model.FenixRecord{
		ID: "fx-1", Agent: "bob", Files: []string{"a.go", "b.go"},
		Manifest: "halfway through auth refactor", CreatedAt: now,
	}
	if err := store.RecordFenix(ctx, rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordFenix(ctx, rec); err != db.ErrDuplicate {
		t.Fatalf("duplicate err = %v, want ErrDuplicate", err)
	}

	pending, err := store.PendingFenix(ctx, "bob")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Manifest != rec.Manifest {
		t.Fatalf("pending = %+v", pending)
	}

	n, err := store.ConsumeFenix(ctx, "bob", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if n != 1 {
		t.Errorf("consumed = %d, want 1", n)
	}
	pending, err = store.PendingFenix(ctx, "bob")
	if err != nil {
		t.Fatalf("pending after consume: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %+v, want consumed", pending)
	}
}

func TestInterruptResumeDeliversOnce(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()

	if err := store.RequestInterrupt(ctx, "bob", "gru", time.Now().UTC()); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	state, err := store.TakeInterrupt(ctx, "bob")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if !state.Interrupted || state.Resumed {
		t.Fatalf("state = %+v, want interrupted", state)
	}

	if err := store.ResumeAgent(ctx, "bob", "back to work, check zone B"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	state, err = store.TakeInterrupt(ctx, "bob")
	if err != nil {
		t.Fatalf("take resumed: %v", err)
	}
	if !state.Resumed || state.ResumeMessage != "back to work, check zone B" {
		t.Fatalf("state = %+v, want resume message", state)
	}

	// The resume settles exactly once.
	state, err = store.TakeInterrupt(ctx, "bob")
	if err != nil {
		t.Fatalf("take again: %v", err)
	}
	if state.Interrupted || state.Resumed {
		t.Fatalf("state = %+v, want clear", state)
	}
}

func TestInvocationLog(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.BeginInvocation(ctx, "inv-1", "bob", []int64{3, 4}, now); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.BeginInvocation(ctx, "inv-1", "bob", nil, now); err != db.ErrDuplicate {
		t.Fatalf("duplicate err = %v, want ErrDuplicate", err)
	}
	if err := store.FinishInvocation(ctx, "inv-1", "ok", 1200, 300, now.Add(time.Minute)); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := store.FinishInvocation(ctx, "inv-404", "ok", 0, 0, now); err != db.ErrNotFound {
		t.Fatalf("missing err = %v, want ErrNotFound", err)
	}
}
