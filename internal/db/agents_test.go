package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/model"
	"github.com/ai-janitor/minion-factory/internal/testutil"
)

func TestRegisterAgentIdempotent(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()

	first := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	if err := store.RegisterAgent(ctx, model.Agent{
		Name: "banana", Class: model.ClassCoder, Model: "opus", Transport: model.TransportDaemon,
		RegisteredAt: first,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := store.RegisterAgent(ctx, model.Agent{
		Name: "banana", Class: model.ClassBuilder, Transport: model.TransportTerminal,
		RegisteredAt: first.Add(time.Hour),
	}); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	agent, err := store.GetAgent(ctx, "banana")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agent.Class != model.ClassBuilder {
		t.Errorf("class = %s, want builder", agent.Class)
	}
	if agent.Model != "opus" {
		t.Errorf("model = %q, want preserved opus", agent.Model)
	}
	if !agent.RegisteredAt.Equal(first) {
		t.Errorf("registered_at = %s, want original %s", agent.RegisteredAt, first)
	}
	if !agent.LastSeen.Equal(first.Add(time.Hour)) {
		t.Errorf("last_seen = %s, want refreshed", agent.LastSeen)
	}
}

func TestRegisterInvalidClass(t *testing.T) {
	store := testutil.NewStore(t)
	err := store.RegisterAgent(context.Background(), model.Agent{Name: "x", Class: "wizard"})
	if err == nil {
		t.Fatal("want error for invalid class")
	}
}

func TestRegisterClearsRetireRecord(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	testutil.SeedAgent(t, store, "kevin", model.ClassCoder)

	if err := store.RequestRetire(ctx, "kevin", "lead-1", time.Now().UTC()); err != nil {
		t.Fatalf("request retire: %v", err)
	}
	testutil.SeedAgent(t, store, "kevin", model.ClassCoder)

	requested, err := store.RetireRequested(ctx, "kevin")
	if err != nil {
		t.Fatalf("check retire: %v", err)
	}
	if requested {
		t.Error("retire record survived re-registration")
	}
}

func TestCurrentLeadIsEarliest(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	for i, name := range []string{"gru", "lucy"} {
		if err := store.RegisterAgent(ctx, model.Agent{
			Name: name, Class: model.ClassLead, RegisteredAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	lead, err := store.CurrentLead(ctx)
	if err != nil {
		t.Fatalf("current lead: %v", err)
	}
	if lead.Name != "gru" {
		t.Errorf("lead = %s, want gru", lead.Name)
	}
}

func TestRenameAgentMovesWorkingSet(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	testutil.SeedAgent(t, store, "gru", model.ClassLead)
	testutil.SeedAgent(t, store, "bob", model.ClassCoder)
	testutil.SeedPlan(t, store, "gru", "proj")

	task, err := store.CreateTask(ctx, db.TaskCreate{Title: "t", TaskFile: "/tmp/t.md", Project: "proj", CreatedBy: "gru"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := store.PullTask(ctx, db.PullParams{Agent: "bob", Class: model.ClassCoder, TaskID: task.ID}); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if _, err := store.SendMessage(ctx, db.SendParams{
		From: "gru", To: "bob", ContentPath: "/tmp/m.md", Project: "proj",
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := store.RenameAgent(ctx, "bob", "bobby"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.AssignedTo != "bobby" {
		t.Errorf("assigned_to = %s, want bobby", got.AssignedTo)
	}
	unread, err := store.UnreadCount(ctx, "bobby")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if unread != 1 {
		t.Errorf("unread = %d, want 1", unread)
	}
	if _, err := store.GetAgent(ctx, "bob"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("old name lookup = %v, want ErrNotFound", err)
	}
}

func TestSetContextSelfReported(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	testutil.SeedAgent(t, store, "dave", model.ClassCoder)

	used := int64(150_000)
	limit := int64(200_000)
	if err := store.SetContext(ctx, db.ContextUpdate{
		Name: "dave", Summary: "working auth module", TokensUsed: &used, TokensLimit: &limit,
	}); err != nil {
		t.Fatalf("set context: %v", err)
	}
	agent, err := store.GetAgent(ctx, "dave")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agent.HPMode != model.HPModeSelfReported {
		t.Errorf("hp_mode = %s, want self-reported", agent.HPMode)
	}
	if agent.HPTurnInput != used {
		t.Errorf("turn input = %d, want %d", agent.HPTurnInput, used)
	}

	// Daemon telemetry must not clobber a self-report.
	result, err := store.UpdateHP(ctx, db.HPUpdate{Agent: "dave", TurnInput: 10})
	if err != nil {
		t.Fatalf("update hp: %v", err)
	}
	if !result.Skipped {
		t.Error("daemon write was not skipped for self-reported agent")
	}

	// The self-report masks exactly one turn; the next daemon turn lands.
	result, err = store.UpdateHP(ctx, db.HPUpdate{Agent: "dave", TurnInput: 10})
	if err != nil {
		t.Fatalf("update hp second turn: %v", err)
	}
	if result.Skipped {
		t.Error("second daemon write still skipped")
	}
	agent, err = store.GetAgent(ctx, "dave")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agent.HPTurnInput != 10 {
		t.Errorf("turn input = %d, want 10 from the daemon", agent.HPTurnInput)
	}
	if agent.HPMode != model.HPModeDaemon {
		t.Errorf("hp_mode = %s, want daemon again", agent.HPMode)
	}
}

func TestUpdateHPAlertsFireOnceAndReset(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	testutil.SeedAgent(t, store, "gru", model.ClassLead)
	testutil.SeedAgent(t, store, "stuart", model.ClassCoder)

	pct := 20
	content := map[int]string{25: "/tmp/alert25.md", 10: "/tmp/alert10.md"}
	result, err := store.UpdateHP(ctx, db.HPUpdate{Agent: "stuart", Pct: &pct, AlertContent: content})
	if err != nil {
		t.Fatalf("update hp: %v", err)
	}
	if len(result.Fired) != 1 || result.Fired[0] != 25 {
		t.Fatalf("fired = %v, want [25]", result.Fired)
	}

	// Same level does not refire.
	result, err = store.UpdateHP(ctx, db.HPUpdate{Agent: "stuart", Pct: &pct, AlertContent: content})
	if err != nil {
		t.Fatalf("update hp again: %v", err)
	}
	if len(result.Fired) != 0 {
		t.Fatalf("refired = %v, want none", result.Fired)
	}

	// Dropping below 10 fires the next level.
	pct = 5
	result, err = store.UpdateHP(ctx, db.HPUpdate{Agent: "stuart", Pct: &pct, AlertContent: content})
	if err != nil {
		t.Fatalf("update hp critical: %v", err)
	}
	if len(result.Fired) != 1 || result.Fired[0] != 10 {
		t.Fatalf("fired = %v, want [10]", result.Fired)
	}

	// Recovery above 50 clears the dedup set so a later dip alerts again.
	pct = 80
	if _, err := store.UpdateHP(ctx, db.HPUpdate{Agent: "stuart", Pct: &pct}); err != nil {
		t.Fatalf("update hp recovered: %v", err)
	}
	pct = 20
	result, err = store.UpdateHP(ctx, db.HPUpdate{Agent: "stuart", Pct: &pct, AlertContent: content})
	if err != nil {
		t.Fatalf("update hp after recovery: %v", err)
	}
	if len(result.Fired) != 1 || result.Fired[0] != 25 {
		t.Fatalf("fired after reset = %v, want [25]", result.Fired)
	}

	// Each fired level produced one lead message.
	unread, err := store.UnreadCount(ctx, "gru")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if unread != 3 {
		t.Errorf("lead alerts = %d, want 3", unread)
	}
}

func TestUpdateHPCumulativeCounters(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	testutil.SeedAgent(t, store, "stuart", model.ClassCoder)

	for i := 0; i < 3; i++ {
		if _, err := store.UpdateHP(ctx, db.HPUpdate{
			Agent: "stuart", AddInput: 100, AddOutput: 40, TurnInput: 100, TurnOutput: 40,
		}); err != nil {
			t.Fatalf("update hp: %v", err)
		}
	}
	agent, err := store.GetAgent(ctx, "stuart")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agent.HPInputTokens != 300 || agent.HPOutputTokens != 120 {
		t.Errorf("cumulative = (%d, %d), want (300, 120)", agent.HPInputTokens, agent.HPOutputTokens)
	}
	if agent.HPTurnInput != 100 {
		t.Errorf("turn input = %d, want last turn 100", agent.HPTurnInput)
	}
	if agent.HPMode != model.HPModeDaemon {
		t.Errorf("hp_mode = %s, want daemon", agent.HPMode)
	}
}
