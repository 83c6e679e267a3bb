package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/model"
	"github.com/ai-janitor/minion-factory/internal/testutil"
)

func seedParty(t *testing.T, store *db.Store) {
	t.Helper()
	testutil.SeedAgent(t, store, "gru", model.ClassLead)
	testutil.SeedAgent(t, store, "bob", model.ClassCoder)
	testutil.SeedAgent(t, store, "kevin", model.ClassCoder)
	testutil.SeedAgent(t, store, "nefario", model.ClassOracle)
	testutil.SeedPlan(t, store, "gru", "proj")
}

func TestSendGateOrder(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	testutil.SeedAgent(t, store, "gru", model.ClassLead)
	testutil.SeedAgent(t, store, "bob", model.ClassCoder)

	// No plan yet: plan gate fires.
	_, err := store.SendMessage(ctx, db.SendParams{From: "bob", To: "gru", ContentPath: "/tmp/a.md", Project: "proj"})
	if !model.IsPrecondition(err, model.RuleNoActivePlan) {
		t.Fatalf("err = %v, want NoActivePlan", err)
	}

	testutil.SeedPlan(t, store, "gru", "proj")
	if _, err := store.SendMessage(ctx, db.SendParams{From: "gru", To: "bob", ContentPath: "/tmp/b.md", Project: "proj"}); err != nil {
		t.Fatalf("lead send: %v", err)
	}

	// bob now has unread mail; the unread gate fires before anything else,
	// even with no plan in some other project.
	_, err = store.SendMessage(ctx, db.SendParams{From: "bob", To: "gru", ContentPath: "/tmp/c.md", Project: "other"})
	if !model.IsPrecondition(err, model.RuleUnreadInbox) {
		t.Fatalf("err = %v, want UnreadInbox", err)
	}

	if _, err := store.CheckInbox(ctx, "bob", time.Now().UTC()); err != nil {
		t.Fatalf("check inbox: %v", err)
	}
	if _, err := store.SendMessage(ctx, db.SendParams{From: "bob", To: "gru", ContentPath: "/tmp/d.md", Project: "proj"}); err != nil {
		t.Fatalf("send after reading: %v", err)
	}
}

func TestSendStaleContextGate(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	seedParty(t, store)

	now := time.Now().UTC()
	_, err := store.SendMessage(ctx, db.SendParams{
		From: "bob", To: "gru", ContentPath: "/tmp/a.md", Project: "proj",
		Staleness: 5 * time.Minute, Now: now.Add(10 * time.Minute),
	})
	if !model.IsPrecondition(err, model.RuleStaleContext) {
		t.Fatalf("err = %v, want StaleContext", err)
	}

	if err := store.SetContext(ctx, db.ContextUpdate{Name: "bob", Summary: "fresh", Now: now.Add(9 * time.Minute)}); err != nil {
		t.Fatalf("set context: %v", err)
	}
	if _, err := store.SendMessage(ctx, db.SendParams{
		From: "bob", To: "gru", ContentPath: "/tmp/a.md", Project: "proj",
		Staleness: 5 * time.Minute, Now: now.Add(10 * time.Minute),
	}); err != nil {
		t.Fatalf("send after refresh: %v", err)
	}
}

func TestSendMoonCrashGate(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	seedParty(t, store)

	if err := store.SetFlag(ctx, model.FlagMoonCrash, "", "nefario", time.Now().UTC()); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	_, err := store.SendMessage(ctx, db.SendParams{From: "bob", To: "gru", ContentPath: "/tmp/a.md", Project: "proj"})
	if !model.IsPrecondition(err, model.RuleMoonCrash) {
		t.Fatalf("err = %v, want MoonCrash", err)
	}

	// The lead still speaks during a moon crash.
	if _, err := store.SendMessage(ctx, db.SendParams{From: "gru", To: model.BroadcastTo, ContentPath: "/tmp/b.md", Project: "proj"}); err != nil {
		t.Fatalf("lead send during crash: %v", err)
	}

	// fenix_down-bearing traffic always passes.
	if _, err := store.SendMessage(ctx, db.SendParams{From: "kevin", To: "gru", ContentPath: "/tmp/fenix.md", Project: "proj", Bypass: true}); err != nil {
		t.Fatalf("bypass send: %v", err)
	}
}

func TestSendUnknownRecipient(t *testing.T) {
	store := testutil.NewStore(t)
	seedParty(t, store)
	_, err := store.SendMessage(context.Background(), db.SendParams{
		From: "gru", To: "vector", ContentPath: "/tmp/a.md", Project: "proj",
	})
	if !model.IsPrecondition(err, model.RuleUnknownRecipient) {
		t.Fatalf("err = %v, want UnknownRecipient", err)
	}
}

func TestSendClassFanout(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	seedParty(t, store)

	result, err := store.SendMessage(ctx, db.SendParams{
		From: "gru", To: "coder", ContentPath: "/tmp/a.md", Project: "proj",
	})
	if err != nil {
		t.Fatalf("class send: %v", err)
	}
	if len(result.Recipients) != 2 {
		t.Fatalf("recipients = %v, want both coders", result.Recipients)
	}

	// A class with no members delivers nothing but is not an error.
	result, err = store.SendMessage(ctx, db.SendParams{
		From: "gru", To: "recon", ContentPath: "/tmp/b.md", Project: "proj",
	})
	if err != nil {
		t.Fatalf("empty class send: %v", err)
	}
	if len(result.Recipients) != 0 {
		t.Fatalf("recipients = %v, want none", result.Recipients)
	}
}

func TestWorkerToWorkerAutoCC(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	seedParty(t, store)

	result, err := store.SendMessage(ctx, db.SendParams{
		From: "bob", To: "kevin", ContentPath: "/tmp/a.md", Project: "proj",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.CCLead != "gru" {
		t.Fatalf("cc lead = %q, want gru", result.CCLead)
	}

	inbox, err := store.CheckInbox(ctx, "gru", time.Now().UTC())
	if err != nil {
		t.Fatalf("lead inbox: %v", err)
	}
	if len(inbox) != 1 {
		t.Fatalf("lead inbox = %d messages, want 1", len(inbox))
	}
	if !inbox[0].IsCC || inbox[0].CCOriginalTo != "kevin" {
		t.Errorf("cc copy = %+v, want is_cc with original recipient kevin", inbox[0])
	}

	// Worker-to-lead traffic is direct, no CC copy.
	if _, err := store.CheckInbox(ctx, "kevin", time.Now().UTC()); err != nil {
		t.Fatalf("kevin inbox: %v", err)
	}
	result, err = store.SendMessage(ctx, db.SendParams{
		From: "kevin", To: "gru", ContentPath: "/tmp/b.md", Project: "proj",
	})
	if err != nil {
		t.Fatalf("worker-to-lead send: %v", err)
	}
	if result.CCLead != "" {
		t.Errorf("cc lead = %q, want none for direct lead mail", result.CCLead)
	}
}

func TestBroadcastReadAtMostOnce(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	seedParty(t, store)

	if _, err := store.SendMessage(ctx, db.SendParams{
		From: "gru", To: model.BroadcastTo, ContentPath: "/tmp/rally.md", Project: "proj",
	}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	for _, name := range []string{"bob", "kevin"} {
		inbox, err := store.CheckInbox(ctx, name, time.Now().UTC())
		if err != nil {
			t.Fatalf("%s inbox: %v", name, err)
		}
		if len(inbox) != 1 {
			t.Fatalf("%s saw %d messages, want 1", name, len(inbox))
		}
		again, err := store.CheckInbox(ctx, name, time.Now().UTC())
		if err != nil {
			t.Fatalf("%s second check: %v", name, err)
		}
		if len(again) != 0 {
			t.Fatalf("%s saw broadcast twice", name)
		}
	}
}

func TestLateRegistrantSkipsStaleBroadcasts(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	testutil.SeedAgent(t, store, "gru", model.ClassLead)
	testutil.SeedPlan(t, store, "gru", "proj")

	old := time.Now().UTC().Add(-2 * time.Hour)
	if _, err := store.SendMessage(ctx, db.SendParams{
		From: "gru", To: model.BroadcastTo, ContentPath: "/tmp/old.md", Project: "proj", Now: old,
	}); err != nil {
		t.Fatalf("old broadcast: %v", err)
	}
	if _, err := store.SendMessage(ctx, db.SendParams{
		From: "gru", To: model.BroadcastTo, ContentPath: "/tmp/new.md", Project: "proj",
	}); err != nil {
		t.Fatalf("new broadcast: %v", err)
	}

	testutil.SeedAgent(t, store, "otto", model.ClassCoder)
	inbox, err := store.CheckInbox(ctx, "otto", time.Now().UTC())
	if err != nil {
		t.Fatalf("otto inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].ContentPath != "/tmp/new.md" {
		t.Fatalf("otto inbox = %+v, want only the recent broadcast", inbox)
	}
}

func TestPurgeInboxKeepsUnread(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	seedParty(t, store)

	old := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := store.SendMessage(ctx, db.SendParams{
		From: "gru", To: "bob", ContentPath: "/tmp/old-read.md", Project: "proj", Now: old,
	}); err != nil {
		t.Fatalf("send old: %v", err)
	}
	if _, err := store.CheckInbox(ctx, "bob", old.Add(time.Minute)); err != nil {
		t.Fatalf("read old: %v", err)
	}
	if _, err := store.SendMessage(ctx, db.SendParams{
		From: "gru", To: "bob", ContentPath: "/tmp/old-unread.md", Project: "proj", Now: old,
	}); err != nil {
		t.Fatalf("send unread: %v", err)
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	purged, err := store.PurgeInbox(ctx, "bob", cutoff, time.Now().UTC())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	unread, err := store.UnreadCount(ctx, "bob")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if unread != 1 {
		t.Errorf("unread = %d, unread mail must survive a purge", unread)
	}
}

func TestGetHistoryNewestFirst(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	seedParty(t, store)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		if _, err := store.SendMessage(ctx, db.SendParams{
			From: "gru", To: "bob", ContentPath: "/tmp/h.md", Project: "proj", Now: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if _, err := store.CheckInbox(ctx, "bob", base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
	history, err := store.GetHistory(ctx, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want limit 2", len(history))
	}
	if !history[0].Timestamp.After(history[1].Timestamp) {
		t.Errorf("history not newest-first: %v then %v", history[0].Timestamp, history[1].Timestamp)
	}
}
