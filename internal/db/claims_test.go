package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/ai-janitor/minion-factory/internal/testutil"
)

func TestClaimGrantAndRefresh(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()

	got, err := store.ClaimFile(ctx, "src/auth.go", "bob", time.Now().UTC())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !got.Granted || got.Claim.Holder != "bob" {
		t.Fatalf("claim = %+v, want granted to bob", got)
	}

	// Re-claiming your own path refreshes, it does not queue.
	got, err = store.ClaimFile(ctx, "src/auth.go", "bob", time.Now().UTC())
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if !got.Granted {
		t.Fatalf("re-claim = %+v, want granted", got)
	}
}

func TestWaitlistFIFO(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	if _, err := store.ClaimFile(ctx, "src/db.go", "bob", base); err != nil {
		t.Fatalf("claim: %v", err)
	}
	for i, name := range []string{"kevin", "stuart"} {
		got, err := store.ClaimFile(ctx, "src/db.go", name, base.Add(time.Duration(i+1)*time.Second))
		if err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
		if got.Granted {
			t.Fatalf("%s granted while bob holds the claim", name)
		}
		if got.Position != i+1 {
			t.Errorf("%s position = %d, want %d", name, got.Position, i+1)
		}
	}

	// Enqueueing twice keeps the original slot.
	got, err := store.ClaimFile(ctx, "src/db.go", "kevin", base.Add(time.Minute))
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if got.Position != 1 {
		t.Errorf("kevin position after re-enqueue = %d, want 1", got.Position)
	}

	// Release promotes the head in the same transaction.
	rel, err := store.ReleaseFile(ctx, "src/db.go", "bob", false, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !rel.Released || rel.Promoted != "kevin" {
		t.Fatalf("release = %+v, want kevin promoted", rel)
	}

	rel, err = store.ReleaseFile(ctx, "src/db.go", "kevin", false, base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("release 2: %v", err)
	}
	if rel.Promoted != "stuart" {
		t.Fatalf("release 2 = %+v, want stuart promoted", rel)
	}

	rel, err = store.ReleaseFile(ctx, "src/db.go", "stuart", false, base.Add(4*time.Minute))
	if err != nil {
		t.Fatalf("release 3: %v", err)
	}
	if rel.Promoted != "" {
		t.Fatalf("release 3 = %+v, want empty queue", rel)
	}
	claims, _, err := store.ListClaims(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(claims) != 0 {
		t.Errorf("claims = %+v, want none after final release", claims)
	}
}

func TestReleaseByNonHolderLeavesQueue(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.ClaimFile(ctx, "src/x.go", "bob", now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.ClaimFile(ctx, "src/x.go", "kevin", now.Add(time.Second)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// kevin backs out; bob still holds.
	rel, err := store.ReleaseFile(ctx, "src/x.go", "kevin", false, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("back out: %v", err)
	}
	if rel.Released {
		t.Fatalf("release = %+v, non-holder must not release", rel)
	}
	claims, waiters, err := store.ListClaims(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(claims) != 1 || claims[0].Holder != "bob" {
		t.Fatalf("claims = %+v, want bob holding", claims)
	}
	if len(waiters["src/x.go"]) != 0 {
		t.Errorf("waiters = %+v, want kevin gone", waiters)
	}
}

func TestForceRelease(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.ClaimFile(ctx, "src/x.go", "bob", now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	rel, err := store.ReleaseFile(ctx, "src/x.go", "gru", true, now.Add(time.Second))
	if err != nil {
		t.Fatalf("force release: %v", err)
	}
	if !rel.Released {
		t.Fatalf("release = %+v, want forced release", rel)
	}
}

func TestReleaseAllFor(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, p := range []string{"a.go", "b.go"} {
		if _, err := store.ClaimFile(ctx, p, "bob", now); err != nil {
			t.Fatalf("claim %s: %v", p, err)
		}
	}
	if _, err := store.ClaimFile(ctx, "a.go", "kevin", now.Add(time.Second)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimFile(ctx, "c.go", "stuart", now); err != nil {
		t.Fatalf("claim c: %v", err)
	}
	if _, err := store.ClaimFile(ctx, "c.go", "bob", now.Add(time.Second)); err != nil {
		t.Fatalf("bob waits on c: %v", err)
	}

	results, err := store.ReleaseAllFor(ctx, "bob", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("release all: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v, want 2 releases", results)
	}

	claims, waiters, err := store.ListClaims(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	holders := map[string]string{}
	for _, c := range claims {
		holders[c.FilePath] = c.Holder
	}
	if holders["a.go"] != "kevin" {
		t.Errorf("a.go holder = %s, want promoted kevin", holders["a.go"])
	}
	if _, ok := holders["b.go"]; ok {
		t.Error("b.go still claimed")
	}
	if holders["c.go"] != "stuart" {
		t.Errorf("c.go holder = %s, want untouched stuart", holders["c.go"])
	}
	if len(waiters["c.go"]) != 0 {
		t.Errorf("c.go waiters = %+v, want bob purged", waiters["c.go"])
	}
}
