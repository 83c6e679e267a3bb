package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/model"
)

// NewStore opens a migrated store on a per-test temp database.
func NewStore(t *testing.T) *db.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "minion.db")
	store, err := db.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(context.Background(), store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store
}

// SeedAgent registers an agent with sane defaults.
func SeedAgent(t *testing.T, store *db.Store, name string, class model.Class) {
	t.Helper()
	err := store.RegisterAgent(context.Background(), model.Agent{
		Name:         name,
		Class:        class,
		Transport:    model.TransportTerminal,
		RegisteredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed agent %s: %v", name, err)
	}
}

// SeedPlan activates a battle plan so send gating passes.
func SeedPlan(t *testing.T, store *db.Store, agent, project string) {
	t.Helper()
	if _, err := store.SetPlan(context.Background(), agent, project, "/tmp/plan.md", time.Now().UTC()); err != nil {
		t.Fatalf("seed plan: %v", err)
	}
}
