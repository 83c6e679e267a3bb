package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ai-janitor/minion-factory/internal/comms"
	"github.com/ai-janitor/minion-factory/internal/config"
	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/filesafety"
	"github.com/ai-janitor/minion-factory/internal/model"
	"github.com/ai-janitor/minion-factory/internal/testutil"
)

func newService(t *testing.T) (*Service, *db.Store, config.Config) {
	t.Helper()
	store := testutil.NewStore(t)
	cfg := config.DefaultConfig()
	cfg.Project = "proj"
	cfg.WorkDir = t.TempDir()
	cfg.DocsDir = t.TempDir()
	messaging := comms.New(store, cfg)
	claims := filesafety.New(store)
	return New(store, cfg, messaging, claims), store, cfg
}

func TestFenixDownAlwaysAccepted(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	now := time.Now().UTC()
	testutil.SeedAgent(t, store, "gru", model.ClassLead)
	testutil.SeedAgent(t, store, "bob", model.ClassCoder)
	testutil.SeedPlan(t, store, "gru", "proj")

	// Claims held by the dying agent, plus a moon crash in effect: fenix
	// still lands and the claims are freed.
	_, err := store.ClaimFile(ctx, "src/a.go", "bob", now)
	require.NoError(t, err)
	require.NoError(t, store.SetFlag(ctx, model.FlagMoonCrash, "", "nefario", now))

	rec, err := svc.FenixDown(ctx, "bob", model.ClassCoder, "halfway through the parser rewrite", []string{"src/a.go"}, now)
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)

	claims, _, err := store.ListClaims(ctx)
	require.NoError(t, err)
	require.Empty(t, claims, "claims must be released on fenix-down")

	unread, err := store.UnreadCount(ctx, "gru")
	require.NoError(t, err)
	require.Equal(t, 1, unread, "lead must receive the manifest")
}

func TestColdStartBriefingConsumesFenix(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	now := time.Now().UTC()
	testutil.SeedAgent(t, store, "gru", model.ClassLead)
	testutil.SeedAgent(t, store, "bob", model.ClassCoder)
	testutil.SeedPlan(t, store, "gru", "proj")

	_, err := svc.FenixDown(ctx, "bob", model.ClassCoder, "wip state", []string{"a.go"}, now)
	require.NoError(t, err)

	task, err := store.CreateTask(ctx, db.TaskCreate{Title: "t", TaskFile: "/tmp/t.md", Project: "proj", CreatedBy: "gru"})
	require.NoError(t, err)
	require.NoError(t, store.AssignTask(ctx, task.ID, "bob", "gru", now))

	briefing, err := svc.ColdStart(ctx, "bob", now)
	require.NoError(t, err)
	require.NotNil(t, briefing.Plan)
	require.Len(t, briefing.Fenix, 1)
	require.Equal(t, "wip state", briefing.Fenix[0].Manifest)
	require.Len(t, briefing.Tasks, 1)
	require.Equal(t, int64(1), briefing.Consumed)

	// Second cold start: the manifest is spent.
	briefing, err = svc.ColdStart(ctx, "bob", now.Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, briefing.Fenix)
}

func TestStandDownRetiresDaemonsOnly(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.RegisterAgent(ctx, model.Agent{Name: "gru", Class: model.ClassLead, Transport: model.TransportTerminal, RegisteredAt: now}))
	require.NoError(t, store.RegisterAgent(ctx, model.Agent{Name: "bob", Class: model.ClassCoder, Transport: model.TransportDaemon, RegisteredAt: now}))
	require.NoError(t, store.RegisterAgent(ctx, model.Agent{Name: "kevin", Class: model.ClassCoder, Transport: model.TransportDaemon, RegisteredAt: now}))

	retired, err := svc.StandDown(ctx, "gru", now)
	require.NoError(t, err)
	require.Equal(t, 2, retired)

	set, err := store.FlagSet(ctx, model.FlagStandDown)
	require.NoError(t, err)
	require.True(t, set)

	for name, want := range map[string]bool{"gru": false, "bob": true, "kevin": true} {
		got, err := store.RetireRequested(ctx, name)
		require.NoError(t, err)
		require.Equal(t, want, got, "retire for %s", name)
	}
}

func TestHandOffZone(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	now := time.Now().UTC()
	testutil.SeedAgent(t, store, "bob", model.ClassCoder)
	testutil.SeedAgent(t, store, "kevin", model.ClassCoder)
	require.NoError(t, store.SetZone(ctx, "bob", "zone-b", "parser", now))

	require.NoError(t, svc.HandOffZone(ctx, "bob", "kevin", "zone-b", "parser", now))

	bob, err := store.GetAgent(ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, bob.CurrentZone)
	kevin, err := store.GetAgent(ctx, "kevin")
	require.NoError(t, err)
	require.Equal(t, "zone-b", kevin.CurrentZone)
	require.Equal(t, "parser", kevin.CurrentRole)
}

func TestLoadCrews(t *testing.T) {
	svc, _, cfg := newService(t)
	dir := filepath.Join(cfg.DocsDir, "crews")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.yaml"), []byte(`
name: default
members:
  - name: bob
    class: coder
  - name: otto
    class: builder
    model: sonnet
`), 0o644))

	crews, err := svc.LoadCrews()
	require.NoError(t, err)
	require.Len(t, crews, 1)
	require.Equal(t, "default", crews[0].Name)
	require.Len(t, crews[0].Members, 2)
	require.Equal(t, model.ClassBuilder, crews[0].Members[1].Class)

	// Bad class is rejected at load time.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`
name: bad
members:
  - name: x
    class: wizard
`), 0o644))
	_, err = svc.LoadCrews()
	require.Error(t, err)
}
