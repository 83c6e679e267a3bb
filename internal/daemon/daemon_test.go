package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ai-janitor/minion-factory/internal/comms"
	"github.com/ai-janitor/minion-factory/internal/config"
	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/filesafety"
	"github.com/ai-janitor/minion-factory/internal/flow"
	"github.com/ai-janitor/minion-factory/internal/lifecycle"
	"github.com/ai-janitor/minion-factory/internal/model"
	"github.com/ai-janitor/minion-factory/internal/monitoring"
	"github.com/ai-janitor/minion-factory/internal/provider"
	"github.com/ai-janitor/minion-factory/internal/registry"
	"github.com/ai-janitor/minion-factory/internal/tasks"
	"github.com/ai-janitor/minion-factory/internal/testutil"
)

type fakeProvider struct {
	calls   []provider.InvokeParams
	results []provider.InvokeResult
	err     error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{SupportsResume: true, DefaultContextWindow: 200_000}
}

func (f *fakeProvider) Invoke(_ context.Context, params provider.InvokeParams) (provider.InvokeResult, error) {
	f.calls = append(f.calls, params)
	if f.err != nil {
		return provider.InvokeResult{}, f.err
	}
	if len(f.results) == 0 {
		return provider.InvokeResult{Text: "ok", Usage: provider.Usage{InputTokens: 1000, OutputTokens: 50, ContextWindow: 200_000}}, nil
	}
	next := f.results[0]
	f.results = f.results[1:]
	return next, nil
}

type harness struct {
	daemon   *Daemon
	store    *db.Store
	provider *fakeProvider
	comms    *comms.Service
	tasks    *tasks.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := testutil.NewStore(t)
	cfg := config.DefaultConfig()
	cfg.Project = "proj"
	cfg.WorkDir = t.TempDir()
	flows, err := flow.Load(filepath.Join(cfg.WorkDir, "no-flows"))
	require.NoError(t, err)

	messaging := comms.New(store, cfg)
	claims := filesafety.New(store)
	roster := registry.New(store, cfg)
	taskSvc := tasks.New(store, cfg, flows)
	life := lifecycle.New(store, cfg, messaging, claims)
	monitor := monitoring.New(store, cfg, messaging, roster, claims)
	fake := &fakeProvider{}

	d := New(Options{
		Agent:     "bob",
		Class:     model.ClassCoder,
		Store:     store,
		Config:    cfg,
		Comms:     messaging,
		Tasks:     taskSvc,
		Lifecycle: life,
		Monitor:   monitor,
		Provider:  fake,
	})
	testutil.SeedAgent(t, store, "gru", model.ClassLead)
	testutil.SeedAgent(t, store, "bob", model.ClassCoder)
	testutil.SeedPlan(t, store, "gru", "proj")
	return &harness{daemon: d, store: store, provider: fake, comms: messaging, tasks: taskSvc}
}

func TestStepIdleDoesNothing(t *testing.T) {
	h := newHarness(t)
	worked, err := h.daemon.Step(context.Background())
	require.NoError(t, err)
	require.False(t, worked)
	require.Empty(t, h.provider.calls)
}

func TestStepDeliversInboxToProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.comms.Send(ctx, "gru", model.ClassLead, "bob", "please review the parser", time.Now().UTC())
	require.NoError(t, err)

	worked, err := h.daemon.Step(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	require.Len(t, h.provider.calls, 1)
	require.Contains(t, h.provider.calls[0].Prompt, "please review the parser")
	require.Contains(t, h.provider.calls[0].SystemPrompt, "You are bob, a coder agent")

	// Telemetry from the turn landed on the agent row.
	agent, err := h.store.GetAgent(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, int64(1000), agent.HPTurnInput)
}

func TestStepPullsTaskWhenInboxEmpty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.tasks.Create(ctx, tasks.CreateParams{Title: "bug", Spec: "repro: crash on empty input", CreatedBy: "gru"})
	require.NoError(t, err)

	worked, err := h.daemon.Step(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	require.Contains(t, h.provider.calls[0].Prompt, "repro: crash on empty input")

	got, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "in_progress", got.Status)
	require.Equal(t, "bob", got.AssignedTo)
}

func TestStepShutdownOnRetire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.RequestRetire(ctx, "bob", "gru", time.Now().UTC()))

	_, err := h.daemon.Step(ctx)
	require.ErrorIs(t, err, ErrShutdown)
	require.Empty(t, h.provider.calls)
}

func TestStepHoldsWhileInterrupted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.RequestInterrupt(ctx, "bob", "gru", time.Now().UTC()))
	_, err := h.comms.Send(ctx, "gru", model.ClassLead, "bob", "urgent", time.Now().UTC())
	require.NoError(t, err)

	worked, err := h.daemon.Step(ctx)
	require.NoError(t, err)
	require.False(t, worked, "interrupted daemon must not take a turn")
	require.Empty(t, h.provider.calls)
}

func TestCompactionResetsBufferAndReinjects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A normal turn first, so the rolling buffer has history to replay.
	_, err := h.comms.Send(ctx, "gru", model.ClassLead, "bob", "refactor the lexer first", time.Now().UTC())
	require.NoError(t, err)
	worked, err := h.daemon.Step(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	require.Positive(t, h.daemon.buffer.Len())

	h.provider.results = []provider.InvokeResult{{
		Text:              "done",
		Usage:             provider.Usage{InputTokens: 500, ContextWindow: 200_000},
		CompactionMarkers: []string{"compact_boundary"},
	}}
	_, err = h.comms.Send(ctx, "gru", model.ClassLead, "bob", "long job", time.Now().UTC())
	require.NoError(t, err)
	worked, err = h.daemon.Step(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	count, err := h.store.CompactionCount(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Zero(t, h.daemon.buffer.Len())

	// The reinject carries the durable briefing plus a replay of the
	// history the provider threw away.
	require.Contains(t, h.daemon.reinject, "compacted")
	require.Contains(t, h.daemon.reinject, "Replay of the turns before the compaction")
	require.Contains(t, h.daemon.reinject, "refactor the lexer first")

	// It rides into the next turn even with an empty inbox.
	worked, err = h.daemon.Step(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	require.Contains(t, h.provider.calls[2].Prompt, "compacted")
	require.Contains(t, h.provider.calls[2].Prompt, "refactor the lexer first")
	require.Empty(t, h.daemon.reinject)
}

func TestBootAnnouncesAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.daemon.boot(ctx, time.Now().UTC()))

	agent, err := h.store.GetAgent(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "ready for orders", agent.Status)
	require.Equal(t, "just started", agent.ContextSummary)
}

func TestSessionResumedAcrossTurns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provider.results = []provider.InvokeResult{{
		Text:      "ok",
		SessionID: "sess-1",
		Usage:     provider.Usage{InputTokens: 100, ContextWindow: 200_000},
	}}

	_, err := h.comms.Send(ctx, "gru", model.ClassLead, "bob", "first", time.Now().UTC())
	require.NoError(t, err)
	_, err = h.daemon.Step(ctx)
	require.NoError(t, err)
	require.Empty(t, h.provider.calls[0].SessionID, "nothing to resume on the first turn")

	_, err = h.comms.Send(ctx, "gru", model.ClassLead, "bob", "second", time.Now().UTC())
	require.NoError(t, err)
	_, err = h.daemon.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, "sess-1", h.provider.calls[1].SessionID)
}

type blockingProvider struct {
	started chan struct{}
}

func (b *blockingProvider) Name() string { return "blocking" }

func (b *blockingProvider) Capabilities() provider.Capabilities { return provider.Capabilities{} }

func (b *blockingProvider) Invoke(ctx context.Context, _ provider.InvokeParams) (provider.InvokeResult, error) {
	close(b.started)
	<-ctx.Done()
	return provider.InvokeResult{}, ctx.Err()
}

func TestInterruptCancelsInFlightTurn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	blocking := &blockingProvider{started: make(chan struct{})}
	h.daemon.provider = blocking
	h.daemon.interruptPoll = 10 * time.Millisecond

	_, err := h.comms.Send(ctx, "gru", model.ClassLead, "bob", "start the migration", time.Now().UTC())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.daemon.Step(ctx)
		done <- err
	}()
	<-blocking.started
	require.NoError(t, h.store.RequestInterrupt(ctx, "bob", "gru", time.Now().UTC()))

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("turn kept running after the interrupt landed")
	}
}

func TestCircuitBreakerAlertsLead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cause := errors.New("provider wedged")

	for i := 0; i < h.daemon.cfg.FailureThreshold; i++ {
		require.NoError(t, h.daemon.recordFailure(ctx, cause))
	}

	alert, err := os.ReadFile(h.daemon.cfg.StateFile("bob") + ".alert")
	require.NoError(t, err)
	require.Contains(t, string(alert), "circuit breaker")
	require.Contains(t, string(alert), "provider wedged")

	inbox, err := h.comms.CheckInbox(ctx, "gru", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.Contains(t, inbox[0].Body, "circuit breaker")
}

func TestFailureBackoffGrowsThenCaps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := h.daemon.cfg

	require.NoError(t, h.daemon.recordFailure(ctx, errors.New("x")))
	require.Equal(t, cfg.RetryBackoff, h.daemon.pollInterval)
	require.NoError(t, h.daemon.recordFailure(ctx, errors.New("x")))
	require.Equal(t, 2*cfg.RetryBackoff, h.daemon.pollInterval)
	require.NoError(t, h.daemon.recordFailure(ctx, errors.New("x")))
	require.Equal(t, cfg.RetryBackoffMax, h.daemon.pollInterval)
}

func TestSaveStateWritesSnapshot(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.daemon.saveState())
	data, err := os.ReadFile(h.daemon.cfg.StateFile("bob"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"agent": "bob"`)
}
