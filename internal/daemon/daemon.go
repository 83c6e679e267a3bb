// Package daemon runs one agent's life: the poll loop, prompt assembly,
// provider turns, HP telemetry, compaction recovery, and the circuit
// breaker around a flapping provider.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ai-janitor/minion-factory/internal/comms"
	"github.com/ai-janitor/minion-factory/internal/config"
	"github.com/ai-janitor/minion-factory/internal/contracts"
	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/lifecycle"
	"github.com/ai-janitor/minion-factory/internal/model"
	"github.com/ai-janitor/minion-factory/internal/monitoring"
	"github.com/ai-janitor/minion-factory/internal/provider"
	"github.com/ai-janitor/minion-factory/internal/tasks"
)

type Daemon struct {
	agent     string
	class     model.Class
	modelName string

	store      *db.Store
	cfg        config.Config
	comms      *comms.Service
	tasks      *tasks.Service
	life       *lifecycle.Service
	monitor    *monitoring.Service
	provider   provider.Provider
	log        *zap.Logger

	buffer       *Buffer
	pollInterval time.Duration
	failures     int
	retryBackoff time.Duration
	// reinject carries a compaction briefing into the next prompt.
	reinject string

	caps    provider.Capabilities
	markers []string
	// sessionID is the provider session of the last turn, passed back for
	// resume when the provider supports it.
	sessionID string
	// interruptPoll is how often an in-flight turn checks for an
	// interrupt request.
	interruptPoll time.Duration
}

type Options struct {
	Agent     string
	Class     model.Class
	ModelName string
	Store     *db.Store
	Config    config.Config
	Comms     *comms.Service
	Tasks     *tasks.Service
	Lifecycle *lifecycle.Service
	Monitor   *monitoring.Service
	Provider  provider.Provider
	// CompactionMarkers overrides the marker set scanned for in provider
	// streams; empty means the contracts defaults.
	CompactionMarkers []string
	Log               *zap.Logger
}

func New(opts Options) *Daemon {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	markers := opts.CompactionMarkers
	if len(markers) == 0 {
		markers = contracts.DefaultCompactionMarkers()
	}
	return &Daemon{
		agent:         opts.Agent,
		class:         opts.Class,
		modelName:     opts.ModelName,
		store:         opts.Store,
		cfg:           opts.Config,
		comms:         opts.Comms,
		tasks:         opts.Tasks,
		life:          opts.Lifecycle,
		monitor:       opts.Monitor,
		provider:      opts.Provider,
		log:           opts.Log.With(zap.String("agent", opts.Agent)),
		buffer:        NewBuffer(opts.Config.MaxHistoryTokens),
		pollInterval:  opts.Config.PollInterval,
		retryBackoff:  opts.Config.RetryBackoff,
		caps:          opts.Provider.Capabilities(),
		markers:       markers,
		interruptPoll: 2 * time.Second,
	}
}

// ErrShutdown is returned when the loop exits on stand-down or retire.
// The caller maps it to the shutdown exit code.
var ErrShutdown = errors.New("shutdown requested")

// Run is the daemon's whole life. It boots, then polls until shutdown
// or context cancellation.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.boot(ctx, time.Now().UTC()); err != nil {
		return err
	}

	for {
		worked, err := d.Step(ctx)
		switch {
		case errors.Is(err, ErrShutdown):
			d.log.Info("standing down")
			return ErrShutdown
		case err != nil:
			if ferr := d.recordFailure(ctx, err); ferr != nil {
				d.log.Error("failure handling failed", zap.Error(ferr))
			}
		default:
			d.failures = 0
			d.retryBackoff = d.cfg.RetryBackoff
			if worked {
				d.pollInterval = d.cfg.PollInterval
			} else {
				// Idle backoff. Nothing arrived, poll less often.
				d.pollInterval *= 2
				if d.pollInterval > d.cfg.PollIntervalMax {
					d.pollInterval = d.cfg.PollIntervalMax
				}
			}
		}
		if err := d.saveState(); err != nil {
			d.log.Warn("state save failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pollInterval):
		}
	}
}

// boot announces the agent: registry row, a fresh context summary, a
// ready status, and the cold-start briefing queued for the first turn.
func (d *Daemon) boot(ctx context.Context, now time.Time) error {
	if err := d.store.RegisterAgent(ctx, model.Agent{
		Name:         d.agent,
		Class:        d.class,
		Model:        d.modelName,
		Transport:    model.TransportDaemon,
		RegisteredAt: now,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := d.store.SetContext(ctx, db.ContextUpdate{
		Name: d.agent, Summary: "just started", Now: now,
	}); err != nil {
		return fmt.Errorf("announce context: %w", err)
	}
	if err := d.store.SetStatus(ctx, d.agent, "ready for orders", now); err != nil {
		return fmt.Errorf("announce status: %w", err)
	}
	briefing, err := d.life.ColdStart(ctx, d.agent, now)
	if err != nil {
		return fmt.Errorf("cold start: %w", err)
	}
	if len(briefing.Fenix) > 0 || briefing.Unread > 0 {
		d.reinject = contracts.CompactionBriefing(briefing, d.cfg.Project)
	}
	d.log.Info("daemon up",
		zap.String("class", string(d.class)),
		zap.Int("unread", briefing.Unread),
		zap.Int("fenix", len(briefing.Fenix)))
	return nil
}

// Step runs one poll cycle: signals first, then work discovery, then at
// most one provider turn. It reports whether anything happened.
func (d *Daemon) Step(ctx context.Context) (bool, error) {
	now := time.Now().UTC()
	poll, err := d.monitor.Poll(ctx, d.agent, now)
	if err != nil {
		return false, err
	}
	if poll.Shutdown {
		return false, ErrShutdown
	}
	if poll.Interrupted {
		d.log.Debug("interrupted, holding")
		return false, nil
	}
	if poll.ResumeMessage != "" {
		d.buffer.Append("operator", poll.ResumeMessage)
	}

	var sections []string
	if d.reinject != "" {
		sections = append(sections, d.reinject)
		d.reinject = ""
	}

	if poll.Unread > 0 {
		items, err := d.comms.CheckInbox(ctx, d.agent, now)
		if err != nil {
			return false, err
		}
		for _, item := range items {
			sections = append(sections, fmt.Sprintf("Message from %s:\n%s", item.Message.FromAgent, item.Body))
		}
	}

	if !poll.MoonCrash {
		task, err := d.tasks.Pull(ctx, d.agent, d.class, 0, now)
		switch {
		case errors.Is(err, db.ErrNotFound):
		case model.IsPrecondition(err, ""):
		case err != nil:
			return false, err
		default:
			spec := d.readFile(task.TaskFile)
			sections = append(sections, fmt.Sprintf("Task #%d: %s [%s]\n%s", task.ID, task.Title, task.Status, spec))
		}
	}

	if len(sections) == 0 {
		return false, nil
	}
	return true, d.turn(ctx, strings.Join(sections, "\n\n---\n\n"), now)
}

// turn runs one provider invocation and folds the outcome back into the
// kernel: invocation log, HP telemetry, compaction recovery, history.
func (d *Daemon) turn(ctx context.Context, input string, now time.Time) error {
	prompt := d.buildPrompt(input)
	invocationID := uuid.NewString()
	if err := d.store.BeginInvocation(ctx, invocationID, d.agent, nil, now); err != nil {
		return err
	}

	turnCtx, cancel := context.WithTimeout(ctx, d.cfg.NoOutputTimeout)
	defer cancel()
	go d.watchInterrupt(turnCtx, cancel)

	params := provider.InvokeParams{
		Agent:             d.agent,
		Model:             d.modelName,
		SystemPrompt:      contracts.BootPrompt(d.agent, d.class, d.cfg.Project),
		Prompt:            prompt,
		CompactionMarkers: d.markers,
		StreamTail:        d.cfg.StreamTail(d.agent),
	}
	if d.caps.SupportsResume {
		params.SessionID = d.sessionID
	}
	result, err := d.provider.Invoke(turnCtx, params)
	if err != nil {
		if ferr := d.store.FinishInvocation(ctx, invocationID, "error: "+err.Error(), 0, 0, time.Now().UTC()); ferr != nil {
			d.log.Warn("invocation close failed", zap.Error(ferr))
		}
		return fmt.Errorf("provider turn: %w", err)
	}
	if err := d.store.FinishInvocation(ctx, invocationID, "ok",
		result.Usage.EffectiveInput(), result.Usage.OutputTokens, time.Now().UTC()); err != nil {
		d.log.Warn("invocation close failed", zap.Error(err))
	}
	if result.SessionID != "" {
		d.sessionID = result.SessionID
	}

	if _, pct, err := d.monitor.ApplyTurnTelemetry(ctx, d.agent, result.Usage, time.Now().UTC()); err != nil {
		d.log.Warn("hp write failed", zap.Error(err))
	} else {
		d.log.Debug("turn complete", zap.Int("hp", pct), zap.Int64("output", result.Usage.OutputTokens))
	}

	if len(result.CompactionMarkers) > 0 {
		for _, marker := range result.CompactionMarkers {
			if err := d.store.RecordCompaction(ctx, d.agent, marker, time.Now().UTC()); err != nil {
				d.log.Warn("compaction record failed", zap.Error(err))
			}
		}
		// Capture the rolling buffer before the reset: it is the only
		// record of the turns the provider just threw away.
		replay := d.buffer.Render()
		briefing, err := d.life.ColdStart(ctx, d.agent, time.Now().UTC())
		if err != nil {
			d.log.Warn("compaction briefing failed", zap.Error(err))
		} else {
			d.reinject = d.composeReinject(contracts.CompactionBriefing(briefing, d.cfg.Project), replay)
		}
		d.buffer.Reset()
		d.log.Info("compaction detected", zap.Strings("markers", result.CompactionMarkers))
	}

	d.buffer.Append("input", input)
	d.buffer.Append(d.agent, result.Text)
	return nil
}

// composeReinject joins the durable-state briefing with a replay of the
// rolling buffer, trimming the replay's front to the prompt budget.
func (d *Daemon) composeReinject(briefing, replay string) string {
	if replay == "" {
		return briefing
	}
	budget := d.cfg.MaxPromptChars - len(briefing)
	if budget <= 0 {
		return briefing
	}
	if len(replay) > budget {
		replay = "(earlier turns elided)\n" + replay[len(replay)-budget:]
	}
	return briefing + "\nReplay of the turns before the compaction:\n\n" + replay
}

// watchInterrupt polls for an interrupt request while a provider turn is
// in flight and cancels the turn when one lands.
func (d *Daemon) watchInterrupt(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(d.interruptPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := d.store.InterruptPending(ctx, d.agent)
			if err != nil {
				d.log.Warn("interrupt check failed", zap.Error(err))
				continue
			}
			if pending {
				d.log.Info("interrupt requested, cancelling turn")
				cancel()
				return
			}
		}
	}
}

func (d *Daemon) buildPrompt(input string) string {
	history := d.buffer.Render()
	prompt := input
	if history != "" {
		prompt = "Recent history:\n\n" + history + "\n---\n\nNow:\n\n" + input
	}
	if len(prompt) > d.cfg.MaxPromptChars {
		// Keep the tail; the freshest content is at the end.
		prompt = "(earlier history elided)\n" + prompt[len(prompt)-d.cfg.MaxPromptChars:]
	}
	return prompt
}

// recordFailure advances the circuit breaker. At the threshold it writes
// an operator-visible alert file, tells the lead, and holds for the long
// backoff instead of hammering a broken provider.
func (d *Daemon) recordFailure(ctx context.Context, cause error) error {
	d.failures++
	d.log.Warn("cycle failed", zap.Int("failures", d.failures), zap.Error(cause))
	if d.failures < d.cfg.FailureThreshold {
		d.pollInterval = d.retryBackoff
		d.retryBackoff *= 2
		if d.retryBackoff > d.cfg.RetryBackoffMax {
			d.retryBackoff = d.cfg.RetryBackoffMax
		}
		return nil
	}

	d.pollInterval = d.cfg.RetryBackoffMax
	if err := os.MkdirAll(d.cfg.StateDir(), 0o700); err != nil {
		return err
	}
	alert := fmt.Sprintf("daemon %s tripped its circuit breaker after %d consecutive failures\nlast error: %v\n",
		d.agent, d.failures, cause)
	alertPath := d.cfg.StateFile(d.agent) + ".alert"
	if err := os.WriteFile(alertPath, []byte(alert), 0o600); err != nil {
		return err
	}
	lead, err := d.store.CurrentLead(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := d.comms.Send(ctx, d.agent, d.class, lead.Name,
		"fenix_down: "+alert, time.Now().UTC()); err != nil {
		return err
	}
	return nil
}

// State is the crash-visible snapshot written each cycle.
type State struct {
	Agent        string    `json:"agent"`
	Class        string    `json:"class"`
	LastCycle    time.Time `json:"last_cycle"`
	Failures     int       `json:"failures"`
	PollInterval string    `json:"poll_interval"`
	BufferTokens int       `json:"buffer_tokens"`
}

func (d *Daemon) saveState() error {
	if err := os.MkdirAll(d.cfg.StateDir(), 0o700); err != nil {
		return err
	}
	state := State{
		Agent:        d.agent,
		Class:        string(d.class),
		LastCycle:    time.Now().UTC(),
		Failures:     d.failures,
		PollInterval: d.pollInterval.String(),
		BufferTokens: d.buffer.Tokens(),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(d.cfg.StateFile(d.agent), data, 0o600)
}

func (d *Daemon) readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("(file unavailable: %s)", path)
	}
	return string(data)
}
