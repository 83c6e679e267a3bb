// Package monitoring fuses the observability surfaces: daemon HP
// telemetry, the fleet dashboard, sitrep, and the one-shot poll used by
// terminal agents.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ai-janitor/minion-factory/internal/comms"
	"github.com/ai-janitor/minion-factory/internal/config"
	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/filesafety"
	"github.com/ai-janitor/minion-factory/internal/hp"
	"github.com/ai-janitor/minion-factory/internal/model"
	"github.com/ai-janitor/minion-factory/internal/provider"
	"github.com/ai-janitor/minion-factory/internal/registry"
)

type Service struct {
	store  *db.Store
	cfg    config.Config
	comms  *comms.Service
	roster *registry.Service
	claims *filesafety.Service
}

func New(store *db.Store, cfg config.Config, messaging *comms.Service, roster *registry.Service, claims *filesafety.Service) *Service {
	return &Service{store: store, cfg: cfg, comms: messaging, roster: roster, claims: claims}
}

// ApplyTurnTelemetry converts one provider turn's usage into an HP write:
// cumulative accounting, per-turn pressure, and lead alerts at the
// thresholds. Alert bodies are written before the transaction so the
// message rows can reference them atomically.
func (s *Service) ApplyTurnTelemetry(ctx context.Context, agent string, usage provider.Usage, now time.Time) (db.HPResult, int, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	limit := usage.ContextWindow
	if limit <= 0 {
		limit = s.cfg.DefaultContextWindow
	}
	used := usage.EffectiveInput()
	pct := hp.Percent(used, limit)

	alertContent := make(map[int]string, len(hp.AlertLevels))
	for _, level := range hp.AlertLevels {
		if pct > level {
			continue
		}
		body := fmt.Sprintf("HP alert: %s is at %d%% context (threshold %d%%). used=%d limit=%d. Consider a handoff or fenix_down soon.",
			agent, pct, level, used, limit)
		path, err := s.comms.SystemAlertPath(body, now)
		if err != nil {
			return db.HPResult{}, 0, err
		}
		alertContent[level] = path
	}

	update := db.HPUpdate{
		Agent:        agent,
		AddInput:     usage.InputTokens + usage.CacheCreationTokens,
		AddOutput:    usage.OutputTokens,
		TurnInput:    used,
		TurnOutput:   usage.OutputTokens,
		Pct:          &pct,
		AlertContent: alertContent,
		Now:          now,
	}
	if usage.ContextWindow > 0 {
		window := usage.ContextWindow
		update.Limit = &window
	}
	result, err := s.store.UpdateHP(ctx, update)
	if err != nil {
		return db.HPResult{}, 0, err
	}
	return result, pct, nil
}

// PartyStatus is the lead's fleet dashboard.
type PartyStatus struct {
	Agents []registry.AgentView
	Flags  []model.Flag
	Open   int
	Active int
	Closed int
}

func (s *Service) PartyStatus(ctx context.Context, now time.Time) (PartyStatus, error) {
	views, err := s.roster.Who(ctx, now)
	if err != nil {
		return PartyStatus{}, err
	}
	flags, err := s.store.ListFlags(ctx)
	if err != nil {
		return PartyStatus{}, err
	}
	tasks, err := s.store.ListTasks(ctx, db.TaskFilter{Project: s.cfg.Project})
	if err != nil {
		return PartyStatus{}, err
	}
	status := PartyStatus{Agents: views, Flags: flags}
	for _, task := range tasks {
		switch task.Status {
		case "open", "assigned":
			status.Open++
		case "closed":
			status.Closed++
		default:
			status.Active++
		}
	}
	return status, nil
}

// Sitrep is the fused situation view any agent may request.
type Sitrep struct {
	Agents []registry.AgentView
	Tasks  []model.Task
	Claims []filesafety.ClaimView
	Flags  []model.Flag
	Plan   *model.Plan
}

func (s *Service) Sitrep(ctx context.Context, now time.Time) (Sitrep, error) {
	views, err := s.roster.Who(ctx, now)
	if err != nil {
		return Sitrep{}, err
	}
	tasks, err := s.store.ListTasks(ctx, db.TaskFilter{Project: s.cfg.Project})
	if err != nil {
		return Sitrep{}, err
	}
	claims, err := s.claims.List(ctx)
	if err != nil {
		return Sitrep{}, err
	}
	flags, err := s.store.ListFlags(ctx)
	if err != nil {
		return Sitrep{}, err
	}
	rep := Sitrep{Agents: views, Tasks: tasks, Claims: claims, Flags: flags}
	if plan, err := s.store.ActivePlan(ctx, s.cfg.Project); err == nil {
		rep.Plan = &plan
	} else if !errors.Is(err, db.ErrNotFound) {
		return Sitrep{}, err
	}
	return rep, nil
}

// Poll is the one-shot heartbeat contract: unread mail, pending
// shutdown or interrupt signals, and whether claimable work exists. The
// caller maps Shutdown to its exit code.
type Poll struct {
	Unread        int
	Shutdown      bool
	Interrupted   bool
	ResumeMessage string
	MoonCrash     bool
}

func (s *Service) Poll(ctx context.Context, agent string, now time.Time) (Poll, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var poll Poll
	var err error
	poll.Unread, err = s.store.UnreadCount(ctx, agent)
	if err != nil {
		return Poll{}, err
	}
	standDown, err := s.store.FlagSet(ctx, model.FlagStandDown)
	if err != nil {
		return Poll{}, err
	}
	retire, err := s.store.RetireRequested(ctx, agent)
	if err != nil {
		return Poll{}, err
	}
	poll.Shutdown = standDown || retire
	poll.MoonCrash, err = s.store.FlagSet(ctx, model.FlagMoonCrash)
	if err != nil {
		return Poll{}, err
	}
	interrupt, err := s.store.TakeInterrupt(ctx, agent)
	if err != nil {
		return Poll{}, err
	}
	poll.Interrupted = interrupt.Interrupted
	poll.ResumeMessage = interrupt.ResumeMessage
	if err := s.store.TouchLastSeen(ctx, agent, now); err != nil {
		return Poll{}, err
	}
	return poll, nil
}
