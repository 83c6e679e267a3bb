// Package registry is the agent roster: registration, liveness, and
// context freshness checks.
package registry

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ai-janitor/minion-factory/internal/config"
	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/hp"
	"github.com/ai-janitor/minion-factory/internal/model"
)

type Service struct {
	store *db.Store
	cfg   config.Config
}

func New(store *db.Store, cfg config.Config) *Service {
	return &Service{store: store, cfg: cfg}
}

// Register enrolls or refreshes an agent. Names are operator-facing and
// unique; re-registering the same name is how a restarted agent rejoins.
func (s *Service) Register(ctx context.Context, name string, class model.Class, modelName string, transport model.Transport, now time.Time) error {
	if name == "" || name == model.BroadcastTo || model.Class(name).Valid() {
		return fmt.Errorf("agent name %q: reserved", name)
	}
	return s.store.RegisterAgent(ctx, model.Agent{
		Name:         name,
		Class:        class,
		Model:        modelName,
		Transport:    transport,
		RegisteredAt: now,
	})
}

func (s *Service) Deregister(ctx context.Context, name string) error {
	return s.store.DeleteAgent(ctx, name)
}

func (s *Service) Rename(ctx context.Context, oldName, newName string) error {
	if newName == "" || newName == model.BroadcastTo || model.Class(newName).Valid() {
		return fmt.Errorf("agent name %q: reserved", newName)
	}
	return s.store.RenameAgent(ctx, oldName, newName)
}

// AgentView is the roster row shown by who and party-status.
type AgentView struct {
	Agent    model.Agent
	Liveness model.Liveness
	HPPct    int
	HPState  model.HPState
}

func (s *Service) view(agent model.Agent, now time.Time) AgentView {
	pct, state := hp.ForAgent(agent, s.cfg.DefaultContextWindow)
	return AgentView{
		Agent:    agent,
		Liveness: s.Liveness(agent, now),
		HPPct:    pct,
		HPState:  state,
	}
}

// Liveness buckets an agent by last_seen age: active, idle, then dead.
func (s *Service) Liveness(agent model.Agent, now time.Time) model.Liveness {
	age := now.Sub(agent.LastSeen)
	switch {
	case age < s.cfg.ActiveWithin:
		return model.LivenessActive
	case age < s.cfg.IdleWithin:
		return model.LivenessIdle
	default:
		return model.LivenessDead
	}
}

// Who returns the full roster with liveness and HP.
func (s *Service) Who(ctx context.Context, now time.Time) ([]AgentView, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AgentView, 0, len(agents))
	for _, agent := range agents {
		out = append(out, s.view(agent, now))
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, name string, now time.Time) (AgentView, error) {
	agent, err := s.store.GetAgent(ctx, name)
	if err != nil {
		return AgentView{}, err
	}
	return s.view(agent, now), nil
}

// CheckActivity reports how recently an agent was seen and how stale its
// context summary is.
type Activity struct {
	Liveness   model.Liveness
	LastSeen   time.Time
	ContextAge time.Duration
	Status     string
}

func (s *Service) CheckActivity(ctx context.Context, name string, now time.Time) (Activity, error) {
	agent, err := s.store.GetAgent(ctx, name)
	if err != nil {
		return Activity{}, err
	}
	return Activity{
		Liveness:   s.Liveness(agent, now),
		LastSeen:   agent.LastSeen,
		ContextAge: now.Sub(agent.ContextUpdatedAt),
		Status:     agent.Status,
	}, nil
}

// Freshness compares a file's mtime against an agent's last context
// refresh. A file modified after the refresh means the agent's mental
// model of it is suspect.
type Freshness struct {
	Path       string
	ModifiedAt time.Time
	ContextAt  time.Time
	Stale      bool
}

func (s *Service) CheckFreshness(ctx context.Context, agentName string, paths []string) ([]Freshness, error) {
	agent, err := s.store.GetAgent(ctx, agentName)
	if err != nil {
		return nil, err
	}
	out := make([]Freshness, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		out = append(out, Freshness{
			Path:       path,
			ModifiedAt: info.ModTime().UTC(),
			ContextAt:  agent.ContextUpdatedAt,
			Stale:      info.ModTime().UTC().After(agent.ContextUpdatedAt),
		})
	}
	return out, nil
}
