// Package warroom holds the shared coordination state: the battle plan
// every send is gated on, and the append-only raid log.
package warroom

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ai-janitor/minion-factory/internal/config"
	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/model"
)

type Service struct {
	store *db.Store
	cfg   config.Config
}

func New(store *db.Store, cfg config.Config) *Service {
	return &Service{store: store, cfg: cfg}
}

// SetPlan persists the plan text and activates it, completing whatever
// plan was active. Messaging is blocked until some plan is active, so
// this is the first real command of every session.
func (s *Service) SetPlan(ctx context.Context, agent, body string, now time.Time) (model.Plan, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	planFile, err := s.write(s.cfg.PlansDir(), body, now)
	if err != nil {
		return model.Plan{}, err
	}
	return s.store.SetPlan(ctx, agent, s.cfg.Project, planFile, now)
}

type PlanView struct {
	Plan model.Plan
	Body string
}

// ActivePlan returns the current plan with its text.
func (s *Service) ActivePlan(ctx context.Context) (PlanView, error) {
	plan, err := s.store.ActivePlan(ctx, s.cfg.Project)
	if err != nil {
		return PlanView{}, err
	}
	return PlanView{Plan: plan, Body: s.read(plan.PlanFile)}, nil
}

func (s *Service) Plans(ctx context.Context) ([]model.Plan, error) {
	return s.store.ListPlans(ctx, s.cfg.Project)
}

func (s *Service) UpdatePlanStatus(ctx context.Context, id int64, status model.PlanStatus) error {
	return s.store.UpdatePlanStatus(ctx, id, status)
}

// Log appends a raid-log entry.
func (s *Service) Log(ctx context.Context, agent, body string, priority model.LogPriority, now time.Time) (int64, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	entryFile, err := s.write(s.cfg.RaidLogDir(), body, now)
	if err != nil {
		return 0, err
	}
	return s.store.AppendLog(ctx, agent, entryFile, priority, now)
}

type LogView struct {
	Entry model.LogEntry
	Body  string
}

func (s *Service) GetLog(ctx context.Context, filter db.LogFilter) ([]LogView, error) {
	entries, err := s.store.GetLog(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]LogView, 0, len(entries))
	for _, e := range entries {
		out = append(out, LogView{Entry: e, Body: s.read(e.EntryFile)})
	}
	return out, nil
}

func (s *Service) write(dir, body string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.md", now.UTC().Format("20060102T150405"), uuid.NewString()[:8]))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

func (s *Service) read(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("(body unavailable: %s)", path)
	}
	return string(data)
}
