// Package tasks is the flow-aware task engine: creation, race-safe pulls,
// phase completion routed by the task's flow, and lead overrides.
package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ai-janitor/minion-factory/internal/config"
	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/flow"
	"github.com/ai-janitor/minion-factory/internal/hp"
	"github.com/ai-janitor/minion-factory/internal/model"
)

// churnThreshold is the activity count at which a task starts looking
// like it is bouncing between phases without landing.
const churnThreshold = 4

type Service struct {
	store *db.Store
	cfg   config.Config
	flows *flow.Registry
}

func New(store *db.Store, cfg config.Config, flows *flow.Registry) *Service {
	return &Service{store: store, cfg: cfg, flows: flows}
}

type CreateParams struct {
	Title         string
	Spec          string
	Zone          string
	BlockedBy     []int64
	Files         []string
	ClassRequired model.Class
	TaskType      string
	CreatedBy     string
	Now           time.Time
}

// Create validates the task type against the flow registry, persists the
// spec text, and inserts the task.
func (s *Service) Create(ctx context.Context, params CreateParams) (model.Task, error) {
	if params.Now.IsZero() {
		params.Now = time.Now().UTC()
	}
	if params.TaskType == "" {
		params.TaskType = flow.BaseFlow
	}
	if _, err := s.flows.Get(params.TaskType); err != nil {
		return model.Task{}, err
	}
	taskFile, err := s.writeFile(s.cfg.TasksDir(s.cfg.Project), params.Spec, params.Now)
	if err != nil {
		return model.Task{}, err
	}
	return s.store.CreateTask(ctx, db.TaskCreate{
		Title:         params.Title,
		TaskFile:      taskFile,
		Project:       s.cfg.Project,
		Zone:          params.Zone,
		BlockedBy:     params.BlockedBy,
		CreatedBy:     params.CreatedBy,
		Files:         params.Files,
		ClassRequired: params.ClassRequired,
		TaskType:      params.TaskType,
		Now:           params.Now,
	})
}

// Pull claims work for the caller. With a task id it claims that task:
// the opening phases go through the status CAS, review phases through the
// assignment CAS. Without an id it discovers the best candidate across
// both kinds, oldest first, preferring tasks already assigned to the
// caller.
func (s *Service) Pull(ctx context.Context, agent string, class model.Class, taskID int64, now time.Time) (model.Task, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if taskID != 0 {
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return model.Task{}, err
		}
		return s.claim(ctx, task, agent, class, now)
	}

	candidates, err := s.store.ListTasks(ctx, db.TaskFilter{Project: s.cfg.Project})
	if err != nil {
		return model.Task{}, err
	}
	// Two passes: tasks already mine, then anything claimable.
	for _, mine := range []bool{true, false} {
		for _, task := range candidates {
			if mine != (task.AssignedTo == agent) {
				continue
			}
			if !s.claimable(task, agent, class) {
				continue
			}
			claimed, err := s.claim(ctx, task, agent, class, now)
			if model.IsPrecondition(err, model.RuleAlreadyPulled) || model.IsPrecondition(err, model.RuleBlockedBy) {
				continue
			}
			if err != nil {
				return model.Task{}, err
			}
			return claimed, nil
		}
	}
	return model.Task{}, db.ErrNotFound
}

func (s *Service) claimable(task model.Task, agent string, class model.Class) bool {
	f, err := s.flows.Get(task.TaskType)
	if err != nil {
		return false
	}
	switch task.Status {
	case "open":
		return task.ClassRequired == class
	case "assigned":
		return task.AssignedTo == agent && task.ClassRequired == class
	default:
		if f.Terminal(task.Status) {
			return false
		}
		return f.Owns(task.Status, class) && (task.AssignedTo == "" || task.AssignedTo == agent)
	}
}

func (s *Service) claim(ctx context.Context, task model.Task, agent string, class model.Class, now time.Time) (model.Task, error) {
	switch task.Status {
	case "open", "assigned":
		return s.store.PullTask(ctx, db.PullParams{Agent: agent, Class: class, TaskID: task.ID, Now: now})
	default:
		f, err := s.flows.Get(task.TaskType)
		if err != nil {
			return model.Task{}, err
		}
		if f.Terminal(task.Status) {
			return model.Task{}, model.Precondition(model.RuleInvalidTransition,
				fmt.Sprintf("task %d is %s, a terminal status", task.ID, task.Status), "reopen it first")
		}
		if !f.Owns(task.Status, class) {
			return model.Task{}, model.Precondition(model.RuleWorkerClassMismatch,
				fmt.Sprintf("status %s is worked by classes %v, caller is %s", task.Status, f.WorkerClasses(task.Status), class),
				"pull a task matching your class")
		}
		if task.AssignedTo != agent {
			if err := s.store.ClaimPhase(ctx, task.ID, agent, task.Status, now); err != nil {
				return model.Task{}, err
			}
		}
		return s.store.GetTask(ctx, task.ID)
	}
}

// SubmitResult persists the result text and records it on the task. The
// task does not move; complete-phase does that.
func (s *Service) SubmitResult(ctx context.Context, id int64, agent, result string, now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	resultFile, err := s.writeFile(s.cfg.ResultsDir(s.cfg.Project), result, now)
	if err != nil {
		return "", err
	}
	if err := s.store.SetResult(ctx, id, agent, resultFile, now); err != nil {
		return "", err
	}
	return resultFile, nil
}

// CompleteParams describes one phase completion. Failed routes the task
// down the stage's fail edge; Blocked records the reason without moving
// the task at all.
type CompleteParams struct {
	ID      int64
	Agent   string
	Class   model.Class
	To      string
	Failed  bool
	Blocked bool
	Reason  string
	Now     time.Time
}

// PhaseOutcome is the completed task plus any advisory warnings, churn
// being the usual one.
type PhaseOutcome struct {
	Task     model.Task
	Warnings []string
}

// CompletePhase finishes the caller's phase. Success advances the task
// along the flow, failure sends it down the stage's fail edge, and a
// blocked report parks it in place with the reason on record. Stages
// that require a submitted result refuse to advance without one.
func (s *Service) CompletePhase(ctx context.Context, p CompleteParams) (PhaseOutcome, error) {
	if p.Now.IsZero() {
		p.Now = time.Now().UTC()
	}
	task, err := s.store.GetTask(ctx, p.ID)
	if err != nil {
		return PhaseOutcome{}, err
	}
	f, err := s.flows.Get(task.TaskType)
	if err != nil {
		return PhaseOutcome{}, err
	}

	if p.Blocked {
		if p.Reason == "" {
			return PhaseOutcome{}, model.Precondition(model.RuleInvalidTransition,
				"blocked completion without a reason", "pass --reason")
		}
		if err := s.store.UpdateTask(ctx, db.TaskUpdate{
			ID: p.ID, Agent: p.Agent, Progress: "BLOCKED: " + p.Reason, Now: p.Now,
		}); err != nil {
			return PhaseOutcome{}, err
		}
		task, err = s.store.GetTask(ctx, p.ID)
		if err != nil {
			return PhaseOutcome{}, err
		}
		return PhaseOutcome{Task: task, Warnings: churnWarnings(task)}, nil
	}

	to := p.To
	if p.Failed {
		to = f.FailTarget(task.Status)
		if to == "" {
			return PhaseOutcome{}, model.Precondition(model.RuleInvalidTransition,
				fmt.Sprintf("status %s has no fail branch", task.Status), "name the target status")
		}
	} else if to == "" {
		to, err = defaultNext(f, task.Status)
		if err != nil {
			return PhaseOutcome{}, err
		}
	}
	if !f.ValidTransition(task.Status, to) {
		next, _ := f.NextStatuses(task.Status)
		return PhaseOutcome{}, model.Precondition(model.RuleInvalidTransition,
			fmt.Sprintf("flow %s has no edge %s -> %s (valid: %v)", f.Name, task.Status, to, next),
			"pick a listed next status")
	}
	if to != f.FailTarget(task.Status) && f.RequiresResult(task.Status) && task.ResultFile == "" {
		return PhaseOutcome{}, model.Precondition(model.RuleMissingResult,
			fmt.Sprintf("status %s requires a submitted result before advancing", task.Status),
			"submit-result first")
	}
	if p.Class != model.ClassLead {
		if !f.AllowedWorker(task.Status, p.Class) {
			return PhaseOutcome{}, model.Precondition(model.RuleWorkerClassMismatch,
				fmt.Sprintf("phase %s belongs to classes %v", task.Status, f.WorkerClasses(task.Status)), "")
		}
		if task.AssignedTo != p.Agent {
			return PhaseOutcome{}, model.Precondition(model.RuleAlreadyPulled,
				fmt.Sprintf("task %d is assigned to %s", p.ID, task.AssignedTo), "pull it first")
		}
	}
	moved, err := s.store.TransitionTask(ctx, db.TransitionParams{
		ID: p.ID, Agent: p.Agent, From: task.Status, To: to,
		ClearAssigned: !f.Owns(to, p.Class), BumpActivity: true, Now: p.Now,
	})
	if err != nil {
		return PhaseOutcome{}, err
	}
	return PhaseOutcome{Task: moved, Warnings: churnWarnings(moved)}, nil
}

func churnWarnings(task model.Task) []string {
	if task.ActivityCount < churnThreshold {
		return nil
	}
	return []string{fmt.Sprintf("task %d has cycled %d times, consider splitting it or stepping in",
		task.ID, task.ActivityCount)}
}

// defaultNext picks the target when the caller names none: the sole
// forward edge. Stages with a fail branch or several forward edges need
// an explicit target.
func defaultNext(f flow.Flow, from string) (string, error) {
	stage, ok := f.Stages[from]
	if !ok {
		return "", fmt.Errorf("flow %s: status %q not defined", f.Name, from)
	}
	if len(stage.Next) == 1 {
		return stage.Next[0], nil
	}
	return "", model.Precondition(model.RuleInvalidTransition,
		fmt.Sprintf("status %s has %d forward edges %v", from, len(stage.Next), stage.Next),
		"name the target status explicitly")
}

// Transition is the lead's forced move. The edge must still exist in the
// task's flow; forcing off-graph states would break every reader.
func (s *Service) Transition(ctx context.Context, id int64, agent, to string, now time.Time) (model.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	f, err := s.flows.Get(task.TaskType)
	if err != nil {
		return model.Task{}, err
	}
	if !f.ValidTransition(task.Status, to) {
		return model.Task{}, model.Precondition(model.RuleInvalidTransition,
			fmt.Sprintf("flow %s has no edge %s -> %s", f.Name, task.Status, to), "")
	}
	return s.store.TransitionTask(ctx, db.TransitionParams{
		ID: id, Agent: agent, From: task.Status, To: to, ClearAssigned: true, Now: now,
	})
}

func (s *Service) Close(ctx context.Context, id int64, agent string, now time.Time) (model.Task, error) {
	return s.store.CloseTask(ctx, id, agent, now)
}

// AssignOutcome reports an assignment plus an advisory warning when the
// target agent's HP is critical.
type AssignOutcome struct {
	TaskID  int64
	Agent   string
	Warning string
}

// Assign pins an open task to an agent. Assignment is advisory about the
// target's health: a critical agent still gets the task, the caller just
// hears about it.
func (s *Service) Assign(ctx context.Context, id int64, agent, by string, now time.Time) (AssignOutcome, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	target, err := s.store.GetAgent(ctx, agent)
	if err != nil {
		return AssignOutcome{}, err
	}
	if err := s.store.AssignTask(ctx, id, agent, by, now); err != nil {
		return AssignOutcome{}, err
	}
	out := AssignOutcome{TaskID: id, Agent: agent}
	if pct, state := hp.ForAgent(target, s.cfg.DefaultContextWindow); state == model.HPCritical {
		out.Warning = fmt.Sprintf("%s is at %d%% HP, expect a compaction before this task finishes", agent, pct)
	}
	return out, nil
}

// Reopen puts a finished task back into its flow, at the named stage or
// at open. Only terminal tasks reopen; mid-flow tasks move through
// complete-phase or a lead transition.
func (s *Service) Reopen(ctx context.Context, id int64, agent, to string, now time.Time) (model.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	f, err := s.flows.Get(task.TaskType)
	if err != nil {
		return model.Task{}, err
	}
	if !f.Terminal(task.Status) {
		return model.Task{}, model.Precondition(model.RuleInvalidTransition,
			fmt.Sprintf("task %d is %s, not a terminal status", id, task.Status),
			"only finished tasks can be reopened")
	}
	if to == "" {
		to = "open"
	}
	if _, ok := f.Stages[to]; !ok {
		return model.Task{}, model.Precondition(model.RuleInvalidTransition,
			fmt.Sprintf("flow %s has no stage %q", f.Name, to), "name a stage of the flow")
	}
	if f.Terminal(to) {
		return model.Task{}, model.Precondition(model.RuleInvalidTransition,
			fmt.Sprintf("stage %q is terminal, reopening there is a no-op", to), "")
	}
	return s.store.ReopenTask(ctx, id, agent, to, now)
}

// Done fast-closes a task, optionally writing a summary result first.
func (s *Service) Done(ctx context.Context, id int64, agent, summary string, now time.Time) (model.Task, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if summary != "" {
		resultFile, err := s.writeFile(s.cfg.ResultsDir(s.cfg.Project), summary, now)
		if err != nil {
			return model.Task{}, err
		}
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			return model.Task{}, err
		}
		if _, err := s.store.TransitionTask(ctx, db.TransitionParams{
			ID: id, Agent: agent, From: task.Status, To: task.Status, ResultFile: resultFile, Now: now,
		}); err != nil {
			return model.Task{}, err
		}
	}
	return s.store.DoneTask(ctx, id, agent, now)
}

// NextStatus resolves the legal targets for a task's current status.
func (s *Service) NextStatus(ctx context.Context, id int64) (string, []string, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return "", nil, err
	}
	f, err := s.flows.Get(task.TaskType)
	if err != nil {
		return "", nil, err
	}
	next, err := f.NextStatuses(task.Status)
	if err != nil {
		return "", nil, err
	}
	return task.Status, next, nil
}

func (s *Service) Flows() *flow.Registry { return s.flows }

func (s *Service) writeFile(dir, body string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.md", now.UTC().Format("20060102T150405"), uuid.NewString()[:8]))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
