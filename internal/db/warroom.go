package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ai-janitor/minion-factory/internal/model"
)

// SetPlan activates a new battle plan and completes any plan that was
// active for the project, in one transaction. There is at most one active
// plan per project at any commit point.
func (s *Store) SetPlan(ctx context.Context, agent, project, planFile string, now time.Time) (model.Plan, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Plan{}, fmt.Errorf("begin plan tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE plans SET status = 'completed' WHERE project = ? AND status = 'active'
`, project); err != nil {
		tx.Rollback() //nolint:errcheck
		return model.Plan{}, fmt.Errorf("complete prior plans: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO plans(agent, project, plan_file, status, set_at) VALUES (?, ?, ?, 'active', ?)
`, agent, project, planFile, ts(now))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return model.Plan{}, fmt.Errorf("insert plan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return model.Plan{}, fmt.Errorf("plan id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Plan{}, fmt.Errorf("commit plan tx: %w", err)
	}
	return model.Plan{ID: id, Agent: agent, Project: project, PlanFile: planFile, Status: model.PlanActive, SetAt: now}, nil
}

// ActivePlan returns the project's active plan, or ErrNotFound.
func (s *Store) ActivePlan(ctx context.Context, project string) (model.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, agent, project, plan_file, status, set_at FROM plans
WHERE project = ? AND status = 'active' ORDER BY id DESC LIMIT 1
`, project)
	return scanPlan(row)
}

func (s *Store) GetPlan(ctx context.Context, id int64) (model.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, agent, project, plan_file, status, set_at FROM plans WHERE id = ?
`, id)
	return scanPlan(row)
}

func (s *Store) UpdatePlanStatus(ctx context.Context, id int64, status model.PlanStatus) error {
	if !status.Valid() {
		return fmt.Errorf("plan status %q: invalid", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE plans SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update plan status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("plan rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListPlans(ctx context.Context, project string) ([]model.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, agent, project, plan_file, status, set_at FROM plans
WHERE project = ? ORDER BY id ASC
`, project)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	out := make([]model.Plan, 0)
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter plans: %w", err)
	}
	return out, nil
}

// AppendLog records a shared raid-log entry. The entry body lives in
// entryFile; the row is the index.
func (s *Store) AppendLog(ctx context.Context, agent, entryFile string, priority model.LogPriority, now time.Time) (int64, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if priority == "" {
		priority = model.PriorityNormal
	}
	if !priority.Valid() {
		return 0, fmt.Errorf("log priority %q: invalid", priority)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO raid_log(agent, entry_file, priority, created_at) VALUES (?, ?, ?, ?)
`, agent, entryFile, string(priority), ts(now))
	if err != nil {
		return 0, fmt.Errorf("insert log entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("log entry id: %w", err)
	}
	return id, nil
}

type LogFilter struct {
	Agent    string
	Priority model.LogPriority
	Limit    int
}

func (s *Store) GetLog(ctx context.Context, filter LogFilter) ([]model.LogEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	query := `SELECT id, agent, entry_file, priority, created_at FROM raid_log WHERE 1=1`
	args := []any{}
	if filter.Agent != "" {
		query += ` AND agent = ?`
		args = append(args, filter.Agent)
	}
	if filter.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, string(filter.Priority))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query raid log: %w", err)
	}
	defer rows.Close()

	out := make([]model.LogEntry, 0)
	for rows.Next() {
		var (
			e         model.LogEntry
			priority  string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Agent, &e.EntryFile, &priority, &createdAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Priority = model.LogPriority(priority)
		if e.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, fmt.Errorf("parse log timestamp: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter raid log: %w", err)
	}
	return out, nil
}

func scanPlan(sc scanner) (model.Plan, error) {
	var (
		plan   model.Plan
		status string
		setAt  string
	)
	if err := sc.Scan(&plan.ID, &plan.Agent, &plan.Project, &plan.PlanFile, &status, &setAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Plan{}, ErrNotFound
		}
		return model.Plan{}, fmt.Errorf("scan plan: %w", err)
	}
	plan.Status = model.PlanStatus(status)
	var err error
	if plan.SetAt, err = parseTS(setAt); err != nil {
		return model.Plan{}, fmt.Errorf("parse plan timestamp: %w", err)
	}
	return plan, nil
}
