package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ai-janitor/minion-factory/internal/model"
)

const taskColumns = `id, title, task_file, project, zone, status, blocked_by, assigned_to, created_by,
files, progress, class_required, task_type, activity_count, result_file, requirement_path, created_at, updated_at`

type TaskCreate struct {
	Title           string
	TaskFile        string
	Project         string
	Zone            string
	BlockedBy       []int64
	CreatedBy       string
	Files           []string
	ClassRequired   model.Class
	TaskType        string
	RequirementPath string
	Now             time.Time
}

// CreateTask inserts a task in status open and records the creation
// transition. Every blocked_by id must reference an existing task.
func (s *Store) CreateTask(ctx context.Context, params TaskCreate) (model.Task, error) {
	if params.Now.IsZero() {
		params.Now = time.Now().UTC()
	}
	if params.ClassRequired == "" {
		params.ClassRequired = model.ClassCoder
	}
	if params.TaskType == "" {
		params.TaskType = "base"
	}
	blockedBy, err := marshalI64s(params.BlockedBy)
	if err != nil {
		return model.Task{}, err
	}
	files, err := marshalStrings(params.Files)
	if err != nil {
		return model.Task{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Task{}, fmt.Errorf("begin create-task tx: %w", err)
	}
	var active int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM plans WHERE project = ? AND status = 'active'
`, params.Project).Scan(&active); err != nil {
		tx.Rollback() //nolint:errcheck
		return model.Task{}, fmt.Errorf("check active plan: %w", err)
	}
	if active == 0 {
		tx.Rollback() //nolint:errcheck
		return model.Task{}, model.Precondition(model.RuleNoActivePlan,
			fmt.Sprintf("project %q has no active battle plan", params.Project),
			"a plan holder must run set-plan")
	}
	for _, dep := range params.BlockedBy {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, dep).Scan(&exists); err != nil {
			tx.Rollback() //nolint:errcheck
			return model.Task{}, fmt.Errorf("check dependency %d: %w", dep, err)
		}
		if exists == 0 {
			tx.Rollback() //nolint:errcheck
			return model.Task{}, fmt.Errorf("blocked_by task %d: %w", dep, ErrNotFound)
		}
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO tasks(title, task_file, project, zone, status, blocked_by, created_by, files,
	class_required, task_type, requirement_path, created_at, updated_at)
VALUES (?, ?, ?, ?, 'open', ?, ?, ?, ?, ?, ?, ?, ?)
`, params.Title, params.TaskFile, params.Project, params.Zone, blockedBy, params.CreatedBy,
		files, string(params.ClassRequired), params.TaskType, params.RequirementPath,
		ts(params.Now), ts(params.Now))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return model.Task{}, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return model.Task{}, fmt.Errorf("task id: %w", err)
	}
	if err := recordTransition(ctx, tx, id, "", "open", params.CreatedBy, params.Now); err != nil {
		tx.Rollback() //nolint:errcheck
		return model.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Task{}, fmt.Errorf("commit create-task tx: %w", err)
	}
	return s.GetTask(ctx, id)
}

// AssignTask pins an open task to an agent without starting it.
func (s *Store) AssignTask(ctx context.Context, id int64, agent, by string, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin assign tx: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
UPDATE tasks SET assigned_to = ?, status = 'assigned', updated_at = ?
WHERE id = ? AND status = 'open'
`, agent, ts(now), id)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("assign task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("assign rows affected: %w", err)
	}
	if n == 0 {
		tx.Rollback() //nolint:errcheck
		task, gerr := s.GetTask(ctx, id)
		if errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return model.Precondition(model.RuleInvalidTransition,
			fmt.Sprintf("task %d is %s, not open", id, task.Status), "only open tasks can be assigned")
	}
	if err := recordTransition(ctx, tx, id, "open", "assigned", by, now); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit assign tx: %w", err)
	}
	return nil
}

type PullParams struct {
	Agent string
	Class model.Class
	// TaskID selects a specific task; zero discovers the best candidate.
	TaskID int64
	Now    time.Time
}

// PullTask claims a task for the caller with a compare-and-set on
// (status, assigned_to), so two concurrent pulls of the same task resolve
// to exactly one winner. The loser gets an AlreadyPulled precondition.
func (s *Store) PullTask(ctx context.Context, params PullParams) (model.Task, error) {
	if params.Now.IsZero() {
		params.Now = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Task{}, fmt.Errorf("begin pull tx: %w", err)
	}
	task, err := s.pullInTx(ctx, tx, params)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return model.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Task{}, fmt.Errorf("commit pull tx: %w", err)
	}
	return task, nil
}

func (s *Store) pullInTx(ctx context.Context, tx *sql.Tx, params PullParams) (model.Task, error) {
	var candidate model.Task
	if params.TaskID != 0 {
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, params.TaskID)
		task, err := scanTask(row)
		if err != nil {
			return model.Task{}, err
		}
		if task.ClassRequired != params.Class {
			return model.Task{}, model.Precondition(model.RuleWorkerClassMismatch,
				fmt.Sprintf("task %d requires class %s, caller is %s", task.ID, task.ClassRequired, params.Class),
				"pull a task matching your class")
		}
		if task.Status != "open" && !(task.Status == "assigned" && task.AssignedTo == params.Agent) {
			return model.Task{}, model.Precondition(model.RuleAlreadyPulled,
				fmt.Sprintf("task %d is %s (assigned to %s)", task.ID, task.Status, task.AssignedTo),
				"pull another task")
		}
		blocked, err := openBlockers(ctx, tx, task)
		if err != nil {
			return model.Task{}, err
		}
		if len(blocked) > 0 {
			return model.Task{}, model.Precondition(model.RuleBlockedBy,
				fmt.Sprintf("task %d blocked by open tasks %v", task.ID, blocked),
				"finish the blocking tasks first")
		}
		candidate = task
	} else {
		task, err := discoverTask(ctx, tx, params.Agent, params.Class)
		if err != nil {
			return model.Task{}, err
		}
		candidate = task
	}

	// The CAS. Rowcount zero means another agent won the race between our
	// read and this write.
	res, err := tx.ExecContext(ctx, `
UPDATE tasks SET assigned_to = ?, status = 'in_progress', activity_count = activity_count + 1, updated_at = ?
WHERE id = ? AND (status = 'open' OR (status = 'assigned' AND assigned_to = ?))
`, params.Agent, ts(params.Now), candidate.ID, params.Agent)
	if err != nil {
		return model.Task{}, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Task{}, fmt.Errorf("claim rows affected: %w", err)
	}
	if n == 0 {
		return model.Task{}, model.Precondition(model.RuleAlreadyPulled,
			fmt.Sprintf("task %d was claimed concurrently", candidate.ID), "pull again")
	}

	if candidate.Status == "open" {
		if err := recordTransition(ctx, tx, candidate.ID, "open", "assigned", params.Agent, params.Now); err != nil {
			return model.Task{}, err
		}
	}
	if err := recordTransition(ctx, tx, candidate.ID, "assigned", "in_progress", params.Agent, params.Now); err != nil {
		return model.Task{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE agents SET last_seen = ? WHERE name = ?`, ts(params.Now), params.Agent); err != nil {
		return model.Task{}, fmt.Errorf("touch puller: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, candidate.ID)
	return scanTask(row)
}

// discoverTask picks the caller's best claimable task: tasks already
// assigned to the caller first, then unblocked open tasks, oldest first.
func discoverTask(ctx context.Context, tx *sql.Tx, agent string, class model.Class) (model.Task, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE class_required = ?
  AND (status = 'open' OR (status = 'assigned' AND assigned_to = ?))
ORDER BY CASE WHEN assigned_to = ? THEN 0 ELSE 1 END, id ASC
`, string(class), agent, agent)
	if err != nil {
		return model.Task{}, fmt.Errorf("discover tasks: %w", err)
	}
	defer rows.Close()

	var candidates []model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return model.Task{}, err
		}
		candidates = append(candidates, task)
	}
	if err := rows.Err(); err != nil {
		return model.Task{}, fmt.Errorf("iter candidates: %w", err)
	}
	for _, task := range candidates {
		blocked, err := openBlockers(ctx, tx, task)
		if err != nil {
			return model.Task{}, err
		}
		if len(blocked) == 0 {
			return task, nil
		}
	}
	return model.Task{}, ErrNotFound
}

// openBlockers returns the blocked_by ids that are not yet closed.
func openBlockers(ctx context.Context, tx *sql.Tx, task model.Task) ([]int64, error) {
	var open []int64
	for _, dep := range task.BlockedBy {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, dep).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("check blocker %d: %w", dep, err)
		}
		if status != "closed" {
			open = append(open, dep)
		}
	}
	return open, nil
}

// ClaimPhase pins an unassigned task to the caller without changing its
// status. Review phases use this: the status already names the phase, the
// CAS only decides which reviewer works it.
func (s *Store) ClaimPhase(ctx context.Context, id int64, agent, status string, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET assigned_to = ?, updated_at = ?
WHERE id = ? AND status = ? AND assigned_to IS NULL
`, agent, ts(now), id, status)
	if err != nil {
		return fmt.Errorf("claim phase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim phase rows affected: %w", err)
	}
	if n == 0 {
		return model.Precondition(model.RuleAlreadyPulled,
			fmt.Sprintf("task %d phase was claimed concurrently", id), "pull another task")
	}
	return nil
}

// SetResult records the result file without moving the task.
func (s *Store) SetResult(ctx context.Context, id int64, agent, resultFile string, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET result_file = ?, updated_at = ? WHERE id = ? AND assigned_to = ?
`, resultFile, ts(now), id, agent)
	if err != nil {
		return fmt.Errorf("set result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set result rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskUpdate struct {
	ID       int64
	Agent    string
	Progress string
	Files    []string
	Now      time.Time
}

// UpdateTask records worker progress and bumps the activity counter.
func (s *Store) UpdateTask(ctx context.Context, params TaskUpdate) error {
	if params.Now.IsZero() {
		params.Now = time.Now().UTC()
	}
	sets := []string{"progress = ?", "activity_count = activity_count + 1", "updated_at = ?"}
	args := []any{params.Progress, ts(params.Now)}
	if len(params.Files) > 0 {
		files, err := marshalStrings(params.Files)
		if err != nil {
			return err
		}
		sets = append(sets, "files = ?")
		args = append(args, files)
	}
	args = append(args, params.ID, params.Agent)
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET `+strings.Join(sets, ", ")+`
WHERE id = ? AND assigned_to = ?
`, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type TransitionParams struct {
	ID    int64
	Agent string
	// From is the expected current status; the write is a compare-and-set
	// against it.
	From string
	To   string
	// ResultFile, when set, is stored alongside the transition.
	ResultFile string
	// ClearAssigned detaches the worker, handing the next phase to its
	// owning class.
	ClearAssigned bool
	// BumpActivity counts the transition against the task's churn total.
	BumpActivity bool
	Now          time.Time
}

// TransitionTask moves a task From -> To with a status CAS and appends the
// transition row. Flow validity is the caller's concern; the CAS only
// guards against concurrent movers.
func (s *Store) TransitionTask(ctx context.Context, params TransitionParams) (model.Task, error) {
	if params.Now.IsZero() {
		params.Now = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Task{}, fmt.Errorf("begin transition tx: %w", err)
	}
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{params.To, ts(params.Now)}
	if params.ResultFile != "" {
		sets = append(sets, "result_file = ?")
		args = append(args, params.ResultFile)
	}
	if params.ClearAssigned {
		sets = append(sets, "assigned_to = NULL")
	}
	if params.BumpActivity {
		sets = append(sets, "activity_count = activity_count + 1")
	}
	args = append(args, params.ID, params.From)
	res, err := tx.ExecContext(ctx, `
UPDATE tasks SET `+strings.Join(sets, ", ")+`
WHERE id = ? AND status = ?
`, args...)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return model.Task{}, fmt.Errorf("transition task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return model.Task{}, fmt.Errorf("transition rows affected: %w", err)
	}
	if n == 0 {
		tx.Rollback() //nolint:errcheck
		task, gerr := s.GetTask(ctx, params.ID)
		if errors.Is(gerr, ErrNotFound) {
			return model.Task{}, ErrNotFound
		}
		return model.Task{}, model.Precondition(model.RuleInvalidTransition,
			fmt.Sprintf("task %d is %s, expected %s", params.ID, task.Status, params.From),
			"re-read the task and retry from its current status")
	}
	if err := recordTransition(ctx, tx, params.ID, params.From, params.To, params.Agent, params.Now); err != nil {
		tx.Rollback() //nolint:errcheck
		return model.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Task{}, fmt.Errorf("commit transition tx: %w", err)
	}
	return s.GetTask(ctx, params.ID)
}

// CloseTask finishes a task. A result file must already be recorded; a
// task with no result cannot be closed.
func (s *Store) CloseTask(ctx context.Context, id int64, agent string, now time.Time) (model.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if task.ResultFile == "" {
		return model.Task{}, model.Precondition(model.RuleMissingResult,
			fmt.Sprintf("task %d has no result file", id), "submit-result before closing")
	}
	return s.TransitionTask(ctx, TransitionParams{
		ID: id, Agent: agent, From: task.Status, To: "closed", ClearAssigned: true, Now: now,
	})
}

// ReopenTask moves a finished task back into the flow at the named
// stage and detaches the worker. The empty stage means "open".
func (s *Store) ReopenTask(ctx context.Context, id int64, agent, to string, now time.Time) (model.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if to == "" {
		to = "open"
	}
	return s.TransitionTask(ctx, TransitionParams{
		ID: id, Agent: agent, From: task.Status, To: to, ClearAssigned: true, Now: now,
	})
}

// DoneTask is the lead's force-close. It skips remaining flow phases and
// does not require a result file.
func (s *Store) DoneTask(ctx context.Context, id int64, agent string, now time.Time) (model.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if task.Status == "closed" {
		return task, nil
	}
	return s.TransitionTask(ctx, TransitionParams{
		ID: id, Agent: agent, From: task.Status, To: "closed", ClearAssigned: true, Now: now,
	})
}

func (s *Store) GetTask(ctx context.Context, id int64) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

type TaskFilter struct {
	Status     string
	AssignedTo string
	Project    string
	Zone       string
	Class      model.Class
}

func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}
	if filter.Project != "" {
		where = append(where, "project = ?")
		args = append(args, filter.Project)
	}
	if filter.Zone != "" {
		where = append(where, "zone = ?")
		args = append(args, filter.Zone)
	}
	if filter.Class != "" {
		where = append(where, "class_required = ?")
		args = append(args, string(filter.Class))
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM tasks WHERE `+strings.Join(where, " AND ")+` ORDER BY id ASC
`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]model.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter tasks: %w", err)
	}
	return out, nil
}

// TaskLineage returns the full append-only transition history for a task,
// oldest first.
func (s *Store) TaskLineage(ctx context.Context, id int64) ([]model.TaskTransition, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, task_id, from_status, to_status, agent, timestamp
FROM task_history WHERE task_id = ? ORDER BY id ASC
`, id)
	if err != nil {
		return nil, fmt.Errorf("query lineage: %w", err)
	}
	defer rows.Close()

	out := make([]model.TaskTransition, 0)
	for rows.Next() {
		var (
			tr        model.TaskTransition
			timestamp string
		)
		if err := rows.Scan(&tr.ID, &tr.TaskID, &tr.FromStatus, &tr.ToStatus, &tr.Agent, &timestamp); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.Timestamp, err = parseTS(timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse transition timestamp: %w", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter lineage: %w", err)
	}
	return out, nil
}

type CommentCreate struct {
	TaskID    int64
	Agent     string
	Phase     string
	Comment   string
	FilesRead []string
	Now       time.Time
}

func (s *Store) AddComment(ctx context.Context, params CommentCreate) (int64, error) {
	if params.Now.IsZero() {
		params.Now = time.Now().UTC()
	}
	if _, err := s.GetTask(ctx, params.TaskID); err != nil {
		return 0, err
	}
	filesRead, err := marshalStrings(params.FilesRead)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO task_comments(task_id, agent, phase, comment, files_read, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, params.TaskID, params.Agent, params.Phase, params.Comment, filesRead, ts(params.Now))
	if err != nil {
		return 0, fmt.Errorf("insert comment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("comment id: %w", err)
	}
	return id, nil
}

func (s *Store) ListComments(ctx context.Context, taskID int64) ([]model.TaskComment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, task_id, agent, phase, comment, files_read, created_at
FROM task_comments WHERE task_id = ? ORDER BY id ASC
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	out := make([]model.TaskComment, 0)
	for rows.Next() {
		var (
			c         model.TaskComment
			filesRead string
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Agent, &c.Phase, &c.Comment, &filesRead, &createdAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		if c.FilesRead, err = unmarshalStrings(filesRead); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, fmt.Errorf("parse comment timestamp: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter comments: %w", err)
	}
	return out, nil
}

func recordTransition(ctx context.Context, tx *sql.Tx, taskID int64, from, to, agent string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO task_history(task_id, from_status, to_status, agent, timestamp)
VALUES (?, ?, ?, ?, ?)
`, taskID, from, to, agent, ts(now)); err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

func scanTask(sc scanner) (model.Task, error) {
	var (
		task       model.Task
		blockedBy  string
		assignedTo sql.NullString
		files      string
		class      string
		resultFile sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := sc.Scan(&task.ID, &task.Title, &task.TaskFile, &task.Project, &task.Zone, &task.Status,
		&blockedBy, &assignedTo, &task.CreatedBy, &files, &task.Progress, &class, &task.TaskType,
		&task.ActivityCount, &resultFile, &task.RequirementPath, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Task{}, ErrNotFound
		}
		return model.Task{}, fmt.Errorf("scan task: %w", err)
	}
	task.AssignedTo = assignedTo.String
	task.ResultFile = resultFile.String
	task.ClassRequired = model.Class(class)
	if task.BlockedBy, err = unmarshalI64s(blockedBy); err != nil {
		return model.Task{}, err
	}
	if task.Files, err = unmarshalStrings(files); err != nil {
		return model.Task{}, err
	}
	if task.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Task{}, fmt.Errorf("parse task created_at: %w", err)
	}
	if task.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Task{}, fmt.Errorf("parse task updated_at: %w", err)
	}
	return task, nil
}
