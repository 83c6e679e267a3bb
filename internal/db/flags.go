package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ai-janitor/minion-factory/internal/model"
)

// SetFlag sets or refreshes a process-wide flag. Flags live in the
// datastore so every daemon and CLI invocation observes the same value.
func (s *Store) SetFlag(ctx context.Context, key, value, by string, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO flags(key, value, set_by, set_at) VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, set_by=excluded.set_by, set_at=excluded.set_at
`, key, value, by, ts(now)); err != nil {
		return fmt.Errorf("set flag %s: %w", key, err)
	}
	return nil
}

// ClearFlag removes a flag. Clearing an absent flag is not an error.
func (s *Store) ClearFlag(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flags WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("clear flag %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clear flag rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) GetFlag(ctx context.Context, key string) (model.Flag, error) {
	var (
		flag  model.Flag
		setAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT key, value, set_by, set_at FROM flags WHERE key = ?`, key).
		Scan(&flag.Key, &flag.Value, &flag.SetBy, &setAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Flag{}, ErrNotFound
	}
	if err != nil {
		return model.Flag{}, fmt.Errorf("get flag %s: %w", key, err)
	}
	if flag.SetAt, err = parseTS(setAt); err != nil {
		return model.Flag{}, fmt.Errorf("parse flag timestamp: %w", err)
	}
	return flag, nil
}

func (s *Store) FlagSet(ctx context.Context, key string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM flags WHERE key = ?`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("check flag %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *Store) ListFlags(ctx context.Context) ([]model.Flag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, set_by, set_at FROM flags ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	out := make([]model.Flag, 0)
	for rows.Next() {
		var (
			flag  model.Flag
			setAt string
		)
		if err := rows.Scan(&flag.Key, &flag.Value, &flag.SetBy, &setAt); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		if flag.SetAt, err = parseTS(setAt); err != nil {
			return nil, fmt.Errorf("parse flag timestamp: %w", err)
		}
		out = append(out, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter flags: %w", err)
	}
	return out, nil
}

// RecordFenix stores a pre-crash work manifest. Fenix records are never
// rejected: a crashing agent must always be able to leave one behind.
func (s *Store) RecordFenix(ctx context.Context, rec model.FenixRecord) error {
	files, err := marshalStrings(rec.Files)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO fenix_records(id, agent, files, manifest, created_at) VALUES (?, ?, ?, ?, ?)
`, rec.ID, rec.Agent, files, rec.Manifest, ts(rec.CreatedAt)); err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert fenix record: %w", err)
	}
	return nil
}

// PendingFenix returns the agent's unconsumed fenix records, oldest first.
func (s *Store) PendingFenix(ctx context.Context, agent string) ([]model.FenixRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, agent, files, manifest, created_at, consumed_at FROM fenix_records
WHERE agent = ? AND consumed_at IS NULL ORDER BY created_at ASC
`, agent)
	if err != nil {
		return nil, fmt.Errorf("query fenix records: %w", err)
	}
	defer rows.Close()

	out := make([]model.FenixRecord, 0)
	for rows.Next() {
		rec, err := scanFenix(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter fenix records: %w", err)
	}
	return out, nil
}

// ConsumeFenix marks fenix records consumed after cold-start has folded
// them into the briefing. Consumed records stay for audit.
func (s *Store) ConsumeFenix(ctx context.Context, agent string, now time.Time) (int64, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE fenix_records SET consumed_at = ? WHERE agent = ? AND consumed_at IS NULL
`, ts(now), agent)
	if err != nil {
		return 0, fmt.Errorf("consume fenix records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("consume rows affected: %w", err)
	}
	return n, nil
}

// RequestRetire marks an agent for shutdown at its next poll boundary.
func (s *Store) RequestRetire(ctx context.Context, agent, by string, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO agent_retire(agent, requested_by, requested_at) VALUES (?, ?, ?)
ON CONFLICT(agent) DO UPDATE SET requested_by=excluded.requested_by, requested_at=excluded.requested_at
`, agent, by, ts(now)); err != nil {
		return fmt.Errorf("request retire: %w", err)
	}
	return nil
}

func (s *Store) RetireRequested(ctx context.Context, agent string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_retire WHERE agent = ?`, agent).Scan(&n); err != nil {
		return false, fmt.Errorf("check retire: %w", err)
	}
	return n > 0, nil
}

// RequestInterrupt pauses an agent's daemon loop. Resume overwrites the
// row's resume_message; the daemon consumes it on the next poll.
func (s *Store) RequestInterrupt(ctx context.Context, agent, by string, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO agent_interrupt(agent, requested_by, requested_at, resume_message) VALUES (?, ?, ?, NULL)
ON CONFLICT(agent) DO UPDATE SET requested_by=excluded.requested_by, requested_at=excluded.requested_at, resume_message=NULL
`, agent, by, ts(now)); err != nil {
		return fmt.Errorf("request interrupt: %w", err)
	}
	return nil
}

// ResumeAgent lifts an interrupt and optionally leaves a message that the
// daemon injects into the agent's next turn.
func (s *Store) ResumeAgent(ctx context.Context, agent, message string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE agent_interrupt SET resume_message = ? WHERE agent = ?
`, nullIfEmpty(message), agent)
	if err != nil {
		return fmt.Errorf("resume agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resume rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type InterruptState struct {
	Interrupted   bool
	Resumed       bool
	ResumeMessage string
}

// TakeInterrupt reads and settles the agent's interrupt row. A resumed
// interrupt is deleted and its message returned exactly once.
func (s *Store) TakeInterrupt(ctx context.Context, agent string) (InterruptState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InterruptState{}, fmt.Errorf("begin interrupt tx: %w", err)
	}
	var resume sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT resume_message FROM agent_interrupt WHERE agent = ?`, agent).Scan(&resume)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback() //nolint:errcheck
		return InterruptState{}, nil
	}
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return InterruptState{}, fmt.Errorf("read interrupt: %w", err)
	}
	if !resume.Valid {
		tx.Rollback() //nolint:errcheck
		return InterruptState{Interrupted: true}, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_interrupt WHERE agent = ?`, agent); err != nil {
		tx.Rollback() //nolint:errcheck
		return InterruptState{}, fmt.Errorf("settle interrupt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return InterruptState{}, fmt.Errorf("commit interrupt tx: %w", err)
	}
	return InterruptState{Resumed: true, ResumeMessage: resume.String}, nil
}

// InterruptPending reports an unresumed interrupt without consuming
// anything. The daemon's in-turn watcher polls this.
func (s *Store) InterruptPending(ctx context.Context, agent string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM agent_interrupt WHERE agent = ? AND resume_message IS NULL
`, agent).Scan(&n); err != nil {
		return false, fmt.Errorf("check interrupt: %w", err)
	}
	return n > 0, nil
}

// ClearInterrupt removes an interrupt without a resume message.
func (s *Store) ClearInterrupt(ctx context.Context, agent string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_interrupt WHERE agent = ?`, agent); err != nil {
		return fmt.Errorf("clear interrupt: %w", err)
	}
	return nil
}

type Invocation struct {
	ID         string
	Agent      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Result     string
	TurnInput  int64
	TurnOutput int64
	MessageIDs []int64
}

// BeginInvocation records a daemon turn before the provider call so a
// crash mid-turn is visible as an unfinished row.
func (s *Store) BeginInvocation(ctx context.Context, id, agent string, messageIDs []int64, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	ids, err := marshalI64s(messageIDs)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO invocation_log(id, agent, started_at, message_ids) VALUES (?, ?, ?, ?)
`, id, agent, ts(now), ids); err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("begin invocation: %w", err)
	}
	return nil
}

func (s *Store) FinishInvocation(ctx context.Context, id, result string, turnInput, turnOutput int64, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE invocation_log SET finished_at = ?, result = ?, turn_input = ?, turn_output = ? WHERE id = ?
`, ts(now), result, turnInput, turnOutput, id)
	if err != nil {
		return fmt.Errorf("finish invocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("invocation rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordCompaction notes a provider-side context compaction observed in
// the agent's stream.
func (s *Store) RecordCompaction(ctx context.Context, agent, marker string, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO compaction_log(agent, marker, detected_at) VALUES (?, ?, ?)
`, agent, marker, ts(now)); err != nil {
		return fmt.Errorf("record compaction: %w", err)
	}
	return nil
}

func (s *Store) CompactionCount(ctx context.Context, agent string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM compaction_log WHERE agent = ?`, agent).Scan(&n); err != nil {
		return 0, fmt.Errorf("count compactions: %w", err)
	}
	return n, nil
}

func scanFenix(sc scanner) (model.FenixRecord, error) {
	var (
		rec        model.FenixRecord
		files      string
		createdAt  string
		consumedAt sql.NullString
	)
	if err := sc.Scan(&rec.ID, &rec.Agent, &files, &rec.Manifest, &createdAt, &consumedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.FenixRecord{}, ErrNotFound
		}
		return model.FenixRecord{}, fmt.Errorf("scan fenix record: %w", err)
	}
	var err error
	if rec.Files, err = unmarshalStrings(files); err != nil {
		return model.FenixRecord{}, err
	}
	if rec.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.FenixRecord{}, fmt.Errorf("parse fenix timestamp: %w", err)
	}
	if consumedAt.Valid {
		t, err := parseTS(consumedAt.String)
		if err != nil {
			return model.FenixRecord{}, fmt.Errorf("parse fenix consumed_at: %w", err)
		}
		rec.ConsumedAt = &t
	}
	return rec, nil
}
