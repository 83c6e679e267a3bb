package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ai-janitor/minion-factory/internal/model"
)

const agentColumns = `name, class, model, transport, status, context_summary, last_seen, context_updated_at,
hp_input_tokens, hp_output_tokens, hp_turn_input, hp_turn_output, hp_tokens_limit, hp_mode, hp_alerts_fired,
current_zone, current_role, registered_at`

// RegisterAgent is idempotent on name: re-registering updates attributes
// and last_seen but preserves registered_at and a previously set model.
// The same transaction clears any pending retire record and dismisses
// broadcasts older than an hour so a fresh agent is not buried in history.
func (s *Store) RegisterAgent(ctx context.Context, agent model.Agent) error {
	if !agent.Class.Valid() {
		return fmt.Errorf("invalid class %q", agent.Class)
	}
	now := agent.RegisteredAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin register tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO agents(name, class, model, transport, status, context_summary, last_seen, context_updated_at, registered_at)
VALUES (?, ?, ?, ?, '', '', ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	class=excluded.class,
	model=COALESCE(NULLIF(excluded.model, ''), agents.model),
	transport=excluded.transport,
	last_seen=excluded.last_seen
`, agent.Name, string(agent.Class), agent.Model, string(agent.Transport), ts(now), ts(now), ts(now)); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("upsert agent: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_retire WHERE agent = ?`, agent.Name); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("clear retire record: %w", err)
	}
	cutoff := now.Add(-time.Hour)
	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO broadcast_reads(agent_name, message_id, read_at)
SELECT ?, id, ? FROM messages WHERE to_agent = ? AND timestamp < ?
`, agent.Name, ts(now), model.BroadcastTo, ts(cutoff)); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("dismiss stale broadcasts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit register tx: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, name string) (model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = ?`, name)
	return scanAgent(row)
}

func (s *Store) ListAgents(ctx context.Context) ([]model.Agent, error) {
	return s.listAgents(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name ASC`)
}

func (s *Store) ListAgentsByClass(ctx context.Context, class model.Class) ([]model.Agent, error) {
	return s.listAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE class = ? ORDER BY name ASC`, string(class))
}

func (s *Store) listAgents(ctx context.Context, query string, args ...any) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	out := make([]model.Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter agents: %w", err)
	}
	return out, nil
}

// CurrentLead returns the earliest-registered lead, the auto-CC target.
func (s *Store) CurrentLead(ctx context.Context) (model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+agentColumns+` FROM agents WHERE class = 'lead' ORDER BY registered_at ASC, name ASC LIMIT 1`)
	return scanAgent(row)
}

func (s *Store) DeleteAgent(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete agent rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RenameAgent rewrites the registry row plus open assignments and pending
// direct messages so the new name keeps the agent's working set.
func (s *Store) RenameAgent(ctx context.Context, oldName, newName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rename tx: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE agents SET name = ? WHERE name = ?`, newName, oldName)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("rename agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("rename rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback() //nolint:errcheck
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET assigned_to = ? WHERE assigned_to = ?`, newName, oldName); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("rename task assignments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET to_agent = ? WHERE to_agent = ? AND read_flag = 0`, newName, oldName); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("rename pending messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rename tx: %w", err)
	}
	return nil
}

type ContextUpdate struct {
	Name        string
	Summary     string
	TokensUsed  *int64
	TokensLimit *int64
	HPPct       *int
	Now         time.Time
}

// SetContext refreshes the context summary and touches context_updated_at.
// Supplying any HP field flips the agent to self-reported mode; daemon
// telemetry is then ignored until the next provider turn.
func (s *Store) SetContext(ctx context.Context, update ContextUpdate) error {
	if update.Now.IsZero() {
		update.Now = time.Now().UTC()
	}
	selfReported := update.TokensUsed != nil || update.HPPct != nil
	query := `UPDATE agents SET context_summary = ?, context_updated_at = ?, last_seen = ?`
	args := []any{update.Summary, ts(update.Now), ts(update.Now)}
	if update.TokensUsed != nil {
		query += `, hp_turn_input = ?`
		args = append(args, *update.TokensUsed)
	}
	if update.TokensLimit != nil {
		query += `, hp_tokens_limit = ?`
		args = append(args, *update.TokensLimit)
	}
	if update.HPPct != nil {
		// A raw percentage is normalized into turn-input form against the
		// known (or default) window so every reader computes HP one way.
		limit := int64(200_000)
		if update.TokensLimit != nil {
			limit = *update.TokensLimit
		}
		used := limit - limit*int64(*update.HPPct)/100
		query += `, hp_turn_input = ?, hp_tokens_limit = COALESCE(hp_tokens_limit, ?)`
		args = append(args, used, limit)
	}
	if selfReported {
		query += `, hp_mode = 'self-reported'`
	}
	query += ` WHERE name = ?`
	args = append(args, update.Name)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set context: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set context rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, name, status string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ?, last_seen = ? WHERE name = ?`, status, ts(now), name)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set status rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) TouchLastSeen(ctx context.Context, name string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE agents SET last_seen = ? WHERE name = ?`, ts(now), name); err != nil {
		return fmt.Errorf("touch last_seen: %w", err)
	}
	return nil
}

func (s *Store) SetZone(ctx context.Context, name, zone, role string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET current_zone = ?, current_role = ?, last_seen = ? WHERE name = ?`, zone, role, ts(now), name)
	if err != nil {
		return fmt.Errorf("set zone: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set zone rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type HPUpdate struct {
	Agent      string
	AddInput   int64
	AddOutput  int64
	TurnInput  int64
	TurnOutput int64
	Limit      *int64
	// Pct is the caller-computed HP percentage; nil means unknown (no
	// telemetry) and suppresses alert evaluation.
	Pct *int
	// AlertContent maps a threshold level to a pre-written content file
	// for the system alert message delivered to the lead.
	AlertContent map[int]string
	Now          time.Time
}

type HPResult struct {
	Skipped bool
	Fired   []int
}

// UpdateHP applies daemon telemetry in one transaction: cumulative
// accounting, per-turn pressure, and threshold alerts with dedup via
// hp_alerts_fired. A self-reported agent skips one update and reverts to
// daemon mode. Alerts go to the current lead as messages from "system"
// inside the same transaction.
func (s *Store) UpdateHP(ctx context.Context, update HPUpdate) (HPResult, error) {
	if update.Now.IsZero() {
		update.Now = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return HPResult{}, fmt.Errorf("begin hp tx: %w", err)
	}
	var (
		mode     string
		firedRaw string
	)
	if err := tx.QueryRowContext(ctx, `SELECT hp_mode, hp_alerts_fired FROM agents WHERE name = ?`, update.Agent).Scan(&mode, &firedRaw); err != nil {
		tx.Rollback() //nolint:errcheck
		if errors.Is(err, sql.ErrNoRows) {
			return HPResult{}, ErrNotFound
		}
		return HPResult{}, fmt.Errorf("read hp mode: %w", err)
	}
	if model.HPMode(mode) == model.HPModeSelfReported {
		// A self-report masks exactly one daemon turn. Flip the mode back
		// so the next turn's telemetry applies again.
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET hp_mode = 'daemon' WHERE name = ?`, update.Agent); err != nil {
			tx.Rollback() //nolint:errcheck
			return HPResult{}, fmt.Errorf("restore hp mode: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return HPResult{}, fmt.Errorf("commit hp tx: %w", err)
		}
		return HPResult{Skipped: true}, nil
	}
	fired, err := unmarshalInts(firedRaw)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return HPResult{}, fmt.Errorf("decode hp_alerts_fired: %w", err)
	}

	toFire := make([]int, 0, 2)
	if update.Pct != nil {
		pct := *update.Pct
		if pct > 50 {
			fired = nil
		} else {
			for _, level := range []int{25, 10} {
				if pct <= level && !containsInt(fired, level) {
					fired = append(fired, level)
					toFire = append(toFire, level)
				}
			}
		}
	}
	firedJSON, err := marshalInts(fired)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return HPResult{}, err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE agents SET
	hp_input_tokens = hp_input_tokens + ?,
	hp_output_tokens = hp_output_tokens + ?,
	hp_turn_input = ?,
	hp_turn_output = ?,
	hp_tokens_limit = COALESCE(?, hp_tokens_limit),
	hp_mode = 'daemon',
	hp_alerts_fired = ?,
	last_seen = ?
WHERE name = ?
`, update.AddInput, update.AddOutput, update.TurnInput, update.TurnOutput, nullableI64(update.Limit), firedJSON, ts(update.Now), update.Agent); err != nil {
		tx.Rollback() //nolint:errcheck
		return HPResult{}, fmt.Errorf("update hp: %w", err)
	}

	if len(toFire) > 0 {
		var lead string
		err := tx.QueryRowContext(ctx, `SELECT name FROM agents WHERE class = 'lead' ORDER BY registered_at ASC, name ASC LIMIT 1`).Scan(&lead)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// No lead registered; the dedup set still advances so the
			// alert does not refire every turn.
		case err != nil:
			tx.Rollback() //nolint:errcheck
			return HPResult{}, fmt.Errorf("resolve lead for hp alert: %w", err)
		default:
			for _, level := range toFire {
				content := update.AlertContent[level]
				if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(from_agent, to_agent, content_path, timestamp, read_flag)
VALUES ('system', ?, ?, ?, 0)
`, lead, content, ts(update.Now)); err != nil {
					tx.Rollback() //nolint:errcheck
					return HPResult{}, fmt.Errorf("insert hp alert: %w", err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return HPResult{}, fmt.Errorf("commit hp tx: %w", err)
	}
	return HPResult{Fired: toFire}, nil
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func scanAgent(sc scanner) (model.Agent, error) {
	var (
		agent            model.Agent
		class            string
		transport        string
		hpMode           string
		lastSeen         string
		contextUpdatedAt string
		registeredAt     string
		tokensLimit      sql.NullInt64
		alertsFired      string
	)
	if err := sc.Scan(
		&agent.Name,
		&class,
		&agent.Model,
		&transport,
		&agent.Status,
		&agent.ContextSummary,
		&lastSeen,
		&contextUpdatedAt,
		&agent.HPInputTokens,
		&agent.HPOutputTokens,
		&agent.HPTurnInput,
		&agent.HPTurnOutput,
		&tokensLimit,
		&hpMode,
		&alertsFired,
		&agent.CurrentZone,
		&agent.CurrentRole,
		&registeredAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Agent{}, ErrNotFound
		}
		return model.Agent{}, fmt.Errorf("scan agent: %w", err)
	}
	agent.Class = model.Class(class)
	agent.Transport = model.Transport(transport)
	agent.HPMode = model.HPMode(hpMode)
	if tokensLimit.Valid {
		v := tokensLimit.Int64
		agent.HPTokensLimit = &v
	}
	var err error
	agent.HPAlertsFired, err = unmarshalInts(alertsFired)
	if err != nil {
		return model.Agent{}, fmt.Errorf("decode hp_alerts_fired: %w", err)
	}
	agent.LastSeen, err = parseTS(lastSeen)
	if err != nil {
		return model.Agent{}, fmt.Errorf("parse last_seen: %w", err)
	}
	agent.ContextUpdatedAt, err = parseTS(contextUpdatedAt)
	if err != nil {
		return model.Agent{}, fmt.Errorf("parse context_updated_at: %w", err)
	}
	agent.RegisteredAt, err = parseTS(registeredAt)
	if err != nil {
		return model.Agent{}, fmt.Errorf("parse registered_at: %w", err)
	}
	return agent, nil
}
