package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ai-janitor/minion-factory/internal/model"
)

type SendParams struct {
	From        string
	To          string
	ContentPath string
	Project     string
	// Staleness is the sender's class window; zero disables the check
	// (callers resolve it from auth before entering the transaction).
	Staleness time.Duration
	// Bypass skips every send gate. Reserved for fenix_down-bearing
	// content, which must always reach its recipient.
	Bypass bool
	// SetFlags are active trigger keys flipped atomically with the insert.
	SetFlags []string
	Now      time.Time
}

type SendResult struct {
	MessageIDs []int64
	Recipients []string
	// CCLead names the lead that received an auto-CC copy, if any.
	CCLead string
}

// SendMessage runs the full send contract in one transaction: gates
// (unread inbox, active plan, context staleness, moon_crash), trigger
// flag flips, per-recipient fan-out, and the auto-CC copy to the lead.
// Gate state is evaluated at commit time, which is what property 7 of the
// send contract demands.
func (s *Store) SendMessage(ctx context.Context, params SendParams) (SendResult, error) {
	if params.Now.IsZero() {
		params.Now = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SendResult{}, fmt.Errorf("begin send tx: %w", err)
	}
	result, err := s.sendInTx(ctx, tx, params)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return SendResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SendResult{}, fmt.Errorf("commit send tx: %w", err)
	}
	return result, nil
}

func (s *Store) sendInTx(ctx context.Context, tx *sql.Tx, params SendParams) (SendResult, error) {
	sender, err := getAgentTx(ctx, tx, params.From)
	if errors.Is(err, ErrNotFound) {
		// Unknown senders are auto-registered as coders so a fresh
		// terminal agent can speak before running register.
		if _, err := tx.ExecContext(ctx, `
INSERT INTO agents(name, class, last_seen, context_updated_at, registered_at)
VALUES (?, 'coder', ?, ?, ?)
`, params.From, ts(params.Now), ts(params.Now), ts(params.Now)); err != nil {
			return SendResult{}, fmt.Errorf("auto-register sender: %w", err)
		}
		sender, err = getAgentTx(ctx, tx, params.From)
	}
	if err != nil {
		return SendResult{}, err
	}

	if !params.Bypass {
		var unread int
		if err := tx.QueryRowContext(ctx, `
SELECT
	(SELECT COUNT(*) FROM messages WHERE to_agent = ? AND read_flag = 0)
	+ (SELECT COUNT(*) FROM messages m
	   WHERE m.to_agent = ? AND NOT EXISTS (
	       SELECT 1 FROM broadcast_reads br WHERE br.agent_name = ? AND br.message_id = m.id))
`, params.From, model.BroadcastTo, params.From).Scan(&unread); err != nil {
			return SendResult{}, fmt.Errorf("count unread: %w", err)
		}
		if unread > 0 {
			return SendResult{}, model.Precondition(model.RuleUnreadInbox,
				fmt.Sprintf("unread=%d", unread), "run check-inbox first")
		}

		var activePlans int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM plans WHERE project = ? AND status = 'active'`, params.Project).Scan(&activePlans); err != nil {
			return SendResult{}, fmt.Errorf("count active plans: %w", err)
		}
		if activePlans == 0 {
			return SendResult{}, model.Precondition(model.RuleNoActivePlan,
				"no active battle plan", "a plan holder must run set-plan")
		}

		if params.Staleness > 0 {
			age := params.Now.Sub(sender.ContextUpdatedAt)
			if age > params.Staleness {
				return SendResult{}, model.Precondition(model.RuleStaleContext,
					fmt.Sprintf("context age %s exceeds %s", age.Round(time.Second), params.Staleness),
					"run set-context, then resend")
			}
		}

		if sender.Class != model.ClassLead {
			var crash int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM flags WHERE key = ?`, model.FlagMoonCrash).Scan(&crash); err != nil {
				return SendResult{}, fmt.Errorf("check moon_crash: %w", err)
			}
			if crash > 0 {
				return SendResult{}, model.Precondition(model.RuleMoonCrash,
					"moon_crash flag is set", "fenix-down now; lead must clear-moon-crash")
			}
		}
	}

	for _, key := range params.SetFlags {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO flags(key, value, set_by, set_at) VALUES (?, '', ?, ?)
ON CONFLICT(key) DO UPDATE SET set_by=excluded.set_by, set_at=excluded.set_at
`, key, params.From, ts(params.Now)); err != nil {
			return SendResult{}, fmt.Errorf("set trigger flag %s: %w", key, err)
		}
	}

	recipients, err := resolveRecipients(ctx, tx, params.To)
	if err != nil {
		return SendResult{}, err
	}

	result := SendResult{}
	insert := func(to string, isCC bool, original string) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO messages(from_agent, to_agent, content_path, timestamp, read_flag, is_cc, cc_original_to)
VALUES (?, ?, ?, ?, 0, ?, ?)
`, params.From, to, params.ContentPath, ts(params.Now), boolToInt(isCC), original)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		result.MessageIDs = append(result.MessageIDs, id)
		if !isCC {
			result.Recipients = append(result.Recipients, to)
		}
		// A broadcast is pre-dismissed for its sender, or the next send
		// would self-block on the unread gate.
		if to == model.BroadcastTo {
			if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO broadcast_reads(agent_name, message_id, read_at) VALUES (?, ?, ?)
`, params.From, id, ts(params.Now)); err != nil {
				return fmt.Errorf("dismiss own broadcast: %w", err)
			}
		}
		return nil
	}
	for _, to := range recipients {
		if err := insert(to, false, ""); err != nil {
			return SendResult{}, err
		}
	}

	// Auto-CC the lead on worker-to-worker traffic. Broadcasts already
	// reach the lead; class sends to the lead class are direct.
	if sender.Class != model.ClassLead && params.To != model.BroadcastTo && params.To != string(model.ClassLead) {
		recipientIsLead := false
		if len(recipients) == 1 && recipients[0] == params.To {
			var class string
			if err := tx.QueryRowContext(ctx, `SELECT class FROM agents WHERE name = ?`, params.To).Scan(&class); err == nil {
				recipientIsLead = model.Class(class) == model.ClassLead
			}
		}
		if !recipientIsLead {
			var lead string
			err := tx.QueryRowContext(ctx, `SELECT name FROM agents WHERE class = 'lead' ORDER BY registered_at ASC, name ASC LIMIT 1`).Scan(&lead)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return SendResult{}, fmt.Errorf("resolve lead for cc: %w", err)
			default:
				if lead != params.From && lead != params.To {
					if err := insert(lead, true, params.To); err != nil {
						return SendResult{}, err
					}
					result.CCLead = lead
				}
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE agents SET last_seen = ? WHERE name = ?`, ts(params.Now), params.From); err != nil {
		return SendResult{}, fmt.Errorf("touch sender: %w", err)
	}
	return result, nil
}

// resolveRecipients expands the recipient token into literal rows: a named
// agent yields one row, "all" yields a single broadcast row, and a class
// name yields one row per registered member (zero members is not an error).
func resolveRecipients(ctx context.Context, tx *sql.Tx, to string) ([]string, error) {
	if to == model.BroadcastTo {
		return []string{model.BroadcastTo}, nil
	}
	if model.Class(to).Valid() {
		rows, err := tx.QueryContext(ctx, `SELECT name FROM agents WHERE class = ? ORDER BY name ASC`, to)
		if err != nil {
			return nil, fmt.Errorf("resolve class recipients: %w", err)
		}
		defer rows.Close()
		out := make([]string, 0)
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return nil, fmt.Errorf("scan class recipient: %w", err)
			}
			out = append(out, name)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iter class recipients: %w", err)
		}
		return out, nil
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE name = ?`, to).Scan(&exists); err != nil {
		return nil, fmt.Errorf("resolve recipient: %w", err)
	}
	if exists == 0 {
		return nil, model.Precondition(model.RuleUnknownRecipient,
			fmt.Sprintf("no agent named %q", to), "run who to list registered agents")
	}
	return []string{to}, nil
}

// CheckInbox returns all unread messages for an agent, broadcasts
// included, ordered by (timestamp, id), and atomically marks them read.
// Broadcasts are deduped through broadcast_reads so each is observed at
// most once per agent.
func (s *Store) CheckInbox(ctx context.Context, name string, now time.Time) ([]model.Message, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin inbox tx: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `
SELECT id, from_agent, to_agent, content_path, timestamp, read_flag, is_cc, cc_original_to
FROM messages
WHERE (to_agent = ? AND read_flag = 0)
   OR (to_agent = ? AND NOT EXISTS (
       SELECT 1 FROM broadcast_reads br WHERE br.agent_name = ? AND br.message_id = messages.id))
ORDER BY timestamp ASC, id ASC
`, name, model.BroadcastTo, name)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	out := make([]model.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			tx.Rollback() //nolint:errcheck
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		tx.Rollback() //nolint:errcheck
		return nil, fmt.Errorf("iter inbox: %w", err)
	}
	rows.Close()

	for _, msg := range out {
		if msg.ToAgent == model.BroadcastTo {
			if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO broadcast_reads(agent_name, message_id, read_at) VALUES (?, ?, ?)
`, name, msg.ID, ts(now)); err != nil {
				tx.Rollback() //nolint:errcheck
				return nil, fmt.Errorf("record broadcast read: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET read_flag = 1 WHERE id = ?`, msg.ID); err != nil {
				tx.Rollback() //nolint:errcheck
				return nil, fmt.Errorf("mark message read: %w", err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE agents SET last_seen = ? WHERE name = ?`, ts(now), name); err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, fmt.Errorf("touch reader: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit inbox tx: %w", err)
	}
	return out, nil
}

func (s *Store) UnreadCount(ctx context.Context, name string) (int, error) {
	var unread int
	err := s.db.QueryRowContext(ctx, `
SELECT
	(SELECT COUNT(*) FROM messages WHERE to_agent = ? AND read_flag = 0)
	+ (SELECT COUNT(*) FROM messages m
	   WHERE m.to_agent = ? AND NOT EXISTS (
	       SELECT 1 FROM broadcast_reads br WHERE br.agent_name = ? AND br.message_id = m.id))
`, name, model.BroadcastTo, name).Scan(&unread)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return unread, nil
}

// PurgeInbox deletes read direct messages older than the cutoff, dismisses
// old broadcasts for the agent, and garbage-collects broadcast_reads rows
// whose message is gone. Unread direct mail is never touched.
func (s *Store) PurgeInbox(ctx context.Context, name string, cutoff, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge tx: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE to_agent = ? AND read_flag = 1 AND timestamp < ?`, name, ts(cutoff))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("purge read messages: %w", err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO broadcast_reads(agent_name, message_id, read_at)
SELECT ?, id, ? FROM messages WHERE to_agent = ? AND timestamp < ?
`, name, ts(now), model.BroadcastTo, ts(cutoff)); err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("dismiss old broadcasts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM broadcast_reads WHERE message_id NOT IN (SELECT id FROM messages)
`); err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("gc broadcast reads: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge tx: %w", err)
	}
	return purged, nil
}

func (s *Store) GetHistory(ctx context.Context, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, from_agent, to_agent, content_path, timestamp, read_flag, is_cc, cc_original_to
FROM messages
ORDER BY timestamp DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := make([]model.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter history: %w", err)
	}
	return out, nil
}

func getAgentTx(ctx context.Context, tx *sql.Tx, name string) (model.Agent, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = ?`, name)
	return scanAgent(row)
}

func scanMessage(sc scanner) (model.Message, error) {
	var (
		msg       model.Message
		timestamp string
		readFlag  int
		isCC      int
	)
	if err := sc.Scan(&msg.ID, &msg.FromAgent, &msg.ToAgent, &msg.ContentPath, &timestamp, &readFlag, &isCC, &msg.CCOriginalTo); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, ErrNotFound
		}
		return model.Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.Read = readFlag == 1
	msg.IsCC = isCC == 1
	var err error
	msg.Timestamp, err = parseTS(timestamp)
	if err != nil {
		return model.Message{}, fmt.Errorf("parse message timestamp: %w", err)
	}
	return msg, nil
}
