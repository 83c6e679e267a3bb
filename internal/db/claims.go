package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ai-janitor/minion-factory/internal/model"
)

type ClaimResult struct {
	Granted bool
	Claim   model.FileClaim
	// Position is the caller's 1-based waitlist slot when not granted.
	Position int
}

// ClaimFile grants exclusive write intent on a path, or enqueues the
// caller FIFO behind the current holder. Claiming a path you already hold
// refreshes the claim; enqueueing twice keeps the original slot.
func (s *Store) ClaimFile(ctx context.Context, path, agent string, now time.Time) (ClaimResult, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("begin claim tx: %w", err)
	}
	result, err := claimInTx(ctx, tx, path, agent, now)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return ClaimResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ClaimResult{}, fmt.Errorf("commit claim tx: %w", err)
	}
	return result, nil
}

func claimInTx(ctx context.Context, tx *sql.Tx, path, agent string, now time.Time) (ClaimResult, error) {
	var (
		holder     string
		acquiredAt string
	)
	err := tx.QueryRowContext(ctx, `SELECT holder, acquired_at FROM file_claims WHERE file_path = ?`, path).
		Scan(&holder, &acquiredAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
INSERT INTO file_claims(file_path, holder, acquired_at) VALUES (?, ?, ?)
`, path, agent, ts(now)); err != nil {
			return ClaimResult{}, fmt.Errorf("insert claim: %w", err)
		}
		return ClaimResult{Granted: true, Claim: model.FileClaim{FilePath: path, Holder: agent, AcquiredAt: now}}, nil
	case err != nil:
		return ClaimResult{}, fmt.Errorf("read claim: %w", err)
	}

	if holder == agent {
		if _, err := tx.ExecContext(ctx, `UPDATE file_claims SET acquired_at = ? WHERE file_path = ?`, ts(now), path); err != nil {
			return ClaimResult{}, fmt.Errorf("refresh claim: %w", err)
		}
		return ClaimResult{Granted: true, Claim: model.FileClaim{FilePath: path, Holder: agent, AcquiredAt: now}}, nil
	}

	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO claim_waitlist(file_path, agent, requested_at) VALUES (?, ?, ?)
`, path, agent, ts(now)); err != nil {
		return ClaimResult{}, fmt.Errorf("enqueue waiter: %w", err)
	}
	var position int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM claim_waitlist w
WHERE w.file_path = ? AND (w.requested_at, w.agent) <= (
	SELECT requested_at, agent FROM claim_waitlist WHERE file_path = ? AND agent = ?)
`, path, path, agent).Scan(&position); err != nil {
		return ClaimResult{}, fmt.Errorf("waitlist position: %w", err)
	}
	acquired, perr := parseTS(acquiredAt)
	if perr != nil {
		return ClaimResult{}, fmt.Errorf("parse claim timestamp: %w", perr)
	}
	return ClaimResult{
		Granted:  false,
		Claim:    model.FileClaim{FilePath: path, Holder: holder, AcquiredAt: acquired},
		Position: position,
	}, nil
}

type ReleaseResult struct {
	Released bool
	// Promoted names the waitlist head that now holds the claim, if any.
	Promoted string
}

// ReleaseFile releases a claim and promotes the waitlist head in the same
// transaction, so the path is never observably unclaimed while waiters
// exist. force lets the lead release a claim held by someone else.
func (s *Store) ReleaseFile(ctx context.Context, path, agent string, force bool, now time.Time) (ReleaseResult, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("begin release tx: %w", err)
	}
	result, err := releaseInTx(ctx, tx, path, agent, force, now)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return ReleaseResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReleaseResult{}, fmt.Errorf("commit release tx: %w", err)
	}
	return result, nil
}

func releaseInTx(ctx context.Context, tx *sql.Tx, path, agent string, force bool, now time.Time) (ReleaseResult, error) {
	var holder string
	err := tx.QueryRowContext(ctx, `SELECT holder FROM file_claims WHERE file_path = ?`, path).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		// Releasing is idempotent, but a queued waiter backing out must
		// leave the queue.
		if _, err := tx.ExecContext(ctx, `DELETE FROM claim_waitlist WHERE file_path = ? AND agent = ?`, path, agent); err != nil {
			return ReleaseResult{}, fmt.Errorf("dequeue waiter: %w", err)
		}
		return ReleaseResult{}, nil
	}
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("read claim holder: %w", err)
	}

	if holder != agent {
		if !force {
			// Not the holder: interpret as leaving the waitlist.
			if _, err := tx.ExecContext(ctx, `DELETE FROM claim_waitlist WHERE file_path = ? AND agent = ?`, path, agent); err != nil {
				return ReleaseResult{}, fmt.Errorf("dequeue waiter: %w", err)
			}
			return ReleaseResult{}, nil
		}
	}

	var (
		next        string
		requestedAt string
	)
	err = tx.QueryRowContext(ctx, `
SELECT agent, requested_at FROM claim_waitlist
WHERE file_path = ? ORDER BY requested_at ASC, agent ASC LIMIT 1
`, path).Scan(&next, &requestedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `DELETE FROM file_claims WHERE file_path = ?`, path); err != nil {
			return ReleaseResult{}, fmt.Errorf("delete claim: %w", err)
		}
		return ReleaseResult{Released: true}, nil
	case err != nil:
		return ReleaseResult{}, fmt.Errorf("read waitlist head: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE file_claims SET holder = ?, acquired_at = ? WHERE file_path = ?
`, next, ts(now), path); err != nil {
		return ReleaseResult{}, fmt.Errorf("promote waiter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM claim_waitlist WHERE file_path = ? AND agent = ?`, path, next); err != nil {
		return ReleaseResult{}, fmt.Errorf("pop waitlist head: %w", err)
	}
	return ReleaseResult{Released: true, Promoted: next}, nil
}

// ReleaseAllFor drops every claim and waitlist entry held by an agent,
// promoting waiters claim by claim. Used on retire and stand-down.
func (s *Store) ReleaseAllFor(ctx context.Context, agent string, now time.Time) ([]ReleaseResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_path FROM file_claims WHERE holder = ? ORDER BY file_path ASC`, agent)
	if err != nil {
		return nil, fmt.Errorf("list held claims: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan held claim: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iter held claims: %w", err)
	}
	rows.Close()

	var results []ReleaseResult
	for _, p := range paths {
		res, err := s.ReleaseFile(ctx, p, agent, false, now)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM claim_waitlist WHERE agent = ?`, agent); err != nil {
		return results, fmt.Errorf("purge waitlist entries: %w", err)
	}
	return results, nil
}

// ListClaims returns every live claim with its ordered waitlist.
func (s *Store) ListClaims(ctx context.Context) ([]model.FileClaim, map[string][]model.ClaimWaiter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_path, holder, acquired_at FROM file_claims ORDER BY file_path ASC`)
	if err != nil {
		return nil, nil, fmt.Errorf("list claims: %w", err)
	}
	claims := make([]model.FileClaim, 0)
	for rows.Next() {
		var (
			c          model.FileClaim
			acquiredAt string
		)
		if err := rows.Scan(&c.FilePath, &c.Holder, &acquiredAt); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan claim: %w", err)
		}
		if c.AcquiredAt, err = parseTS(acquiredAt); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("parse claim timestamp: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, fmt.Errorf("iter claims: %w", err)
	}
	rows.Close()

	wrows, err := s.db.QueryContext(ctx, `
SELECT file_path, agent, requested_at FROM claim_waitlist ORDER BY file_path ASC, requested_at ASC, agent ASC
`)
	if err != nil {
		return nil, nil, fmt.Errorf("list waitlist: %w", err)
	}
	defer wrows.Close()
	waiters := make(map[string][]model.ClaimWaiter)
	for wrows.Next() {
		var (
			w           model.ClaimWaiter
			requestedAt string
		)
		if err := wrows.Scan(&w.FilePath, &w.Agent, &requestedAt); err != nil {
			return nil, nil, fmt.Errorf("scan waiter: %w", err)
		}
		if w.RequestedAt, err = parseTS(requestedAt); err != nil {
			return nil, nil, fmt.Errorf("parse waiter timestamp: %w", err)
		}
		w.Position = len(waiters[w.FilePath]) + 1
		waiters[w.FilePath] = append(waiters[w.FilePath], w)
	}
	if err := wrows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iter waitlist: %w", err)
	}
	return claims, waiters, nil
}
