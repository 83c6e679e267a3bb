// Package comms is the messaging surface: send with its gate chain,
// inbox reads, history, and the trigger side effects of message content.
package comms

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ai-janitor/minion-factory/internal/auth"
	"github.com/ai-janitor/minion-factory/internal/config"
	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/model"
	"github.com/ai-janitor/minion-factory/internal/trigger"
)

type Service struct {
	store *db.Store
	cfg   config.Config
}

func New(store *db.Store, cfg config.Config) *Service {
	return &Service{store: store, cfg: cfg}
}

type SendOutcome struct {
	Result   db.SendResult
	Triggers []trigger.Trigger
	// Bypassed is true when fenix_down content skipped the gate chain.
	Bypassed bool
}

// Send persists the body, scans it for trigger words, and runs the gated
// send. fenix_down content bypasses every gate; other active triggers set
// their flags atomically with the delivery.
func (s *Service) Send(ctx context.Context, from string, fromClass model.Class, to, body string, now time.Time) (SendOutcome, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	contentPath, err := s.writeBody(body, now)
	if err != nil {
		return SendOutcome{}, err
	}

	found := trigger.Scan(body)
	bypass := false
	var setFlags []string
	for _, t := range trigger.ActiveOf(found) {
		switch t {
		case trigger.FenixDown:
			bypass = true
		case trigger.MoonCrash:
			setFlags = append(setFlags, model.FlagMoonCrash)
		case trigger.StandDown:
			setFlags = append(setFlags, model.FlagStandDown)
		}
	}

	result, err := s.store.SendMessage(ctx, db.SendParams{
		From:        from,
		To:          to,
		ContentPath: contentPath,
		Project:     s.cfg.Project,
		Staleness:   auth.Staleness(fromClass),
		Bypass:      bypass,
		SetFlags:    setFlags,
		Now:         now,
	})
	if err != nil {
		return SendOutcome{}, err
	}
	return SendOutcome{Result: result, Triggers: found, Bypassed: bypass}, nil
}

// InboxItem pairs a message row with its body. A missing body file is
// reported inline rather than failing the whole read.
type InboxItem struct {
	Message model.Message
	Body    string
}

// CheckInbox drains the caller's unread mail and loads each body.
func (s *Service) CheckInbox(ctx context.Context, name string, now time.Time) ([]InboxItem, error) {
	messages, err := s.store.CheckInbox(ctx, name, now)
	if err != nil {
		return nil, err
	}
	items := make([]InboxItem, 0, len(messages))
	for _, msg := range messages {
		items = append(items, InboxItem{Message: msg, Body: s.readBody(msg.ContentPath)})
	}
	return items, nil
}

func (s *Service) UnreadCount(ctx context.Context, name string) (int, error) {
	return s.store.UnreadCount(ctx, name)
}

// Purge removes the caller's read mail older than the configured window.
func (s *Service) Purge(ctx context.Context, name string, now time.Time) (int64, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.store.PurgeInbox(ctx, name, now.Add(-s.cfg.PurgeAfter), now)
}

func (s *Service) History(ctx context.Context, limit int) ([]InboxItem, error) {
	messages, err := s.store.GetHistory(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]InboxItem, 0, len(messages))
	for _, msg := range messages {
		items = append(items, InboxItem{Message: msg, Body: s.readBody(msg.ContentPath)})
	}
	return items, nil
}

// ClearMoonCrash lifts the emergency flag.
func (s *Service) ClearMoonCrash(ctx context.Context) (bool, error) {
	return s.store.ClearFlag(ctx, model.FlagMoonCrash)
}

// SystemAlertPath pre-writes an alert body and returns its path, for
// messages inserted inside a datastore transaction.
func (s *Service) SystemAlertPath(body string, now time.Time) (string, error) {
	return s.writeBody(body, now)
}

func (s *Service) writeBody(body string, now time.Time) (string, error) {
	dir := s.cfg.MessagesDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create messages dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.md", now.UTC().Format("20060102T150405"), uuid.NewString()[:8]))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return "", fmt.Errorf("write message body: %w", err)
	}
	return path, nil
}

func (s *Service) readBody(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("(body unavailable: %s)", path)
	}
	return string(data)
}
