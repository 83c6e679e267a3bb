// Package filesafety coordinates exclusive write intent on files. Claims
// are advisory: the kernel arbitrates who may edit, it does not lock the
// filesystem.
package filesafety

import (
	"path/filepath"
	"strings"
	"time"

	"context"

	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/model"
)

type Service struct {
	store *db.Store
}

func New(store *db.Store) *Service {
	return &Service{store: store}
}

// Normalize canonicalizes a claim path so "./src/a.go" and "src/a.go"
// contend for the same claim.
func Normalize(path string) string {
	cleaned := filepath.ToSlash(filepath.Clean(path))
	return strings.TrimPrefix(cleaned, "./")
}

// Claim requests exclusive intent on a path. Not granted means queued;
// the result carries the holder and the caller's queue position.
func (s *Service) Claim(ctx context.Context, path, agent string, now time.Time) (db.ClaimResult, error) {
	return s.store.ClaimFile(ctx, Normalize(path), agent, now)
}

// Release gives a claim up. force is reserved for the lead breaking a
// stuck claim; the waitlist head is promoted either way.
func (s *Service) Release(ctx context.Context, path, agent string, force bool, now time.Time) (db.ReleaseResult, error) {
	return s.store.ReleaseFile(ctx, Normalize(path), agent, force, now)
}

// ReleaseAll drops everything an agent holds or waits on, promoting
// waiters. Called when an agent retires or the party stands down.
func (s *Service) ReleaseAll(ctx context.Context, agent string, now time.Time) ([]db.ReleaseResult, error) {
	return s.store.ReleaseAllFor(ctx, agent, now)
}

type ClaimView struct {
	Claim   model.FileClaim
	Waiters []model.ClaimWaiter
}

// List returns every live claim with its ordered waitlist.
func (s *Service) List(ctx context.Context) ([]ClaimView, error) {
	claims, waiters, err := s.store.ListClaims(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ClaimView, 0, len(claims))
	for _, c := range claims {
		out = append(out, ClaimView{Claim: c, Waiters: waiters[c.FilePath]})
	}
	return out, nil
}
