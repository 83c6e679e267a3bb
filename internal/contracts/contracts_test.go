package contracts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ai-janitor/minion-factory/internal/config"
	"github.com/ai-janitor/minion-factory/internal/lifecycle"
	"github.com/ai-janitor/minion-factory/internal/model"
)

func TestLoadOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
poll_interval_seconds: 10
failure_threshold: 5
default_context_window: 1000000
purge_after_hours: 72
`), 0o644))

	got, err := LoadOverrides(cfg, path)
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, got.PollInterval)
	require.Equal(t, 5, got.FailureThreshold)
	require.Equal(t, int64(1_000_000), got.DefaultContextWindow)
	require.Equal(t, 72*time.Hour, got.PurgeAfter)
	// Untouched knobs keep their defaults.
	require.Equal(t, cfg.NoOutputTimeout, got.NoOutputTimeout)
}

func TestLoadOverridesClampsPollInterval(t *testing.T) {
	cfg := config.DefaultConfig()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_interval_seconds: 3600\n"), 0o644))

	got, err := LoadOverrides(cfg, path)
	require.NoError(t, err)
	require.Equal(t, cfg.PollIntervalMax, got.PollInterval)
}

func TestLoadOverridesMissingFile(t *testing.T) {
	cfg := config.DefaultConfig()
	got, err := LoadOverrides(cfg, filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestCompactionMarkersFromDocs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compaction-markers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("markers:\n  - custom_boundary\n  - 'Window full'\n"), 0o644))

	got, err := CompactionMarkers(path)
	require.NoError(t, err)
	require.Equal(t, []string{"custom_boundary", "Window full"}, got)
}

func TestCompactionMarkersMissingFileUsesDefaults(t *testing.T) {
	got, err := CompactionMarkers(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultCompactionMarkers(), got)
	require.Contains(t, got, "compact_boundary")
}

func TestBootPromptScopedToClass(t *testing.T) {
	prompt := BootPrompt("bob", model.ClassCoder, "proj")
	require.Contains(t, prompt, "You are bob, a coder agent")
	require.Contains(t, prompt, "minion pull-task")
	require.Contains(t, prompt, "minion claim-file")
	require.NotContains(t, prompt, "minion stand-down", "coder must not see lead commands")
	require.Contains(t, prompt, "moon_crash")
}

func TestCompactionBriefing(t *testing.T) {
	plan := model.Plan{PlanFile: "/plans/p.md", Agent: "gru"}
	briefing := lifecycle.Briefing{
		Agent:  model.Agent{Name: "bob"},
		Plan:   &plan,
		Tasks:  []model.Task{{ID: 7, Title: "fix parser", Status: "in_progress", TaskFile: "/tasks/7.md"}},
		Unread: 2,
		Flags:  []model.Flag{{Key: model.FlagMoonCrash, SetBy: "nefario"}},
		Fenix:  []model.FenixRecord{{Manifest: "old life notes"}},
	}
	text := CompactionBriefing(briefing, "proj")
	for _, want := range []string{
		"compacted", "#7 fix parser", "Unread messages: 2", "moon_crash", "old life notes", "/plans/p.md",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("briefing missing %q", want)
		}
	}
}
