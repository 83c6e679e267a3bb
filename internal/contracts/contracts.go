// Package contracts renders the operating contract an agent works under:
// the boot prompt for daemon turns, the re-injection briefing after a
// provider-side compaction, and the YAML overrides for runtime tuning.
package contracts

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ai-janitor/minion-factory/internal/auth"
	"github.com/ai-janitor/minion-factory/internal/config"
	"github.com/ai-janitor/minion-factory/internal/lifecycle"
	"github.com/ai-janitor/minion-factory/internal/model"
	"github.com/ai-janitor/minion-factory/internal/trigger"
)

// Overrides tunes runtime knobs from DOCS_DIR/config.yaml. Zero values
// leave the default alone.
type Overrides struct {
	PollIntervalSeconds    int   `yaml:"poll_interval_seconds"`
	NoOutputTimeoutSeconds int   `yaml:"no_output_timeout_seconds"`
	FailureThreshold       int   `yaml:"failure_threshold"`
	MaxHistoryTokens       int   `yaml:"max_history_tokens"`
	MaxPromptChars         int   `yaml:"max_prompt_chars"`
	DefaultContextWindow   int64 `yaml:"default_context_window"`
	PurgeAfterHours        int   `yaml:"purge_after_hours"`
}

// LoadOverrides applies config.yaml on top of cfg. A missing file is the
// common case and returns cfg unchanged.
func LoadOverrides(cfg config.Config, path string) (config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read overrides: %w", err)
	}
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return cfg, fmt.Errorf("parse overrides: %w", err)
	}
	if o.PollIntervalSeconds > 0 {
		cfg.PollInterval = time.Duration(o.PollIntervalSeconds) * time.Second
		if cfg.PollInterval < cfg.PollIntervalMin {
			cfg.PollInterval = cfg.PollIntervalMin
		}
		if cfg.PollInterval > cfg.PollIntervalMax {
			cfg.PollInterval = cfg.PollIntervalMax
		}
	}
	if o.NoOutputTimeoutSeconds > 0 {
		cfg.NoOutputTimeout = time.Duration(o.NoOutputTimeoutSeconds) * time.Second
	}
	if o.FailureThreshold > 0 {
		cfg.FailureThreshold = o.FailureThreshold
	}
	if o.MaxHistoryTokens > 0 {
		cfg.MaxHistoryTokens = o.MaxHistoryTokens
	}
	if o.MaxPromptChars > 0 {
		cfg.MaxPromptChars = o.MaxPromptChars
	}
	if o.DefaultContextWindow > 0 {
		cfg.DefaultContextWindow = o.DefaultContextWindow
	}
	if o.PurgeAfterHours > 0 {
		cfg.PurgeAfter = time.Duration(o.PurgeAfterHours) * time.Hour
	}
	return cfg, nil
}

// defaultCompactionMarkers are the stream signals that the provider
// compacted the context mid-turn. The string fallbacks cover older CLI
// versions that only mention it in text.
var defaultCompactionMarkers = []string{
	"compact_boundary",
	"Context low",
	"context compacted",
	"Conversation compacted",
}

// DefaultCompactionMarkers returns the built-in marker set.
func DefaultCompactionMarkers() []string {
	return append([]string(nil), defaultCompactionMarkers...)
}

// CompactionMarkers loads the marker set from a docs-dir YAML file with
// a top-level `markers:` list. A missing file returns the defaults.
func CompactionMarkers(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultCompactionMarkers(), nil
		}
		return nil, fmt.Errorf("read compaction markers: %w", err)
	}
	var doc struct {
		Markers []string `yaml:"markers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse compaction markers: %w", err)
	}
	if len(doc.Markers) == 0 {
		return DefaultCompactionMarkers(), nil
	}
	return doc.Markers, nil
}

// BootPrompt is the standing contract injected as the daemon's system
// prompt: identity, command surface, messaging rules, and the trigger
// codebook.
func BootPrompt(name string, class model.Class, project string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s agent in project %s.\n\n", name, class, project)
	b.WriteString("Operating rules:\n")
	b.WriteString("- Run `minion check-inbox` before anything else; you cannot send with unread mail.\n")
	b.WriteString("- Refresh your context with `minion set-context` before sending; stale context blocks sends.\n")
	b.WriteString("- Pull work with `minion pull-task`; never start work that is not a task.\n")
	b.WriteString("- Claim files with `minion claim-file` before editing shared code.\n")
	b.WriteString("- Report progress with `minion update-task`; submit results with `minion submit-result`.\n")
	b.WriteString("- If your context is nearly gone, run `minion fenix-down` with a handoff manifest.\n\n")

	b.WriteString("Your commands:\n")
	for _, tool := range auth.ToolsForClass(class) {
		fmt.Fprintf(&b, "- %s: %s\n", tool.Command, tool.Description)
	}

	b.WriteString("\nTrigger codebook (reserved words in messages):\n")
	for _, m := range trigger.All() {
		fmt.Fprintf(&b, "- %s: %s\n", m.Trigger, m.Description)
	}
	return b.String()
}

// CompactionBriefing is re-injected after the provider compacts the
// conversation: the durable state the compacted transcript may have lost.
func CompactionBriefing(briefing lifecycle.Briefing, project string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your conversation was compacted. Durable state for %s in project %s:\n\n", briefing.Agent.Name, project)
	if briefing.Plan != nil {
		fmt.Fprintf(&b, "Active plan: %s (set by %s)\n", briefing.Plan.PlanFile, briefing.Plan.Agent)
	} else {
		b.WriteString("No active plan.\n")
	}
	if len(briefing.Tasks) > 0 {
		b.WriteString("Your tasks:\n")
		for _, task := range briefing.Tasks {
			fmt.Fprintf(&b, "- #%d %s [%s] %s\n", task.ID, task.Title, task.Status, task.TaskFile)
		}
	}
	if briefing.Unread > 0 {
		fmt.Fprintf(&b, "Unread messages: %d (run minion check-inbox)\n", briefing.Unread)
	}
	for _, flag := range briefing.Flags {
		fmt.Fprintf(&b, "Flag in effect: %s (set by %s)\n", flag.Key, flag.SetBy)
	}
	for _, rec := range briefing.Fenix {
		fmt.Fprintf(&b, "Recovered manifest from your previous life:\n%s\n", rec.Manifest)
	}
	b.WriteString("\nRe-read your task files before continuing.\n")
	return b.String()
}
