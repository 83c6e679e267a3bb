package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ai-janitor/minion-factory/internal/model"
)

// Recognized environment variables.
const (
	EnvDBPath  = "MINION_DB_PATH"
	EnvProject = "MINION_PROJECT"
	EnvClass   = "MINION_CLASS"
	EnvAgent   = "MINION_AGENT"
	EnvDocsDir = "MINION_DOCS_DIR"
)

const workRoot = ".minion_work"

type Config struct {
	Project string
	DBPath  string
	DocsDir string
	WorkDir string

	PollInterval       time.Duration
	PollIntervalMin    time.Duration
	PollIntervalMax    time.Duration
	NoOutputTimeout    time.Duration
	RetryBackoff       time.Duration
	RetryBackoffMax    time.Duration
	FailureThreshold   int
	MaxHistoryTokens   int
	MaxPromptChars     int
	DefaultContextWindow int64

	ActiveWithin time.Duration
	IdleWithin   time.Duration

	PurgeAfter time.Duration
}

func DefaultConfig() Config {
	project := resolveProject()
	return Config{
		Project: project,
		DBPath:  resolveDBPath(project),
		DocsDir: resolveDocsDir(),
		WorkDir: projectWorkDir(project),

		PollInterval:         5 * time.Second,
		PollIntervalMin:      1 * time.Second,
		PollIntervalMax:      30 * time.Second,
		NoOutputTimeout:      600 * time.Second,
		RetryBackoff:         30 * time.Second,
		RetryBackoffMax:      300 * time.Second,
		FailureThreshold:     3,
		MaxHistoryTokens:     100_000,
		MaxPromptChars:       120_000,
		DefaultContextWindow: 200_000,

		ActiveWithin: 120 * time.Second,
		IdleWithin:   600 * time.Second,

		PurgeAfter: 24 * time.Hour,
	}
}

// CallerClass reads the caller's class from the environment. Unset means
// terminal usage by the operator, which defaults to lead.
func CallerClass() model.Class {
	v := os.Getenv(EnvClass)
	if v == "" {
		return model.ClassLead
	}
	return model.Class(v)
}

func resolveProject() string {
	if v := os.Getenv(EnvProject); v != "" {
		return v
	}
	wd, err := os.Getwd()
	if err != nil {
		return "default"
	}
	return filepath.Base(wd)
}

func projectWorkDir(project string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(workRoot, project)
	}
	return filepath.Join(home, workRoot, project)
}

func resolveDBPath(project string) string {
	if v := os.Getenv(EnvDBPath); v != "" {
		return v
	}
	return filepath.Join(projectWorkDir(project), "minion.db")
}

func resolveDocsDir() string {
	if v := os.Getenv(EnvDocsDir); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(workRoot, "docs")
	}
	return filepath.Join(home, workRoot, "docs")
}

// Persisted state layout under the project work directory.

func (c Config) InboxDir(agent string) string { return filepath.Join(c.WorkDir, "inbox", agent) }

// MessagesDir holds message bodies; rows in the datastore reference them
// by path so a broadcast stores its content once.
func (c Config) MessagesDir() string { return filepath.Join(c.WorkDir, "messages") }

func (c Config) TasksDir(mission string) string { return filepath.Join(c.WorkDir, "tasks", mission) }

func (c Config) ResultsDir(mission string) string {
	return filepath.Join(c.WorkDir, "results", mission)
}

func (c Config) PlansDir() string { return filepath.Join(c.WorkDir, "battle-plans") }

func (c Config) RaidLogDir() string { return filepath.Join(c.WorkDir, "raid-log") }

func (c Config) StateDir() string { return filepath.Join(c.WorkDir, "state") }

func (c Config) StateFile(agent string) string {
	return filepath.Join(c.StateDir(), agent+".json")
}

func (c Config) StreamTail(agent string) string {
	return filepath.Join(c.WorkDir, "streams", agent+".tail")
}

func (c Config) FlowsDir() string { return filepath.Join(c.DocsDir, "task-flows") }

// CompactionMarkersFile names the doc-dir override for the provider
// output markers that signal a context compaction.
func (c Config) CompactionMarkersFile() string {
	return filepath.Join(c.DocsDir, "compaction-markers.yaml")
}
