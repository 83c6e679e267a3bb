// Package provider abstracts the model CLI a daemon drives. A provider
// turns a prompt into text plus token telemetry; the daemon owns
// everything around the call.
package provider

import (
	"context"
	"fmt"
	"sort"
)

// Usage is the token telemetry of one provider turn. Effective input is
// what occupies the context window: fresh input plus cache writes plus
// cache reads.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	// ContextWindow is the model's window size when the provider reports
	// it; zero means unknown.
	ContextWindow int64
}

func (u Usage) EffectiveInput() int64 {
	return u.InputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

func (u Usage) Add(other Usage) Usage {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
	if other.ContextWindow > 0 {
		u.ContextWindow = other.ContextWindow
	}
	return u
}

type InvokeParams struct {
	Agent        string
	Model        string
	SystemPrompt string
	Prompt       string
	WorkDir      string
	// SessionID resumes a previous provider session when the provider
	// supports it; empty starts fresh.
	SessionID string
	// CompactionMarkers are the stream substrings treated as compaction
	// signals. Empty means the provider's built-in set.
	CompactionMarkers []string
	// StreamTail, when set, receives a copy of the raw stream for
	// post-mortem debugging.
	StreamTail string
}

type InvokeResult struct {
	Text  string
	Usage Usage
	// SessionID identifies the provider session of this turn, for resume.
	SessionID string
	// CompactionMarkers are provider-emitted signs that the context was
	// compacted during the turn.
	CompactionMarkers []string
}

// Capabilities describes what a provider's CLI can do, so the daemon
// adapts instead of guessing.
type Capabilities struct {
	CanReadOutsideProject bool
	ShellSandbox          bool
	DefaultContextWindow  int64
	SupportsResume        bool
}

type Provider interface {
	Name() string
	Capabilities() Capabilities
	Invoke(ctx context.Context, params InvokeParams) (InvokeResult, error)
}

var providers = map[string]func() Provider{}

// Register installs a provider factory. Called from init.
func Register(name string, factory func() Provider) {
	providers[name] = factory
}

// Get builds the named provider; empty name means claude.
func Get(name string) (Provider, error) {
	if name == "" {
		name = "claude"
	}
	factory, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q: not registered (have %v)", name, Names())
	}
	return factory(), nil
}

func Names() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
