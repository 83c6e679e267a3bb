package daemon

import (
	"fmt"
	"strings"
)

// estimateTokens is the chars/4 heuristic used to budget history.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Buffer is the daemon's rolling conversation memory: recent turns kept
// FIFO under a token budget, oldest evicted first. It survives between
// provider turns, not between daemon restarts; restarts rebuild context
// through the cold-start briefing instead.
type Buffer struct {
	maxTokens int
	entries   []bufferEntry
	tokens    int
}

type bufferEntry struct {
	role   string
	text   string
	tokens int
}

func NewBuffer(maxTokens int) *Buffer {
	return &Buffer{maxTokens: maxTokens}
}

// Append adds a turn and evicts from the front until the budget holds.
// A single oversized entry is truncated rather than dropped.
func (b *Buffer) Append(role, text string) {
	tokens := estimateTokens(text)
	if tokens > b.maxTokens {
		keep := b.maxTokens * 4
		text = text[:keep] + "\n(truncated)"
		tokens = estimateTokens(text)
	}
	b.entries = append(b.entries, bufferEntry{role: role, text: text, tokens: tokens})
	b.tokens += tokens
	for b.tokens > b.maxTokens && len(b.entries) > 1 {
		evicted := b.entries[0]
		b.entries = b.entries[1:]
		b.tokens -= evicted.tokens
	}
}

// Render flattens the buffer into prompt history, oldest first.
func (b *Buffer) Render() string {
	var sb strings.Builder
	for _, e := range b.entries {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", e.role, e.text)
	}
	return sb.String()
}

func (b *Buffer) Tokens() int { return b.tokens }

func (b *Buffer) Len() int { return len(b.entries) }

// Reset drops everything; used after a provider-side compaction, when
// the transcript no longer matches what the model saw.
func (b *Buffer) Reset() {
	b.entries = nil
	b.tokens = 0
}
