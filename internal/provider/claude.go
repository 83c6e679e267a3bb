package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/ai-janitor/minion-factory/internal/contracts"
)

func init() {
	Register("claude", func() Provider { return &claudeProvider{binary: "claude"} })
}

// claudeProvider drives the claude CLI in one-shot mode with stream-json
// output, which carries per-turn token usage the daemon turns into HP.
type claudeProvider struct {
	binary string
}

func (p *claudeProvider) Name() string { return "claude" }

func (p *claudeProvider) Capabilities() Capabilities {
	return Capabilities{
		CanReadOutsideProject: true,
		ShellSandbox:          false,
		DefaultContextWindow:  200_000,
		SupportsResume:        true,
	}
}

func (p *claudeProvider) Invoke(ctx context.Context, params InvokeParams) (InvokeResult, error) {
	args := []string{"-p", params.Prompt, "--output-format", "stream-json", "--verbose"}
	if params.Model != "" {
		args = append(args, "--model", params.Model)
	}
	if params.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", params.SystemPrompt)
	}
	if params.SessionID != "" {
		args = append(args, "--resume", params.SessionID)
	}
	cmd := exec.CommandContext(ctx, p.binary, args...)
	if params.WorkDir != "" {
		cmd.Dir = params.WorkDir
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return InvokeResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return InvokeResult{}, fmt.Errorf("start %s: %w", p.binary, err)
	}

	var stream io.Reader = stdout
	var tail *os.File
	if params.StreamTail != "" {
		if f, err := os.Create(params.StreamTail); err == nil {
			tail = f
			stream = io.TeeReader(stdout, f)
		}
	}
	result, parseErr := ParseStream(stream, params.CompactionMarkers)
	if tail != nil {
		tail.Close()
	}
	if err := cmd.Wait(); err != nil {
		return result, fmt.Errorf("%s exited: %w: %s", p.binary, err, strings.TrimSpace(stderr.String()))
	}
	return result, parseErr
}

type streamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage *streamUsage `json:"usage"`
	} `json:"message"`
	Usage      *streamUsage `json:"usage"`
	ModelUsage map[string]struct {
		ContextWindow int64 `json:"contextWindow"`
	} `json:"modelUsage"`
}

type streamUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
}

func (u *streamUsage) toUsage() Usage {
	return Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CacheReadTokens:     u.CacheReadTokens,
	}
}

// ParseStream reads a stream-json transcript and extracts the final text,
// the turn's usage, the session id, and any compaction markers from the
// given marker set (nil means the built-in contracts defaults). The
// result event's usage wins over per-message usage when both appear;
// non-JSON lines are tolerated and scanned for marker text only.
func ParseStream(r io.Reader, markers []string) (InvokeResult, error) {
	if len(markers) == 0 {
		markers = contracts.DefaultCompactionMarkers()
	}
	var (
		result      InvokeResult
		text        strings.Builder
		resultUsage *Usage
		msgUsage    Usage
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		for _, marker := range markers {
			if bytes.Contains(line, []byte(marker)) {
				result.CompactionMarkers = appendUnique(result.CompactionMarkers, marker)
			}
		}
		var event streamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if event.SessionID != "" {
			result.SessionID = event.SessionID
		}
		switch event.Type {
		case "assistant":
			for _, block := range event.Message.Content {
				if block.Type == "text" {
					text.WriteString(block.Text)
				}
			}
			if event.Message.Usage != nil {
				msgUsage = msgUsage.Add(event.Message.Usage.toUsage())
			}
		case "result":
			if event.Result != "" {
				text.Reset()
				text.WriteString(event.Result)
			}
			if event.Usage != nil {
				u := event.Usage.toUsage()
				resultUsage = &u
			}
			for _, mu := range event.ModelUsage {
				if mu.ContextWindow > 0 {
					result.Usage.ContextWindow = mu.ContextWindow
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("read stream: %w", err)
	}
	window := result.Usage.ContextWindow
	if resultUsage != nil {
		result.Usage = *resultUsage
	} else {
		result.Usage = msgUsage
	}
	result.Usage.ContextWindow = window
	result.Text = text.String()
	return result, nil
}

func appendUnique(values []string, v string) []string {
	for _, x := range values {
		if x == v {
			return values
		}
	}
	return append(values, v)
}
