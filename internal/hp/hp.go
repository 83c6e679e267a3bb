// Package hp computes agent health from context-window telemetry. HP is
// the fraction of the context window still free: 100 at a fresh window,
// 0 when the next turn would compact.
package hp

import (
	"github.com/ai-janitor/minion-factory/internal/model"
)

// Percent computes remaining context as a whole percentage, saturating at
// [0, 100]. used is the effective input of the last turn (input plus cache
// creation plus cache read); limit is the model's context window.
func Percent(used, limit int64) int {
	if limit <= 0 {
		return 0
	}
	if used <= 0 {
		return 100
	}
	if used >= limit {
		return 0
	}
	// Round half up: 195k of a 200k window is 3 percent left, not 2.
	return int(((limit-used)*100 + limit/2) / limit)
}

// State buckets a percentage: healthy above 50, wounded down to 26,
// critical at 25 and below.
func State(pct int) model.HPState {
	switch {
	case pct > 50:
		return model.HPHealthy
	case pct > 25:
		return model.HPWounded
	default:
		return model.HPCritical
	}
}

// ForAgent derives the agent's HP. An agent with no telemetry source has
// unknown HP, never a fabricated percentage.
func ForAgent(agent model.Agent, defaultWindow int64) (pct int, state model.HPState) {
	if agent.HPMode == model.HPModeNone {
		return 0, model.HPUnknown
	}
	limit := defaultWindow
	if agent.HPTokensLimit != nil && *agent.HPTokensLimit > 0 {
		limit = *agent.HPTokensLimit
	}
	if limit <= 0 {
		return 0, model.HPUnknown
	}
	if agent.HPTurnInput == 0 && agent.HPMode == model.HPModeDaemon {
		// Registered to a daemon but no turn recorded yet.
		return 100, model.HPHealthy
	}
	pct = Percent(agent.HPTurnInput, limit)
	return pct, State(pct)
}

// AlertLevels are the thresholds at which the daemon raises a lead alert,
// in firing order.
var AlertLevels = []int{25, 10}
