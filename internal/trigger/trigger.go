// Package trigger defines the emergency codebook: reserved words that
// change system behavior when they appear in message content.
package trigger

import (
	"regexp"
	"sort"
	"strings"
)

type Trigger string

const (
	// MoonCrash freezes non-lead sends until the lead clears the flag.
	MoonCrash Trigger = "moon_crash"
	// StandDown tells every daemon to finish its turn and exit.
	StandDown Trigger = "stand_down"
	// FenixDown marks pre-crash handoff content; it bypasses all send gates.
	FenixDown Trigger = "fenix_down"
	// Sitrep requests a status report from the recipient.
	Sitrep Trigger = "sitrep"
	// Rally calls agents to converge on the sender's zone.
	Rally Trigger = "rally"
	// Retreat tells agents to abandon the current approach.
	Retreat Trigger = "retreat"
	// HotZone marks a zone as contended; claim files before touching it.
	HotZone Trigger = "hot_zone"
	// Recon requests investigation before any code changes.
	Recon Trigger = "recon"
)

type Meaning struct {
	Trigger Trigger
	// Active triggers flip datastore flags or alter delivery; advisory
	// triggers are conventions between agents.
	Active      bool
	Description string
}

var codebook = map[Trigger]Meaning{
	MoonCrash: {MoonCrash, true, "emergency stop: all non-lead sends blocked until the lead clears it"},
	StandDown: {StandDown, true, "orderly shutdown: daemons exit at the next poll boundary"},
	FenixDown: {FenixDown, true, "pre-crash handoff: message bypasses every send gate"},
	Sitrep:    {Sitrep, false, "recipient should reply with a status report"},
	Rally:     {Rally, false, "converge on the sender's zone"},
	Retreat:   {Retreat, false, "abandon the current approach"},
	HotZone:   {HotZone, false, "zone is contended; claim files before editing"},
	Recon:     {Recon, false, "investigate before changing code"},
}

// Lookup returns the codebook entry for a trigger word.
func Lookup(t Trigger) (Meaning, bool) {
	m, ok := codebook[t]
	return m, ok
}

// All returns the codebook sorted by trigger word.
func All() []Meaning {
	out := make([]Meaning, 0, len(codebook))
	for _, m := range codebook {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Trigger < out[j].Trigger })
	return out
}

var wordRE = regexp.MustCompile(`[a-z_]+`)

// Scan extracts the triggers present in message content, deduplicated, in
// codebook order. Matching is on whole lowercase words, so prose about
// "moon_crash recovery" still counts and "rallying" does not.
func Scan(content string) []Trigger {
	found := map[Trigger]bool{}
	for _, word := range wordRE.FindAllString(strings.ToLower(content), -1) {
		t := Trigger(word)
		if _, ok := codebook[t]; ok {
			found[t] = true
		}
	}
	if len(found) == 0 {
		return nil
	}
	out := make([]Trigger, 0, len(found))
	for _, m := range All() {
		if found[m.Trigger] {
			out = append(out, m.Trigger)
		}
	}
	return out
}

// ActiveOf filters a scan result down to the triggers that change system
// state.
func ActiveOf(triggers []Trigger) []Trigger {
	var out []Trigger
	for _, t := range triggers {
		if codebook[t].Active {
			out = append(out, t)
		}
	}
	return out
}
