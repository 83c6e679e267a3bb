// Package flow loads task-flow definitions: the status graphs tasks move
// through and the worker classes that own each phase. Flows are YAML
// files in the docs dir; a built-in base flow always exists.
package flow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ai-janitor/minion-factory/internal/model"
)

// BaseFlow is the implicit flow every task follows unless its task_type
// names another one.
const BaseFlow = "base"

const initialStatus = "open"

// defaultWorkersKey is the workers-map entry covering every requesting
// class without a row of its own. An absent entry falls back to the
// lead alone.
const defaultWorkersKey = "default"

// requireSubmitResult is the only recognized requires entry: a result
// file must be on record before the stage completes forward.
const requireSubmitResult = "submit_result"

type Stage struct {
	// Workers maps a requesting class to the classes allowed to work the
	// stage on its behalf. The "default" key covers classes without an
	// entry; a stage with no default admits only the lead.
	Workers map[string][]model.Class `yaml:"workers"`
	// Next lists the forward statuses reachable from this one.
	Next []string `yaml:"next"`
	// Fail is where a failed completion sends the task.
	Fail string `yaml:"fail"`
	// Requires names preconditions for completing the stage forward.
	Requires []string `yaml:"requires"`
	// Terminal marks the end of the flow.
	Terminal    bool   `yaml:"terminal"`
	Description string `yaml:"description"`
}

type Flow struct {
	Name     string           `yaml:"name"`
	Inherits string           `yaml:"inherits"`
	Stages   map[string]Stage `yaml:"stages"`
}

func builtinBase() Flow {
	return Flow{
		Name: BaseFlow,
		Stages: map[string]Stage{
			"open":     {Next: []string{"assigned"}},
			"assigned": {Next: []string{"in_progress"}},
			"in_progress": {
				Workers:  map[string][]model.Class{"coder": {model.ClassCoder}},
				Next:     []string{"fixed"},
				Fail:     "open",
				Requires: []string{requireSubmitResult},
			},
			"fixed": {
				Workers: map[string][]model.Class{"oracle": {model.ClassOracle}},
				Next:    []string{"verified"},
				Fail:    "in_progress",
			},
			"verified": {Next: []string{"closed"}},
			"closed":   {Terminal: true},
		},
	}
}

// Registry holds every loaded flow plus the built-in base.
type Registry struct {
	flows map[string]Flow
}

// Load reads every *.yaml in dir and resolves inheritance. A missing dir
// yields a registry with only the base flow.
func Load(dir string) (*Registry, error) {
	raw := map[string]Flow{BaseFlow: builtinBase()}

	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read flows dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read flow %s: %w", entry.Name(), err)
		}
		var f Flow
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse flow %s: %w", entry.Name(), err)
		}
		if f.Name == "" {
			f.Name = strings.TrimSuffix(entry.Name(), ".yaml")
		}
		if _, dup := raw[f.Name]; dup && f.Name == BaseFlow {
			return nil, fmt.Errorf("flow %s: name %q is reserved", entry.Name(), BaseFlow)
		}
		raw[f.Name] = f
	}

	resolved := make(map[string]Flow, len(raw))
	for name := range raw {
		f, err := resolve(raw, name, nil)
		if err != nil {
			return nil, err
		}
		if err := validate(f); err != nil {
			return nil, err
		}
		resolved[name] = f
	}
	return &Registry{flows: resolved}, nil
}

// resolve merges a flow onto its inheritance chain, parent-first. A child
// stage overrides the parent stage field by field: a nil Workers map or
// nil Next keeps the parent's value.
func resolve(raw map[string]Flow, name string, seen []string) (Flow, error) {
	for _, s := range seen {
		if s == name {
			return Flow{}, fmt.Errorf("flow %s: inheritance cycle through %v", name, seen)
		}
	}
	f, ok := raw[name]
	if !ok {
		return Flow{}, fmt.Errorf("flow %s: unknown parent", name)
	}
	parentName := f.Inherits
	if parentName == "" && name != BaseFlow {
		parentName = BaseFlow
	}
	if parentName == "" {
		return f, nil
	}
	parent, err := resolve(raw, parentName, append(seen, name))
	if err != nil {
		return Flow{}, err
	}

	merged := Flow{Name: f.Name, Stages: make(map[string]Stage, len(parent.Stages)+len(f.Stages))}
	for status, stage := range parent.Stages {
		merged.Stages[status] = stage
	}
	for status, stage := range f.Stages {
		base, had := merged.Stages[status]
		if !had {
			merged.Stages[status] = stage
			continue
		}
		if stage.Workers != nil {
			base.Workers = stage.Workers
		}
		if stage.Next != nil {
			base.Next = stage.Next
		}
		if stage.Fail != "" {
			base.Fail = stage.Fail
		}
		if stage.Requires != nil {
			base.Requires = stage.Requires
		}
		if stage.Terminal {
			base.Terminal = true
		}
		if stage.Description != "" {
			base.Description = stage.Description
		}
		merged.Stages[status] = base
	}
	return merged, nil
}

func validate(f Flow) error {
	if _, ok := f.Stages[initialStatus]; !ok {
		return fmt.Errorf("flow %s: missing initial status %q", f.Name, initialStatus)
	}
	terminal := false
	for status, stage := range f.Stages {
		for key, classes := range stage.Workers {
			if key != defaultWorkersKey && !model.Class(key).Valid() {
				return fmt.Errorf("flow %s: stage %s: unknown workers key %q", f.Name, status, key)
			}
			for _, class := range classes {
				if !class.Valid() {
					return fmt.Errorf("flow %s: stage %s: unknown worker class %q", f.Name, status, class)
				}
			}
		}
		for _, req := range stage.Requires {
			if req != requireSubmitResult {
				return fmt.Errorf("flow %s: stage %s: unknown requirement %q", f.Name, status, req)
			}
		}
		if stage.Terminal {
			terminal = true
			if len(stage.Next) > 0 || stage.Fail != "" {
				return fmt.Errorf("flow %s: stage %s: terminal stages have no outgoing edges", f.Name, status)
			}
		}
		for _, next := range stage.Next {
			if _, ok := f.Stages[next]; !ok {
				return fmt.Errorf("flow %s: stage %s: next status %q not defined", f.Name, status, next)
			}
		}
		if stage.Fail != "" {
			if _, ok := f.Stages[stage.Fail]; !ok {
				return fmt.Errorf("flow %s: stage %s: fail status %q not defined", f.Name, status, stage.Fail)
			}
		}
	}
	if !terminal {
		return fmt.Errorf("flow %s: no terminal stage", f.Name)
	}
	// Every stage must be reachable from the initial status.
	reached := map[string]bool{initialStatus: true}
	queue := []string{initialStatus}
	for len(queue) > 0 {
		status := queue[0]
		queue = queue[1:]
		stage := f.Stages[status]
		edges := stage.Next
		if stage.Fail != "" {
			edges = append(append([]string(nil), edges...), stage.Fail)
		}
		for _, next := range edges {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	for status := range f.Stages {
		if !reached[status] {
			return fmt.Errorf("flow %s: stage %s unreachable from %s", f.Name, status, initialStatus)
		}
	}
	return nil
}

// Get returns the named flow; empty name means the base flow.
func (r *Registry) Get(name string) (Flow, error) {
	if name == "" {
		name = BaseFlow
	}
	f, ok := r.flows[name]
	if !ok {
		return Flow{}, fmt.Errorf("flow %q: not defined", name)
	}
	return f, nil
}

// Names lists the registered flows, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.flows))
	for name := range r.flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NextStatuses returns the legal targets from a status, forward edges
// plus the fail edge, sorted.
func (f Flow) NextStatuses(from string) ([]string, error) {
	stage, ok := f.Stages[from]
	if !ok {
		return nil, fmt.Errorf("flow %s: status %q not defined", f.Name, from)
	}
	next := make([]string, len(stage.Next))
	copy(next, stage.Next)
	if stage.Fail != "" {
		next = append(next, stage.Fail)
	}
	sort.Strings(next)
	return next, nil
}

// ValidTransition reports whether from -> to is an edge of the flow,
// forward or fail.
func (f Flow) ValidTransition(from, to string) bool {
	stage, ok := f.Stages[from]
	if !ok {
		return false
	}
	for _, next := range stage.Next {
		if next == to {
			return true
		}
	}
	return stage.Fail != "" && stage.Fail == to
}

// Owns reports whether a class has an explicit workers entry naming
// itself at the status. Pulls go through this check; the lead fallback
// that completion uses does not admit pullers.
func (f Flow) Owns(status string, class model.Class) bool {
	for _, c := range f.Stages[status].Workers[string(class)] {
		if c == class {
			return true
		}
	}
	return false
}

// AllowedWorker reports whether a class may complete the status: its own
// workers row when present, otherwise the stage's default row, otherwise
// the lead alone.
func (f Flow) AllowedWorker(status string, class model.Class) bool {
	workers := f.Stages[status].Workers
	list, ok := workers[string(class)]
	if !ok {
		list, ok = workers[defaultWorkersKey]
	}
	if !ok {
		return class == model.ClassLead
	}
	for _, c := range list {
		if c == class {
			return true
		}
	}
	return false
}

// WorkerClasses lists every class with an explicit workers row at the
// status, sorted. Used for pull routing and error messages.
func (f Flow) WorkerClasses(status string) []model.Class {
	seen := map[model.Class]bool{}
	for key, classes := range f.Stages[status].Workers {
		if key == defaultWorkersKey {
			continue
		}
		for _, c := range classes {
			seen[c] = true
		}
	}
	out := make([]model.Class, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FailTarget returns the status a failed completion falls back to, or
// "" when the stage has no fail branch.
func (f Flow) FailTarget(status string) string {
	return f.Stages[status].Fail
}

// RequiresResult reports whether the status demands a submitted result
// before completing forward.
func (f Flow) RequiresResult(status string) bool {
	for _, req := range f.Stages[status].Requires {
		if req == requireSubmitResult {
			return true
		}
	}
	return false
}

// Terminal reports whether a status ends the flow.
func (f Flow) Terminal(status string) bool {
	return f.Stages[status].Terminal
}
