// Package auth maps agent classes to capability sets and gates commands.
// Authorization is a pure function of (class, command, grants); nothing in
// this package touches the datastore.
package auth

import (
	"sort"
	"time"

	"github.com/ai-janitor/minion-factory/internal/model"
)

var classCapabilities = map[model.Class][]model.Capability{
	model.ClassLead:    {model.CapManage, model.CapReview, model.CapPlan, model.CapTest},
	model.ClassCoder:   {model.CapCode, model.CapTest},
	model.ClassBuilder: {model.CapBuild, model.CapTest},
	model.ClassOracle:  {model.CapReview, model.CapTest, model.CapInvestigate},
	model.ClassRecon:   {model.CapInvestigate},
	model.ClassPlanner: {model.CapPlan, model.CapInvestigate},
	model.ClassAuditor: {model.CapReview, model.CapTest, model.CapInvestigate},
}

// Capabilities returns the fixed capability set for a class. Unknown
// classes hold nothing.
func Capabilities(class model.Class) []model.Capability {
	caps := classCapabilities[class]
	out := make([]model.Capability, len(caps))
	copy(out, caps)
	return out
}

func HasCapability(class model.Class, capability model.Capability) bool {
	for _, c := range classCapabilities[class] {
		if c == capability {
			return true
		}
	}
	return false
}

// Staleness is the context-freshness window enforced on send.
func Staleness(class model.Class) time.Duration {
	switch class {
	case model.ClassLead:
		return 15 * time.Minute
	case model.ClassOracle:
		return 30 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// CommandRule gates one command: either a required capability or a class
// allowlist, never both.
type CommandRule struct {
	Capability  model.Capability
	Allow       []model.Class
	Description string
}

func anyClass() []model.Class { return model.ValidClasses() }

var commandCatalog = map[string]CommandRule{
	// Agents.
	"register":        {Allow: anyClass(), Description: "Register an agent into the session"},
	"deregister":      {Allow: anyClass(), Description: "Remove an agent from the registry"},
	"rename":          {Capability: model.CapManage, Description: "Rename an agent (zone reassignment)"},
	"who":             {Allow: anyClass(), Description: "List all registered agents with liveness"},
	"set-context":     {Allow: anyClass(), Description: "Update context summary and optional HP metrics"},
	"set-status":      {Allow: anyClass(), Description: "Set your current status text"},
	"cold-start":      {Allow: anyClass(), Description: "Recovery briefing for a restarted agent"},
	"fenix-down":      {Allow: anyClass(), Description: "Dump session knowledge before context death"},
	"update-hp":       {Capability: model.CapHPWrite, Description: "Daemon-only: write observed HP telemetry"},
	"check-activity":  {Allow: anyClass(), Description: "Check an agent's activity level"},
	"check-freshness": {Capability: model.CapManage, Description: "Check file freshness vs agent's last context"},

	// Comms.
	"send":             {Allow: anyClass(), Description: "Send a message to an agent, a class, or all"},
	"check-inbox":      {Allow: anyClass(), Description: "Check and clear unread messages"},
	"purge-inbox":      {Allow: anyClass(), Description: "Delete old read messages"},
	"get-history":      {Allow: anyClass(), Description: "Return recent messages across all agents"},
	"list-triggers":    {Allow: anyClass(), Description: "Return the trigger word codebook"},
	"clear-moon-crash": {Capability: model.CapManage, Description: "Clear the emergency flag, resume assignments"},

	// Tasks.
	"create-task":    {Capability: model.CapManage, Description: "Create a new task with spec file"},
	"assign-task":    {Capability: model.CapManage, Description: "Assign a task to an agent"},
	"pull-task":      {Allow: anyClass(), Description: "Race-safe pull of the next actionable task"},
	"update-task":    {Allow: anyClass(), Description: "Update task progress, files, or in-stage status"},
	"submit-result":  {Allow: anyClass(), Description: "Submit a result file for a task"},
	"complete-phase": {Allow: anyClass(), Description: "DAG-routed task completion"},
	"close-task":     {Capability: model.CapManage, Description: "Close a completed task"},
	"reopen-task":    {Capability: model.CapManage, Description: "Move a terminal task back to an earlier stage"},
	"done-task":      {Capability: model.CapManage, Description: "Fast-close with optional summary result"},
	"get-task":       {Allow: anyClass(), Description: "Get full detail for a single task"},
	"list-tasks":     {Allow: anyClass(), Description: "List tasks with filters"},
	"task-lineage":   {Allow: anyClass(), Description: "Show task DAG history per stage"},
	"add-comment":    {Allow: anyClass(), Description: "Attach a comment to a task at its current phase"},
	"list-comments":  {Allow: anyClass(), Description: "List comments for a task"},

	// Flows.
	"list-flows":  {Allow: anyClass(), Description: "List available task flow types"},
	"show-flow":   {Allow: anyClass(), Description: "Show the merged stages of a flow"},
	"next-status": {Allow: anyClass(), Description: "Resolve the next stage for a status"},
	"transition":  {Capability: model.CapManage, Description: "Manually force a flow transition"},

	// Files.
	"claim-file":   {Allow: []model.Class{model.ClassCoder, model.ClassBuilder}, Description: "Claim a file for exclusive editing"},
	"release-file": {Allow: []model.Class{model.ClassCoder, model.ClassBuilder, model.ClassLead}, Description: "Release a file claim (lead may force)"},
	"list-claims":  {Allow: anyClass(), Description: "List active file claims and waitlists"},

	// War-room.
	"set-plan":           {Capability: model.CapPlan, Description: "Set the active battle plan"},
	"get-plan":           {Allow: anyClass(), Description: "Get battle plan by status"},
	"update-plan-status": {Capability: model.CapPlan, Description: "Update a battle plan's status"},
	"log":                {Allow: anyClass(), Description: "Append an entry to the raid log"},
	"get-log":            {Allow: anyClass(), Description: "Read the raid log, newest first"},

	// Crew lifecycle.
	"spawn-party":   {Allow: anyClass(), Description: "Spawn daemon workers (auto-registers lead)"},
	"stand-down":    {Capability: model.CapManage, Description: "Dismiss the party"},
	"retire-agent":  {Capability: model.CapManage, Description: "Signal a single daemon to exit gracefully"},
	"recruit":       {Capability: model.CapManage, Description: "Spawn one additional daemon worker"},
	"hand-off-zone": {Allow: anyClass(), Description: "Direct zone handoff between agents"},
	"interrupt":     {Capability: model.CapManage, Description: "Kill an agent's current provider turn"},
	"resume":        {Capability: model.CapManage, Description: "Unblock an interrupted agent with a message"},
	"list-crews":    {Capability: model.CapManage, Description: "List available crew definitions"},

	// Observability.
	"party-status": {Capability: model.CapManage, Description: "Full fleet health dashboard"},
	"sitrep":       {Allow: anyClass(), Description: "Fused view: agents + tasks + claims + flags"},
	"poll":         {Allow: anyClass(), Description: "One-shot inbox and task discovery"},
	"list-tools":   {Allow: anyClass(), Description: "List commands available to your class"},
}

// Authorize gates a command for a caller class. Extra grants extend the
// class capability set for this one check; the daemon passes CapHPWrite
// here instead of promoting the agent to lead.
func Authorize(class model.Class, command string, grants ...model.Capability) error {
	rule, ok := commandCatalog[command]
	if !ok {
		return &model.AuthzError{Kind: model.ClassDenied, Class: class, Command: command}
	}
	if rule.Capability != "" {
		if HasCapability(class, rule.Capability) {
			return nil
		}
		for _, g := range grants {
			if g == rule.Capability {
				return nil
			}
		}
		return &model.AuthzError{Kind: model.CapabilityMissing, Class: class, Command: command, Capability: rule.Capability}
	}
	for _, allowed := range rule.Allow {
		if class == allowed {
			return nil
		}
	}
	return &model.AuthzError{Kind: model.ClassDenied, Class: class, Command: command}
}

type Tool struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// ToolsForClass returns the sorted command surface visible to a class.
func ToolsForClass(class model.Class) []Tool {
	names := make([]string, 0, len(commandCatalog))
	for name := range commandCatalog {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		if Authorize(class, name) == nil {
			out = append(out, Tool{Command: "minion " + name, Description: commandCatalog[name].Description})
		}
	}
	return out
}
