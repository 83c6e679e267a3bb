package model

import "time"

// Class is a fixed role identifier that bundles capabilities and a
// context-staleness window.
type Class string

const (
	ClassLead    Class = "lead"
	ClassCoder   Class = "coder"
	ClassBuilder Class = "builder"
	ClassOracle  Class = "oracle"
	ClassRecon   Class = "recon"
	ClassPlanner Class = "planner"
	ClassAuditor Class = "auditor"
)

func ValidClasses() []Class {
	return []Class{ClassLead, ClassCoder, ClassBuilder, ClassOracle, ClassRecon, ClassPlanner, ClassAuditor}
}

func (c Class) Valid() bool {
	for _, v := range ValidClasses() {
		if c == v {
			return true
		}
	}
	return false
}

// Capability is a named permission checked by command gating.
type Capability string

const (
	CapManage      Capability = "manage"
	CapCode        Capability = "code"
	CapBuild       Capability = "build"
	CapReview      Capability = "review"
	CapTest        Capability = "test"
	CapInvestigate Capability = "investigate"
	CapPlan        Capability = "plan"

	// CapHPWrite is granted to the daemon runtime only, never bundled into
	// a class. Telemetry writes must not promote the agent class.
	CapHPWrite Capability = "hp_write"
)

type Transport string

const (
	TransportDaemon   Transport = "daemon"
	TransportTerminal Transport = "terminal"
)

// HPMode selects which writer owns the agent's health telemetry.
type HPMode string

const (
	HPModeDaemon       HPMode = "daemon"
	HPModeSelfReported HPMode = "self-reported"
	HPModeNone         HPMode = "none"
)

type HPState string

const (
	HPHealthy  HPState = "healthy"
	HPWounded  HPState = "wounded"
	HPCritical HPState = "critical"
	HPUnknown  HPState = "unknown"
)

type Liveness string

const (
	LivenessActive Liveness = "active"
	LivenessIdle   Liveness = "idle"
	LivenessDead   Liveness = "dead"
)

type Agent struct {
	Name             string
	Class            Class
	Model            string
	Transport        Transport
	Status           string
	ContextSummary   string
	LastSeen         time.Time
	ContextUpdatedAt time.Time
	// Cumulative counters are accounting units only; HP derives from the
	// per-turn fields.
	HPInputTokens  int64
	HPOutputTokens int64
	HPTurnInput    int64
	HPTurnOutput   int64
	HPTokensLimit  *int64
	HPMode         HPMode
	HPAlertsFired  []int
	CurrentZone    string
	CurrentRole    string
	RegisteredAt   time.Time
}

// BroadcastTo is the recipient token that fans a message out to every
// registered agent with per-agent read tracking.
const BroadcastTo = "all"

type Message struct {
	ID           int64
	FromAgent    string
	ToAgent      string
	ContentPath  string
	Timestamp    time.Time
	Read         bool
	IsCC         bool
	CCOriginalTo string
}

type Task struct {
	ID              int64
	Title           string
	TaskFile        string
	Project         string
	Zone            string
	Status          string
	BlockedBy       []int64
	AssignedTo      string
	CreatedBy       string
	Files           []string
	Progress        string
	ClassRequired   Class
	TaskType        string
	ActivityCount   int64
	ResultFile      string
	RequirementPath string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TaskTransition rows are append-only and the sole source of transition
// truth for lineage rendering.
type TaskTransition struct {
	ID         int64
	TaskID     int64
	FromStatus string
	ToStatus   string
	Agent      string
	Timestamp  time.Time
}

type TaskComment struct {
	ID        int64
	TaskID    int64
	Agent     string
	Phase     string
	Comment   string
	FilesRead []string
	CreatedAt time.Time
}

type FileClaim struct {
	FilePath   string
	Holder     string
	AcquiredAt time.Time
}

type ClaimWaiter struct {
	FilePath    string
	Agent       string
	RequestedAt time.Time
	Position    int
}

type PlanStatus string

const (
	PlanActive     PlanStatus = "active"
	PlanCompleted  PlanStatus = "completed"
	PlanCanceled   PlanStatus = "canceled"
	PlanSuperseded PlanStatus = "superseded"
	PlanAbandoned  PlanStatus = "abandoned"
)

func (s PlanStatus) Valid() bool {
	switch s {
	case PlanActive, PlanCompleted, PlanCanceled, PlanSuperseded, PlanAbandoned:
		return true
	}
	return false
}

type Plan struct {
	ID       int64
	Agent    string
	Project  string
	PlanFile string
	Status   PlanStatus
	SetAt    time.Time
}

type LogPriority string

const (
	PriorityLow      LogPriority = "low"
	PriorityNormal   LogPriority = "normal"
	PriorityHigh     LogPriority = "high"
	PriorityCritical LogPriority = "critical"
)

func (p LogPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type LogEntry struct {
	ID        int64
	Agent     string
	EntryFile string
	Priority  LogPriority
	CreatedAt time.Time
}

// Process-wide flag keys. Both live in the datastore, never in memory, so
// every daemon and CLI invocation observes the same value.
const (
	FlagMoonCrash = "moon_crash"
	FlagStandDown = "stand_down"
)

type Flag struct {
	Key   string
	Value string
	SetBy string
	SetAt time.Time
}

type FenixRecord struct {
	ID         string
	Agent      string
	Files      []string
	Manifest   string
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

// Exit codes shared by the CLI and the daemon poll contract.
const (
	ExitOK           = 0
	ExitUserError    = 1
	ExitPrecondition = 2
	ExitShutdown     = 3
	ExitDenied       = 4
)
