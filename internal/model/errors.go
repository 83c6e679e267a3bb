package model

import "fmt"

// Rule names precondition failures surfaced to callers. Each carries the
// observed state and a remediating action so the failure is actionable
// without reading source.
type Rule string

const (
	RuleStaleContext        Rule = "StaleContext"
	RuleUnreadInbox         Rule = "UnreadInbox"
	RuleNoActivePlan        Rule = "NoActivePlan"
	RuleMoonCrash           Rule = "MoonCrash"
	RuleUnknownRecipient    Rule = "UnknownRecipient"
	RuleAlreadyPulled       Rule = "AlreadyPulled"
	RuleBlockedBy           Rule = "BlockedBy"
	RuleClaimHeld           Rule = "ClaimHeld"
	RuleMissingResult       Rule = "MissingResult"
	RuleInvalidTransition   Rule = "InvalidTransition"
	RuleWorkerClassMismatch Rule = "WorkerClassMismatch"
)

type PreconditionError struct {
	Rule     Rule
	Observed string
	Hint     string
}

func (e *PreconditionError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("%s: %s", e.Rule, e.Observed)
	}
	return fmt.Sprintf("%s: %s -> %s", e.Rule, e.Observed, e.Hint)
}

// Precondition builds the error in one line at call sites.
func Precondition(rule Rule, observed, hint string) *PreconditionError {
	return &PreconditionError{Rule: rule, Observed: observed, Hint: hint}
}

// IsPrecondition reports whether err is a precondition failure for rule.
// rule == "" matches any precondition failure.
func IsPrecondition(err error, rule Rule) bool {
	pe, ok := err.(*PreconditionError)
	if !ok {
		return false
	}
	return rule == "" || pe.Rule == rule
}

type AuthzKind string

const (
	ClassDenied       AuthzKind = "ClassDenied"
	CapabilityMissing AuthzKind = "CapabilityMissing"
)

type AuthzError struct {
	Kind       AuthzKind
	Class      Class
	Command    string
	Capability Capability
}

func (e *AuthzError) Error() string {
	switch e.Kind {
	case CapabilityMissing:
		return fmt.Sprintf("%s: class %q lacks capability %q required by %q", e.Kind, e.Class, e.Capability, e.Command)
	default:
		return fmt.Sprintf("%s: class %q may not run %q", e.Kind, e.Class, e.Command)
	}
}
