// Package policy implements the Policy Engine half of the Approval
// Gate: it evaluates named Policy Rules, in priority order,
// over a PolicyContext to decide whether a phase may proceed.
package policy

import "github.com/intent-solutions-io/git-with-intent/approval"

// Decision is a Policy Rule's verdict.
type Decision string

// The three policy decisions.
const (
	DecisionAllow                Decision = "ALLOW"
	DecisionDeny                 Decision = "DENY"
	DecisionRequireMoreApprovals Decision = "REQUIRE_MORE_APPROVALS"
)

// Priority orders rule evaluation; higher-severity priorities dominate
// (critical > high > normal > low).
type Priority int

// Rule priorities, ordered highest-severity first.
const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Actor identifies who is requesting the action a policy evaluates.
type Actor struct {
	ID   string
	Type string
	Role string
}

// Context is the PolicyContext a Rule evaluates against.
type Context struct {
	TenantID       string
	Action         string
	Actor          Actor
	Resource       string
	Environment    string
	Approvals      []approval.Approval
	RequiredScopes []approval.Scope

	// ProtectedTarget is true when Resource names a protected branch or
	// deploy target, for the protected-branch-two-approvals built-in.
	ProtectedTarget bool

	// SelfApprovalAttempted is set by the gate when it discarded an
	// approval because its approver id matched Actor.ID, for the
	// self-approval-prohibited built-in to surface a precise reason
	// instead of a generic scope-coverage gap.
	SelfApprovalAttempted bool
}

// ApprovedScopes returns the union of scopes granted by every approval
// in ctx.Approvals.
func (c Context) ApprovedScopes() map[approval.Scope]bool {
	out := make(map[approval.Scope]bool)
	for _, a := range c.Approvals {
		for _, s := range a.ScopesApproved {
			out[s] = true
		}
	}
	return out
}

// CoversRequired reports whether the approved-scope union covers every
// scope in RequiredScopes.
func (c Context) CoversRequired() bool {
	approved := c.ApprovedScopes()
	for _, req := range c.RequiredScopes {
		if !approved[req] {
			return false
		}
	}
	return true
}

// DistinctApprovers returns the number of distinct approver ids across
// ctx.Approvals.
func (c Context) DistinctApprovers() int {
	seen := make(map[string]bool)
	for _, a := range c.Approvals {
		seen[a.Approver.ID] = true
	}
	return len(seen)
}
