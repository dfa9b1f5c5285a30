package policy

import (
	"context"
	"fmt"
	"sort"
)

// destructiveRequiresOwnerModule: the `delete` scope may only be
// exercised when an OWNER-role approver granted it. Rego decides
// whether the rule *fires*; the Go engine attaches the DENY verdict
// when it does.
const destructiveRequiresOwnerModule = `
package gwi.policy.destructive_requires_owner

import rego.v1

default triggered := false

requested_delete if {
	"delete" in input.required_scopes
}

owner_approved_delete if {
	"delete" in input.owner_approved_scopes
}

triggered if {
	requested_delete
	not owner_approved_delete
}
`

// protectedBranchTwoApprovalsModule: protected targets need at least
// two distinct approvers regardless of which scopes they approved.
const protectedBranchTwoApprovalsModule = `
package gwi.policy.protected_branch_two_approvals

import rego.v1

default triggered := false

triggered if {
	input.protected_target == true
	input.distinct_approvers < 2
}
`

// Engine evaluates a priority-ordered set of Rules over a Context:
// rules run critical, then high, then normal, then low; the
// first rule to return DENY or REQUIRE_MORE_APPROVALS short-circuits
// the whole evaluation. If every rule returns ALLOW, the engine still
// overrides to REQUIRE_MORE_APPROVALS when the approved-scope union
// fails to cover Context.RequiredScopes.
type Engine struct {
	rules []Rule
}

// NewEngine builds an Engine carrying the four built-in rules
// (self-approval-prohibited, require-approval,
// destructive-requires-owner, protected-branch-two-approvals), the last
// two compiled as Rego modules via github.com/open-policy-agent/opa/rego.
func NewEngine(ctx context.Context) (*Engine, error) {
	destructive, err := NewRegoRule(ctx, "destructive-requires-owner", PriorityCritical, DecisionDeny,
		"gwi.policy.destructive_requires_owner", destructiveRequiresOwnerModule)
	if err != nil {
		return nil, err
	}
	protectedBranch, err := NewRegoRule(ctx, "protected-branch-two-approvals", PriorityHigh, DecisionRequireMoreApprovals,
		"gwi.policy.protected_branch_two_approvals", protectedBranchTwoApprovalsModule)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		rules: []Rule{
			selfApprovalProhibitedRule(),
			destructive,
			protectedBranch,
			requireApprovalRule(),
		},
	}
	e.sortByPriority()
	return e, nil
}

// NewEngineWithRules builds an Engine from a caller-supplied rule set,
// for tests and for policy-rule-file-driven configurations that add or replace built-ins.
func NewEngineWithRules(rules ...Rule) *Engine {
	e := &Engine{rules: rules}
	e.sortByPriority()
	return e
}

func (e *Engine) sortByPriority() {
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].RulePriority() < e.rules[j].RulePriority()
	})
}

// selfApprovalProhibitedRule fires REQUIRE_MORE_APPROVALS, rather than a
// generic scope-coverage gap, when the gate discarded an approval
// because its approver was the run's own triggering actor.
func selfApprovalProhibitedRule() Rule {
	return &funcRule{
		name:     "self-approval-prohibited",
		priority: PriorityCritical,
		fn: func(pc Context) (Decision, string) {
			if pc.SelfApprovalAttempted {
				return DecisionRequireMoreApprovals, "same actor cannot approve own run"
			}
			return DecisionAllow, ""
		},
	}
}

// requireApprovalRule fires DENY whenever an action with non-empty
// RequiredScopes carries zero approvals at all — the baseline gate
// before any scope-coverage nuance is considered.
func requireApprovalRule() Rule {
	return &funcRule{
		name:     "require-approval",
		priority: PriorityNormal,
		fn: func(pc Context) (Decision, string) {
			if len(pc.RequiredScopes) > 0 && len(pc.Approvals) == 0 {
				return DecisionDeny, "action requires approval and none was found"
			}
			return DecisionAllow, ""
		},
	}
}

// Result is the engine's overall verdict plus the reason attached to
// whichever rule produced it (or the coverage override).
type Result struct {
	Decision Decision
	Rule     string
	Reason   string
}

// Evaluate runs every rule in priority order and returns the first
// non-ALLOW verdict, or the scope-coverage override, or ALLOW.
func (e *Engine) Evaluate(ctx context.Context, pc Context) (Result, error) {
	for _, r := range e.rules {
		decision, reason, err := r.Evaluate(ctx, pc)
		if err != nil {
			return Result{}, fmt.Errorf("policy: rule %s: %w", r.Name(), err)
		}
		if decision != DecisionAllow {
			return Result{Decision: decision, Rule: r.Name(), Reason: reason}, nil
		}
	}

	if !pc.CoversRequired() {
		return Result{
			Decision: DecisionRequireMoreApprovals,
			Rule:     "scope-coverage",
			Reason:   "approved scopes do not cover all required scopes",
		}, nil
	}

	return Result{Decision: DecisionAllow, Rule: "", Reason: ""}, nil
}

// ApproverRoleOwner is the role destructive-requires-owner checks for
// when building Context.Approvals from raw approval documents (kept
// here since callers assembling a Context need the same constant the
// built-in rules reason about).
const ApproverRoleOwner = "OWNER"
