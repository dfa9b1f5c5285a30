package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// RegoRule is a Policy Rule whose predicate is compiled and evaluated
// as a Rego module via github.com/open-policy-agent/opa. The module must define a boolean `data.<pkg>.triggered`
// that becomes true when this rule's condition is met; the rule's
// Decision is returned whenever it is.
type RegoRule struct {
	name     string
	priority Priority
	decision Decision
	query    rego.PreparedEvalQuery
}

// NewRegoRule compiles moduleSrc (a single Rego module whose package
// path is pkgPath, e.g. "gwi.policy.require_approval") and returns a
// Rule that queries data.<pkgPath>.triggered against a JSON-marshaled
// Context.
func NewRegoRule(ctx context.Context, name string, priority Priority, decision Decision, pkgPath, moduleSrc string) (*RegoRule, error) {
	r := rego.New(
		rego.Query(fmt.Sprintf("data.%s.triggered", pkgPath)),
		rego.Module(name+".rego", moduleSrc),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: prepare rego rule %s: %w", name, err)
	}
	return &RegoRule{name: name, priority: priority, decision: decision, query: pq}, nil
}

// Name implements Rule.
func (r *RegoRule) Name() string { return r.name }

// RulePriority implements Rule.
func (r *RegoRule) RulePriority() Priority { return r.priority }

// Evaluate implements Rule: it marshals ctx to a generic map (Rego's
// input shape) and evaluates the prepared `triggered` query.
func (r *RegoRule) Evaluate(ctx context.Context, pc Context) (Decision, string, error) {
	input, err := contextToInput(pc)
	if err != nil {
		return "", "", fmt.Errorf("policy: marshal input for rule %s: %w", r.name, err)
	}

	rs, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("policy: eval rule %s: %w", r.name, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return DecisionAllow, "", nil
	}
	triggered, _ := rs[0].Expressions[0].Value.(bool)
	if !triggered {
		return DecisionAllow, "", nil
	}
	return r.decision, fmt.Sprintf("rule %s triggered", r.name), nil
}

// contextToInput round-trips Context through JSON to produce the
// map[string]any shape rego.EvalInput expects.
func contextToInput(pc Context) (map[string]any, error) {
	raw, err := json.Marshal(struct {
		TenantID        string   `json:"tenant_id"`
		Action          string   `json:"action"`
		ActorID         string   `json:"actor_id"`
		ActorRole       string   `json:"actor_role"`
		Resource        string   `json:"resource"`
		Environment     string   `json:"environment"`
		RequiredScopes  []string `json:"required_scopes"`
		ApprovedScopes  []string `json:"approved_scopes"`
		OwnerScopes     []string `json:"owner_approved_scopes"`
		DistinctApprove int      `json:"distinct_approvers"`
		ProtectedTarget bool     `json:"protected_target"`
	}{
		TenantID:        pc.TenantID,
		Action:          pc.Action,
		ActorID:         pc.Actor.ID,
		ActorRole:       pc.Actor.Role,
		Resource:        pc.Resource,
		Environment:     pc.Environment,
		RequiredScopes:  scopeStrings(pc.RequiredScopes),
		ApprovedScopes:  approvedScopeStrings(pc),
		OwnerScopes:     ownerApprovedScopeStrings(pc),
		DistinctApprove: pc.DistinctApprovers(),
		ProtectedTarget: pc.ProtectedTarget,
	})
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func scopeStrings[S ~string](scopes []S) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

func approvedScopeStrings(pc Context) []string {
	approved := pc.ApprovedScopes()
	out := make([]string, 0, len(approved))
	for s := range approved {
		out = append(out, string(s))
	}
	return out
}

// ownerApprovedScopeStrings returns only the scopes granted by
// OWNER-role approvers, the set destructive-requires-owner checks.
func ownerApprovedScopeStrings(pc Context) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range pc.Approvals {
		if a.ApproverRole != ApproverRoleOwner {
			continue
		}
		for _, s := range a.ScopesApproved {
			if !seen[string(s)] {
				seen[string(s)] = true
				out = append(out, string(s))
			}
		}
	}
	return out
}
