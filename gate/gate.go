// Package gate implements the Approval Gate: the orchestrator
// calls it before any phase requiring scopes, and it combines approval
// loading, signature verification, and policy evaluation into a single
// GateDecision.
package gate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/intent-solutions-io/git-with-intent/approval"
	"github.com/intent-solutions-io/git-with-intent/policy"
)

// ErrSameActor is the reason attached when an approver attempts to
// approve a run they themselves triggered.
var ErrSameActor = errors.New("gate: same actor cannot approve own run")

// Request describes the phase transition asking the gate for a
// verdict.
type Request struct {
	TenantID        string
	RunID           string
	Action          string
	Actor           policy.Actor
	Resource        string
	Environment     string
	RequiredScopes  []approval.Scope
	IntentHash      string
	ProtectedTarget bool
}

// Gate combines an approval Loader, a signature Verifier, and a policy
// Engine into the single call the orchestrator makes before apply and
// publish.
type Gate struct {
	loader   approval.Loader
	verifier *approval.Verifier
	engine   *policy.Engine
	log      *zap.Logger
}

// New constructs a Gate. log may be nil.
func New(loader approval.Loader, verifier *approval.Verifier, engine *policy.Engine, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{loader: loader, verifier: verifier, engine: engine, log: log}
}

// Evaluate loads approvals for req.RunID, verifies each against
// req.IntentHash, discards self-approvals and verification failures
// (logging why), and asks the policy engine for a verdict over the
// surviving set.
func (g *Gate) Evaluate(ctx context.Context, req Request) (policy.Result, error) {
	loaded, err := g.loader.Load(ctx, req.RunID)
	if err != nil {
		return policy.Result{}, fmt.Errorf("gate: load approvals: %w", err)
	}

	var valid []approval.Approval
	selfApproval := false
	for _, a := range loaded {
		if a.Approver.ID == req.Actor.ID {
			g.log.Warn(ErrSameActor.Error(),
				zap.String("runId", req.RunID), zap.String("approverId", a.Approver.ID))
			selfApproval = true
			continue
		}
		if err := g.verifier.Verify(ctx, a, req.IntentHash); err != nil {
			g.log.Warn("gate: discarding approval failing verification",
				zap.String("runId", req.RunID), zap.String("approvalId", a.ApprovalID), zap.Error(err))
			continue
		}
		valid = append(valid, a)
	}

	pc := policy.Context{
		TenantID:              req.TenantID,
		Action:                req.Action,
		Actor:                 req.Actor,
		Resource:              req.Resource,
		Environment:           req.Environment,
		Approvals:             valid,
		RequiredScopes:        req.RequiredScopes,
		ProtectedTarget:       req.ProtectedTarget,
		SelfApprovalAttempted: selfApproval,
	}

	result, err := g.engine.Evaluate(ctx, pc)
	if err != nil {
		return policy.Result{}, fmt.Errorf("gate: policy evaluation: %w", err)
	}
	return result, nil
}
