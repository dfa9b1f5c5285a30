package worker

import (
	"context"
	"fmt"

	"github.com/intent-solutions-io/git-with-intent/agent"
	"github.com/intent-solutions-io/git-with-intent/canon"
	"github.com/intent-solutions-io/git-with-intent/orchestrator"
)

// Sandbox is the capability to write files through an isolated
// subprocess. Concrete providers (container, VM, script isolate) live
// outside the core; the worker only needs this surface.
type Sandbox interface {
	// Apply materializes the plan's file changes inside the run's
	// workspace and returns what was written.
	Apply(ctx context.Context, runID string, plan map[string]any) (map[string]any, error)

	// Test runs the workspace's test suite and returns its report. A
	// failing suite is an error; the orchestrator's soft-failure handling
	// decides what that means for the run.
	Test(ctx context.Context, runID string) (map[string]any, error)
}

// Publisher turns an applied workspace into a pull request. GitHub (or
// any other SCM) integration implements this out of core scope.
type Publisher interface {
	OpenPR(ctx context.Context, runID string, applied map[string]any) (map[string]any, error)
}

// Phases bundles the external collaborators the autopilot pipeline's
// bodies call: an agent for analyze/plan, a sandbox for apply/test, and
// a publisher for publish.
type Phases struct {
	Agent     agent.Agent
	Sandbox   Sandbox
	Publisher Publisher

	// PhaseBudget bounds each agent/sandbox call; zero means no bound
	// beyond the caller's context.
	PhaseBudget BudgetFunc
}

// BudgetFunc derives a bounded context for one phase's agent/sandbox call.
type BudgetFunc func(ctx context.Context) (context.Context, context.CancelFunc)

// NoBudget leaves the phase context unbounded.
func NoBudget(ctx context.Context) (context.Context, context.CancelFunc) {
	return ctx, func() {}
}

// AutopilotPipeline builds the five-phase pipeline over p's
// collaborators.
func (p Phases) AutopilotPipeline() orchestrator.Pipeline {
	return orchestrator.AutopilotPipeline(p.analyze, p.plan, p.apply, p.test, p.publish)
}

func (p Phases) budget(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.PhaseBudget == nil {
		return NoBudget(ctx)
	}
	return p.PhaseBudget(ctx)
}

func (p Phases) analyze(pc orchestrator.PhaseContext) (map[string]any, error) {
	ctx, cancel := p.budget(pc.Context)
	defer cancel()

	resp, err := p.Agent.Run(ctx, agent.Request{
		TenantID:     pc.Run.TenantID,
		RunID:        pc.Run.ID,
		Phase:        "analyze",
		Instructions: "Analyze the triggering issue and summarize the change it requires.",
		Context:      pc.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	out := resp.Output
	recordTokens(pc, resp.TokensUsed)
	return out, nil
}

// plan asks the agent for a concrete plan and stamps the output with
// the plan's intent hash, the value approvals must match before apply
// or publish may run.
func (p Phases) plan(pc orchestrator.PhaseContext) (map[string]any, error) {
	ctx, cancel := p.budget(pc.Context)
	defer cancel()

	resp, err := p.Agent.Run(ctx, agent.Request{
		TenantID:     pc.Run.TenantID,
		RunID:        pc.Run.ID,
		Phase:        "plan",
		Instructions: "Produce a file-by-file change plan for the analyzed issue.",
		Context:      pc.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}

	out := resp.Output
	if out == nil {
		out = map[string]any{}
	}
	hash, err := canon.Hash(out)
	if err != nil {
		return nil, fmt.Errorf("plan: hash intent: %w", err)
	}
	out["intentHash"] = hash
	recordTokens(pc, resp.TokensUsed)
	return out, nil
}

func (p Phases) apply(pc orchestrator.PhaseContext) (map[string]any, error) {
	ctx, cancel := p.budget(pc.Context)
	defer cancel()

	applied, err := p.Sandbox.Apply(ctx, pc.Run.ID, pc.Input)
	if err != nil {
		return nil, fmt.Errorf("apply: %w", err)
	}
	return applied, nil
}

func (p Phases) test(pc orchestrator.PhaseContext) (map[string]any, error) {
	ctx, cancel := p.budget(pc.Context)
	defer cancel()

	report, err := p.Sandbox.Test(ctx, pc.Run.ID)
	if err != nil {
		return report, fmt.Errorf("test: %w", err)
	}
	return report, nil
}

func (p Phases) publish(pc orchestrator.PhaseContext) (map[string]any, error) {
	ctx, cancel := p.budget(pc.Context)
	defer cancel()

	pr, err := p.Publisher.OpenPR(ctx, pc.Run.ID, pc.Input)
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	return pr, nil
}

func recordTokens(pc orchestrator.PhaseContext, tokens int64) {
	for i := len(pc.Run.Steps) - 1; i >= 0; i-- {
		if pc.Run.Steps[i].StepID == pc.Phase.StepID {
			pc.Run.Steps[i].TokensUsed = tokens
			return
		}
	}
}

// NopSandbox is a dry-run Sandbox: it reports what would have been
// written without touching any workspace.
type NopSandbox struct{}

// Apply implements Sandbox.
func (NopSandbox) Apply(_ context.Context, runID string, plan map[string]any) (map[string]any, error) {
	return map[string]any{"dryRun": true, "runId": runID, "plan": plan}, nil
}

// Test implements Sandbox.
func (NopSandbox) Test(_ context.Context, runID string) (map[string]any, error) {
	return map[string]any{"dryRun": true, "runId": runID, "passed": true}, nil
}
