// Package runs defines the Run, Step, and Checkpoint data model shared by
// the idempotency layer, run orchestrator, heartbeat service, and
// recovery orchestrator.
package runs

import "time"

// Type names the pipeline a Run executes.
type Type string

// The run types the orchestrator knows how to drive.
const (
	TypeTriage    Type = "triage"
	TypePlan      Type = "plan"
	TypeResolve   Type = "resolve"
	TypeReview    Type = "review"
	TypeAutopilot Type = "autopilot"
)

// Status is a Run's lifecycle state. Terminal statuses never
// transition back to any other status.
type Status string

// Run statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the statuses a Run never leaves.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Trigger records what inbound event started the run, for audit and for
// the Approval Gate's actor/target comparisons.
type Trigger struct {
	Source    string `json:"source"`
	ActorID   string `json:"actorId"`
	ActorType string `json:"actorType"`
	Summary   string `json:"summary,omitempty"`
}

// Run is a long-lived object for one end-to-end execution.
type Run struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Type     Type   `json:"type"`
	Status   Status `json:"status"`

	// CurrentStep is the step id the orchestrator is executing or about
	// to execute next; empty once the run is terminal with no pending
	// step.
	CurrentStep string `json:"currentStep"`

	Steps []Step `json:"steps"`

	// OwnerId is the worker instance currently claiming this run.
	OwnerID         string    `json:"ownerId"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	ResumeCount     int       `json:"resumeCount"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMS  int64      `json:"durationMs"`

	Error   string          `json:"error,omitempty"`
	Result  map[string]any  `json:"result,omitempty"`
	Trigger Trigger         `json:"trigger"`
}

// InFlight reports whether the run has not yet reached a terminal status.
func (r *Run) InFlight() bool { return !r.Status.Terminal() }

// Step is one node in a run's phase sequence.
type Step struct {
	StepID      string         `json:"stepId"`
	Agent       string         `json:"agent,omitempty"`
	Status      string         `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	TokensUsed  int64          `json:"tokensUsed"`
	DurationMS  int64          `json:"durationMs"`
}

// Checkpoint is a durable snapshot of a step's inputs, outputs, and
// resumability flags.
type Checkpoint struct {
	RunID string `json:"runId"`
	Step  Step   `json:"step"`

	// Resumable marks this checkpoint as a legal point to restart
	// execution from.
	Resumable bool `json:"resumable"`

	// Idempotent marks that this step may be safely replayed without
	// side-effect duplication.
	Idempotent bool `json:"idempotent"`

	Timestamp time.Time `json:"timestamp"`

	// seq breaks ties between checkpoints with identical Timestamp,
	// ordered by insertion.
	Seq int64 `json:"-"`
}

// ResumeMode selects how the orchestrator uses a ResumeContext.
type ResumeMode string

// Resume modes.
const (
	ResumeFromCheckpoint ResumeMode = "from_checkpoint"
	ResumeReplayStep     ResumeMode = "replay_step"
)

// ResumeContext carries the data needed to restart a run mid-pipeline.
type ResumeContext struct {
	Mode ResumeMode `json:"mode"`

	// ResumeCheckpoint is the checkpoint execution restarts from.
	ResumeCheckpoint *Checkpoint `json:"resumeCheckpoint,omitempty"`

	// SkipStepIds are step ids already completed at or before
	// ResumeCheckpoint.Timestamp; the orchestrator skips them without
	// running hooks or phase bodies.
	SkipStepIDs []string `json:"skipStepIds"`

	// CarryForwardState is ResumeCheckpoint.Step.Output, handed to the
	// first phase that actually executes.
	CarryForwardState map[string]any `json:"carryForwardState,omitempty"`

	// ReplayStepID names the single step to re-execute when Mode is
	// ResumeReplayStep; that step must be Idempotent.
	ReplayStepID string `json:"replayStepId,omitempty"`
}
