// Package jobqueue implements the Durable Job claim-and-lease queue:
// worker instances claim pending jobs under a lease, advance them
// through execution, and either complete them, retry them, or
// dead-letter them once a hard attempt limit trips.
package jobqueue

import (
	"errors"
	"time"
)

// ErrDeadLettered is returned by Complete/Fail when a job has already
// tripped its hard retry limit and moved to dead_letter.
var ErrDeadLettered = errors.New("jobqueue: job is dead-lettered")

// ErrNotClaimed is returned by operations requiring ownership
// (Heartbeat, Complete, Fail) when the caller's claimant token does
// not match the job's current ClaimedBy.
var ErrNotClaimed = errors.New("jobqueue: job is not claimed by this owner")

// Status is a Durable Job's lifecycle state.
type Status string

// The legal Durable Job statuses.
const (
	StatusPending    Status = "pending"
	StatusClaimed    Status = "claimed"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Job is a claim-and-lease work item carrying a ResumeContext or a
// fresh run's trigger payload.
type Job struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	TenantID string         `json:"tenantId"`
	RunID    string         `json:"runId,omitempty"`
	Payload  map[string]any `json:"payload"`

	Status     Status `json:"status"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"maxRetries"`
	Priority   int    `json:"priority"`

	ClaimedBy     string     `json:"claimedBy,omitempty"`
	ClaimedAt     *time.Time `json:"claimedAt,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`

	Error  string         `json:"error,omitempty"`
	Result map[string]any `json:"result,omitempty"`
}

// Terminal reports whether the job has left the claim/retry cycle for
// good.
func (j Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusDeadLetter:
		return true
	default:
		return false
	}
}
