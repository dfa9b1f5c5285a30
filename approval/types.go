// Package approval implements the Approval Gate: it loads
// Signed Approvals from a well-known location, verifies each against a
// registered signing key, and asks a policy engine (see package
// policy) whether the scopes they grant satisfy a phase's requirement.
package approval

import "time"

// Decision is the approver's verdict recorded on an Approval.
type Decision string

// The decisions an approval can carry.
const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
	DecisionRevoked  Decision = "revoked"
)

// Scope is a named capability an approval can grant.
type Scope string

// The scopes destructive phases may require.
const (
	ScopeCommit Scope = "commit"
	ScopePush   Scope = "push"
	ScopeOpenPR Scope = "open_pr"
	ScopeDeploy Scope = "deploy"
	ScopeDelete Scope = "delete"
)

// Approver identifies who rendered the decision.
type Approver struct {
	Type  string `json:"type" validate:"required"`
	ID    string `json:"id" validate:"required"`
	Email string `json:"email" validate:"omitempty,email"`
}

// Target identifies what the approval authorizes.
type Target struct {
	TargetType  string `json:"targetType" validate:"required,oneof=run candidate pr"`
	RunID       string `json:"runId,omitempty"`
	CandidateID string `json:"candidateId,omitempty"`
	PRID        string `json:"prId,omitempty"`
}

// Approval is a Signed Approval: a cryptographically-signed
// authorization granting scopes on a target, produced out-of-band
// (typically by the `gwi approval approve` CLI) and read from the filesystem by
// a Loader.
type Approval struct {
	ApprovalID     string   `json:"approvalId" validate:"required"`
	TenantID       string   `json:"tenantId" validate:"required"`
	Approver       Approver `json:"approver" validate:"required"`
	ApproverRole   string   `json:"approverRole" validate:"required"`
	Decision       Decision `json:"decision" validate:"required,oneof=approved denied revoked"`
	ScopesApproved []Scope  `json:"scopesApproved"`

	Target     Target `json:"target" validate:"required"`
	IntentHash string `json:"intentHash" validate:"required,len=64,hexadecimal"`
	Source     string `json:"source" validate:"required"`

	SigningKeyID string `json:"signingKeyId" validate:"required"`
	Signature    string `json:"signature" validate:"required"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasScope reports whether this approval grants s.
func (a Approval) HasScope(s Scope) bool {
	for _, g := range a.ScopesApproved {
		if g == s {
			return true
		}
	}
	return false
}

// SignedFields is the subset of an Approval that gets canonicalized
// and signed/verified: everything except Signature itself (a signature
// cannot cover its own bytes) and the CreatedAt/UpdatedAt bookkeeping
// timestamps, which stores may rewrite without invalidating the grant.
type SignedFields struct {
	ApprovalID     string   `json:"approvalId"`
	TenantID       string   `json:"tenantId"`
	Approver       Approver `json:"approver"`
	ApproverRole   string   `json:"approverRole"`
	Decision       Decision `json:"decision"`
	ScopesApproved []Scope  `json:"scopesApproved"`
	Target         Target   `json:"target"`
	IntentHash     string   `json:"intentHash"`
	Source         string   `json:"source"`
	SigningKeyID   string   `json:"signingKeyId"`
}

// Signed extracts the fields of a covered by its signature.
func (a Approval) Signed() SignedFields {
	return SignedFields{
		ApprovalID: a.ApprovalID, TenantID: a.TenantID, Approver: a.Approver,
		ApproverRole: a.ApproverRole, Decision: a.Decision, ScopesApproved: a.ScopesApproved,
		Target: a.Target, IntentHash: a.IntentHash, Source: a.Source, SigningKeyID: a.SigningKeyID,
	}
}
