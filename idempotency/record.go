// Package idempotency de-duplicates inbound events under concurrent
// delivery. It turns any event into a deterministic Key (via
// idkey), performs a transactional check-and-set against a Store, and
// either invokes the caller's handler exactly once or replays the
// cached outcome of a prior invocation.
package idempotency

import (
	"time"

	"github.com/intent-solutions-io/git-with-intent/idkey"
)

// Status is the persisted lifecycle state of a Record.
type Status string

// Record statuses.
const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ResponseKind discriminates the tagged union stored as a Record's
// cached Response, replacing an opaque runtime object so a replay handler can
// reconstitute an HTTP or chat response without reflecting into `any`.
type ResponseKind string

// The handler outcomes the core can cache and replay.
const (
	ResponseKindRunStarted ResponseKind = "run_started"
	ResponseKindError      ResponseKind = "error"
	ResponseKindMessage    ResponseKind = "message"
)

// RunStartedPayload is the cached shape of a handler outcome that
// started a Run.
type RunStartedPayload struct {
	RunID      string         `json:"runId"`
	StatusCode int            `json:"statusCode"`
	Body       map[string]any `json:"body,omitempty"`
}

// ErrorPayload is the cached shape of a handler outcome that failed.
type ErrorPayload struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

// MessagePayload is the cached shape of a handler outcome that produced
// a chat-style reply with no associated Run (e.g. a deny/revoke CLI
// command acknowledgement).
type MessagePayload struct {
	Text string `json:"text"`
}

// CachedResponse is the tagged union stored on a settled Record so the
// idempotency layer can replay a duplicate request's original outcome
// byte-for-byte.
type CachedResponse struct {
	Kind       ResponseKind       `json:"kind"`
	RunStarted *RunStartedPayload `json:"runStarted,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
	Message    *MessagePayload    `json:"message,omitempty"`
}

// NewRunStartedResponse builds a CachedResponse for a handler outcome
// that started a run.
func NewRunStartedResponse(runID string, statusCode int, body map[string]any) CachedResponse {
	return CachedResponse{
		Kind:       ResponseKindRunStarted,
		RunStarted: &RunStartedPayload{RunID: runID, StatusCode: statusCode, Body: body},
	}
}

// NewErrorResponse builds a CachedResponse for a handler outcome that
// failed.
func NewErrorResponse(message string, statusCode int) CachedResponse {
	return CachedResponse{Kind: ResponseKindError, Error: &ErrorPayload{Message: message, StatusCode: statusCode}}
}

// NewMessageResponse builds a CachedResponse for a handler outcome that
// produced a plain message with no run.
func NewMessageResponse(text string) CachedResponse {
	return CachedResponse{Kind: ResponseKindMessage, Message: &MessagePayload{Text: text}}
}

// Record is the persisted idempotency state for one Key.
//
// Invariant: a Record is either in-flight (Status=processing with a
// non-nil LockExpiresAt in the future) or settled (Status is completed
// or failed, LockExpiresAt is nil, ExpiresAt is in the future).
type Record struct {
	Key      idkey.Key    `json:"key"`
	Source   idkey.Source `json:"source"`
	TenantID string       `json:"tenantId"`
	Status   Status       `json:"status"`

	// RequestHash is a hash of the canonicalized inbound payload (key
	// order irrelevant), used only to detect programmer error (the same
	// key reused for a materially different payload); it never gates
	// replay on its own.
	RequestHash string `json:"requestHash"`

	RunID    string          `json:"runId,omitempty"`
	Response *CachedResponse `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`

	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	LockExpiresAt *time.Time `json:"lockExpiresAt,omitempty"`

	Attempts int `json:"attempts"`
}

// InFlight reports whether r is currently locked for processing.
func (r Record) InFlight(now time.Time) bool {
	return r.Status == StatusProcessing && r.LockExpiresAt != nil && r.LockExpiresAt.After(now)
}

// Settled reports whether r has reached a terminal, cacheable state.
func (r Record) Settled() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// ResultKind discriminates the three outcomes of a transactional
// check-and-set, modeled as a sum type rather than a
// stringly-typed status field on the Store API.
type ResultKind int

// Check-and-set outcomes.
const (
	ResultNew ResultKind = iota
	ResultProcessing
	ResultDuplicate
)

// CheckResult is the sum type returned by a Store's transactional
// check-and-set (new | processing(record) | duplicate(record)).
type CheckResult struct {
	kind      ResultKind
	record    Record
	recovered bool
}

// NewResult reports that the caller acquired a fresh processing lock
// and must run the handler.
func NewResult() CheckResult { return CheckResult{kind: ResultNew} }

// RecoveredResult reports that the caller reclaimed an expired
// processing lock: the outcome is ResultNew (the handler must run),
// with LockRecovered set so the service can count the reclaim.
func RecoveredResult(rec Record) CheckResult {
	return CheckResult{kind: ResultNew, record: rec, recovered: true}
}

// ProcessingResult reports that another in-flight attempt still holds
// the lock.
func ProcessingResult(rec Record) CheckResult { return CheckResult{kind: ResultProcessing, record: rec} }

// DuplicateResult reports that rec is already settled and should be
// replayed.
func DuplicateResult(rec Record) CheckResult { return CheckResult{kind: ResultDuplicate, record: rec} }

// Kind returns which of the three outcomes this result represents.
func (r CheckResult) Kind() ResultKind { return r.kind }

// Record returns the stored record for Processing and Duplicate
// results and for a New result that reclaimed an expired lock (see
// LockRecovered); it is the zero Record for a fresh New result.
func (r CheckResult) Record() Record { return r.record }

// LockRecovered reports whether a ResultNew outcome came from
// reclaiming an expired lock rather than creating a fresh record.
func (r CheckResult) LockRecovered() bool { return r.recovered }
