// Package idgen generates the identifiers the core mints for its own
// records — Run, Durable Job, and Signed Approval ids — using
// github.com/google/uuid.
package idgen

import "github.com/google/uuid"

// Run returns a fresh Run.ID.
func Run() string { return "run-" + uuid.NewString() }

// Job returns a fresh Durable Job id.
func Job() string { return "job-" + uuid.NewString() }

// Approval returns a fresh Signed Approval id.
func Approval() string { return "appr-" + uuid.NewString() }

// Tenant-scoped event ids (API idempotency requestId, etc.) use a bare
// UUID, since the tenant/client scoping already happens in the
// idempotency key itself.
func New() string { return uuid.NewString() }
