package approval

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeApprovalFile(t *testing.T, dir, name string, a Approval) {
	t.Helper()
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o644))
}

func validLoaderApproval(runID, approverID string) Approval {
	return Approval{
		ApprovalID:     "appr-" + approverID,
		TenantID:       "t1",
		Approver:       Approver{Type: "human", ID: approverID},
		ApproverRole:   "OWNER",
		Decision:       DecisionApproved,
		ScopesApproved: []Scope{ScopeCommit},
		Target:         Target{TargetType: "run", RunID: runID},
		IntentHash:     "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Source:         "cli",
		SigningKeyID:   "key-1",
		Signature:      "c2lnbmF0dXJl",
	}
}

func TestFilesystemLoader_FiltersToApprovedForRun(t *testing.T) {
	dir := t.TempDir()

	writeApprovalFile(t, dir, "match.json", validLoaderApproval("run-1", "alice"))
	writeApprovalFile(t, dir, "other-run.json", validLoaderApproval("run-2", "bob"))

	denied := validLoaderApproval("run-1", "carol")
	denied.Decision = DecisionDenied
	writeApprovalFile(t, dir, "denied.json", denied)

	loader := NewFilesystemLoader(dir, nil)
	got, err := loader.Load(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].Approver.ID)
}

func TestFilesystemLoader_SkipsMalformedFilesWithoutFailing(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("{not json"), 0o644))

	// Schema-invalid: decision outside the allowed set.
	bad := validLoaderApproval("run-1", "mallory")
	bad.Decision = "maybe"
	raw, err := json.Marshal(bad)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad-schema.json"), raw, 0o644))

	// Non-JSON extension: ignored entirely.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# notes"), 0o644))

	writeApprovalFile(t, dir, "good.json", validLoaderApproval("run-1", "alice"))

	loader := NewFilesystemLoader(dir, nil)
	got, err := loader.Load(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].Approver.ID)
}

func TestFilesystemLoader_MissingDirectoryIsEmptyNotFatal(t *testing.T) {
	loader := NewFilesystemLoader(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	got, err := loader.Load(context.Background(), "run-1")
	assert.NoError(t, err)
	assert.Empty(t, got)
}
