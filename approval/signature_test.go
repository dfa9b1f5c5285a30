package approval

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intent-solutions-io/git-with-intent/canon"
)

func testApproval(intentHash, keyID string) Approval {
	return Approval{
		ApprovalID:     "appr-1",
		TenantID:       "t1",
		Approver:       Approver{Type: "human", ID: "reviewer-1", Email: "reviewer@example.com"},
		ApproverRole:   "OWNER",
		Decision:       DecisionApproved,
		ScopesApproved: []Scope{ScopeCommit, ScopePush},
		Target:         Target{TargetType: "run", RunID: "run-1"},
		IntentHash:     intentHash,
		Source:         "cli",
		SigningKeyID:   keyID,
	}
}

func testKeyStore(t *testing.T) (*KeyStore, ed25519.PrivateKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	jwkKey, err := jwk.FromRaw(pub)
	require.NoError(t, err)

	keys := NewKeyStore()
	const keyID = "key-1"
	require.NoError(t, keys.Register(keyID, jwkKey))
	return keys, priv, keyID
}

func TestVerify_RoundTrip(t *testing.T) {
	keys, priv, keyID := testKeyStore(t)
	intentHash, err := canon.Hash(map[string]any{"plan": "fix the bug"})
	require.NoError(t, err)

	a := testApproval(intentHash, keyID)
	sig, err := NewSigner().Sign(a.Signed(), priv)
	require.NoError(t, err)
	a.Signature = sig

	v := NewVerifier(keys)
	assert.NoError(t, v.Verify(context.Background(), a, intentHash))
}

// TestCanonicalization_KeyOrderIrrelevant checks the canonicalization
// law: two serializations of the same logical document, differing only
// in key order, produce identical canonical bytes, so a signature over
// one verifies against the other.
func TestCanonicalization_KeyOrderIrrelevant(t *testing.T) {
	ordered := []byte(`{"approvalId":"appr-1","tenantId":"t1","decision":"approved"}`)
	permuted := []byte(`{"decision":"approved","approvalId":"appr-1","tenantId":"t1"}`)

	h1, err := canon.HashRaw(ordered)
	require.NoError(t, err)
	h2, err := canon.HashRaw(permuted)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// The same law via the struct path: a JSON round trip through a map
	// (randomized iteration order) must not change the canonical hash.
	fields := testApproval("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", "key-1").Signed()
	direct, err := canon.Hash(fields)
	require.NoError(t, err)

	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	var asMap map[string]any
	require.NoError(t, json.Unmarshal(raw, &asMap))
	viaMap, err := canon.Hash(asMap)
	require.NoError(t, err)
	assert.Equal(t, direct, viaMap)
}

// TestVerify_TamperedScopesRejected covers post-signing mutation: an
// approval whose scopesApproved was extended after signing must fail
// verification exactly as if it never existed.
func TestVerify_TamperedScopesRejected(t *testing.T) {
	keys, priv, keyID := testKeyStore(t)
	intentHash, err := canon.Hash(map[string]any{"plan": "deploy v2"})
	require.NoError(t, err)

	a := testApproval(intentHash, keyID)
	sig, err := NewSigner().Sign(a.Signed(), priv)
	require.NoError(t, err)
	a.Signature = sig

	a.ScopesApproved = append(a.ScopesApproved, ScopeDeploy)

	v := NewVerifier(keys)
	err = v.Verify(context.Background(), a, intentHash)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerify_IntentHashMismatchRejected(t *testing.T) {
	keys, priv, keyID := testKeyStore(t)
	approvedHash, err := canon.Hash(map[string]any{"plan": "A"})
	require.NoError(t, err)
	currentHash, err := canon.Hash(map[string]any{"plan": "B"})
	require.NoError(t, err)

	a := testApproval(approvedHash, keyID)
	sig, err := NewSigner().Sign(a.Signed(), priv)
	require.NoError(t, err)
	a.Signature = sig

	v := NewVerifier(keys)
	err = v.Verify(context.Background(), a, currentHash)
	assert.ErrorIs(t, err, ErrIntentMismatch)
}

func TestVerify_UnknownAndRevokedKeysRejected(t *testing.T) {
	keys, priv, keyID := testKeyStore(t)
	intentHash, err := canon.Hash(map[string]any{"plan": "x"})
	require.NoError(t, err)

	a := testApproval(intentHash, keyID)
	sig, err := NewSigner().Sign(a.Signed(), priv)
	require.NoError(t, err)
	a.Signature = sig

	v := NewVerifier(keys)

	unknown := a
	unknown.SigningKeyID = "key-never-registered"
	assert.ErrorIs(t, v.Verify(context.Background(), unknown, intentHash), ErrKeyUnknown)

	keys.Revoke(keyID)
	assert.ErrorIs(t, v.Verify(context.Background(), a, intentHash), ErrKeyRevoked)
}
