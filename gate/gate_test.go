package gate

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/intent-solutions-io/git-with-intent/approval"
	"github.com/intent-solutions-io/git-with-intent/canon"
	"github.com/intent-solutions-io/git-with-intent/policy"
)

type fakeLoader struct {
	approvals []approval.Approval
}

func (f fakeLoader) Load(_ context.Context, _ string) ([]approval.Approval, error) {
	return f.approvals, nil
}

func signedApproval(t *testing.T, priv ed25519.PrivateKey, keyID string, a approval.Approval) approval.Approval {
	t.Helper()
	signer := approval.NewSigner()
	sig, err := signer.Sign(a.Signed(), priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	a.Signature = sig
	return a
}

func newTestKeys(t *testing.T) (*approval.KeyStore, ed25519.PublicKey, ed25519.PrivateKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	jwkKey, err := jwk.FromRaw(pub)
	if err != nil {
		t.Fatalf("jwk.FromRaw: %v", err)
	}
	keys := approval.NewKeyStore()
	keyID := "test-key-1"
	if err := keys.Register(keyID, jwkKey); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return keys, pub, priv, keyID
}

func TestGate_Evaluate_AllowsWithValidMatchingApproval(t *testing.T) {
	keys, _, priv, keyID := newTestKeys(t)
	intentHash, err := canon.Hash(map[string]any{"plan": "do the thing"})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	a := approval.Approval{
		ApprovalID:     "appr-1",
		TenantID:       "t1",
		Approver:       approval.Approver{Type: "human", ID: "reviewer-1"},
		ApproverRole:   "OWNER",
		Decision:       approval.DecisionApproved,
		ScopesApproved: []approval.Scope{approval.ScopeCommit, approval.ScopePush},
		Target:         approval.Target{TargetType: "run", RunID: "run-1"},
		IntentHash:     intentHash,
		Source:         "cli",
		SigningKeyID:   keyID,
	}
	a = signedApproval(t, priv, keyID, a)

	engine, err := policy.NewEngine(context.Background())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	g := New(fakeLoader{approvals: []approval.Approval{a}}, approval.NewVerifier(keys), engine, nil)

	result, err := g.Evaluate(context.Background(), Request{
		TenantID:       "t1",
		RunID:          "run-1",
		Action:         "apply",
		Actor:          policy.Actor{ID: "triggering-actor"},
		RequiredScopes: []approval.Scope{approval.ScopeCommit, approval.ScopePush},
		IntentHash:     intentHash,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Decision != policy.DecisionAllow {
		t.Fatalf("Decision = %v, want ALLOW (reason %q)", result.Decision, result.Reason)
	}
}

func TestGate_Evaluate_DiscardsSelfApproval(t *testing.T) {
	keys, _, priv, keyID := newTestKeys(t)
	intentHash, _ := canon.Hash(map[string]any{"plan": "x"})

	a := approval.Approval{
		ApprovalID:     "appr-1",
		TenantID:       "t1",
		Approver:       approval.Approver{Type: "human", ID: "same-actor"},
		Decision:       approval.DecisionApproved,
		ScopesApproved: []approval.Scope{approval.ScopeCommit},
		Target:         approval.Target{TargetType: "run", RunID: "run-1"},
		IntentHash:     intentHash,
		Source:         "cli",
		SigningKeyID:   keyID,
	}
	a = signedApproval(t, priv, keyID, a)

	engine, err := policy.NewEngine(context.Background())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	g := New(fakeLoader{approvals: []approval.Approval{a}}, approval.NewVerifier(keys), engine, nil)

	result, err := g.Evaluate(context.Background(), Request{
		TenantID:       "t1",
		RunID:          "run-1",
		Action:         "apply",
		Actor:          policy.Actor{ID: "same-actor"},
		RequiredScopes: []approval.Scope{approval.ScopeCommit},
		IntentHash:     intentHash,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Decision != policy.DecisionRequireMoreApprovals {
		t.Fatalf("Decision = %v, want REQUIRE_MORE_APPROVALS", result.Decision)
	}
	if result.Reason != "same actor cannot approve own run" {
		t.Fatalf("Reason = %q, want the same-actor diagnostic", result.Reason)
	}
}

func TestGate_Evaluate_DiscardsApprovalWithMismatchedIntentHash(t *testing.T) {
	keys, _, priv, keyID := newTestKeys(t)

	a := approval.Approval{
		ApprovalID:     "appr-1",
		TenantID:       "t1",
		Approver:       approval.Approver{Type: "human", ID: "reviewer-1"},
		Decision:       approval.DecisionApproved,
		ScopesApproved: []approval.Scope{approval.ScopeCommit},
		Target:         approval.Target{TargetType: "run", RunID: "run-1"},
		IntentHash:     "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Source:         "cli",
		SigningKeyID:   keyID,
	}
	a = signedApproval(t, priv, keyID, a)

	engine, err := policy.NewEngine(context.Background())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	g := New(fakeLoader{approvals: []approval.Approval{a}}, approval.NewVerifier(keys), engine, nil)

	currentIntentHash, _ := canon.Hash(map[string]any{"plan": "different plan"})
	result, err := g.Evaluate(context.Background(), Request{
		TenantID:       "t1",
		RunID:          "run-1",
		Action:         "apply",
		Actor:          policy.Actor{ID: "triggering-actor"},
		RequiredScopes: []approval.Scope{approval.ScopeCommit},
		IntentHash:     currentIntentHash,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Decision == policy.DecisionAllow {
		t.Fatalf("Decision = ALLOW, want mismatched-intent approval to be discarded")
	}
}
