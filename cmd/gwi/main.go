// Command gwi is the CLI an approver runs to grant, deny, or revoke
// authorization on a run's destructive phases, producing the Signed
// Approval documents the FilesystemLoader scans from
// .gwi/approvals/*.json, using a kong-based subcommand layout.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/intent-solutions-io/git-with-intent/approval"
	"github.com/intent-solutions-io/git-with-intent/idgen"
)

// Exit codes for the CLI surface.
const (
	exitOK                = 0
	exitValidationError   = 1
	exitSignatureKeyError = 2
	exitStoreError        = 3
)

// CLI defines the gwi command-line interface. The approval surface is
// `gwi approval approve|deny|revoke`, the exact command shape quoted in
// approval-missing run errors.
type CLI struct {
	Approval ApprovalCmd `cmd:"" help:"Produce, deny, or revoke Signed Approvals."`

	ApprovalsDir string `help:"Directory Signed Approvals are written to." default:".gwi/approvals" env:"GWI_APPROVALS_DIR"`
	KeyFile      string `help:"Path to the approver's private key, as a JWK JSON document." env:"GWI_SIGNING_KEY_FILE"`
	KeyID        string `help:"Signing key id (kid) recorded on the approval." env:"GWI_SIGNING_KEY_ID"`
	ApproverID   string `help:"Approver id recorded on the approval." env:"GWI_APPROVER_ID"`
	ApproverType string `help:"Approver type (human, bot, service)." default:"human"`
	TenantID     string `help:"Tenant id the approval is scoped to." env:"GWI_TENANT_ID"`
}

// targetFromString builds a Target from a bare run/candidate/PR id. The
// CLI always targets a run; candidate/PR targeting remains a
// future ingress surface the core's Target type already models.
func targetFromString(runID string) approval.Target {
	return approval.Target{TargetType: "run", RunID: runID}
}

// ApprovalCmd groups the approve/deny/revoke subcommands.
type ApprovalCmd struct {
	Approve ApproveCmd `cmd:"" help:"Approve a run's destructive phases."`
	Deny    DenyCmd    `cmd:"" help:"Deny a run, with a reason for the audit trail."`
	Revoke  RevokeCmd  `cmd:"" help:"Revoke a previously granted approval."`
}

// ApproveCmd grants scopes on a run.
type ApproveCmd struct {
	RunID      string `name:"run" help:"Run id to approve." required:""`
	Scopes     string `help:"Comma-separated scopes to grant (commit,push,open_pr,deploy,delete)." required:""`
	IntentHash string `help:"Hex-encoded hash of the plan/patch this approval covers." required:""`
}

func (c *ApproveCmd) Run(cli *CLI) error {
	scopes, err := parseScopes(c.Scopes)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitValidationError)
	}

	a := approval.Approval{
		ApprovalID:     idgen.Approval(),
		TenantID:       cli.TenantID,
		Approver:       approval.Approver{Type: cli.ApproverType, ID: cli.ApproverID},
		ApproverRole:   cli.ApproverType,
		Decision:       approval.DecisionApproved,
		ScopesApproved: scopes,
		Target:         targetFromString(c.RunID),
		IntentHash:     c.IntentHash,
		Source:         "cli",
		SigningKeyID:   cli.KeyID,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	return signAndWrite(cli, a)
}

// DenyCmd records a denial, requiring a reason for the audit trail.
type DenyCmd struct {
	Target     string `help:"Run id to deny." required:""`
	Reason     string `help:"Reason for the denial." required:""`
	IntentHash string `help:"Hex-encoded hash of the plan/patch this denial covers." required:""`
}

func (c *DenyCmd) Run(cli *CLI) error {
	a := approval.Approval{
		ApprovalID:   idgen.Approval(),
		TenantID:     cli.TenantID,
		Approver:     approval.Approver{Type: cli.ApproverType, ID: cli.ApproverID},
		ApproverRole: cli.ApproverType,
		Decision:     approval.DecisionDenied,
		Target:       targetFromString(c.Target),
		IntentHash:   c.IntentHash,
		Source:       "cli:" + c.Reason,
		SigningKeyID: cli.KeyID,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	return signAndWrite(cli, a)
}

// RevokeCmd revokes a previously granted approval.
type RevokeCmd struct {
	Target     string `help:"Run id whose approval is being revoked." required:""`
	IntentHash string `help:"Hex-encoded hash of the plan/patch the original approval covered." required:""`
}

func (c *RevokeCmd) Run(cli *CLI) error {
	a := approval.Approval{
		ApprovalID:   idgen.Approval(),
		TenantID:     cli.TenantID,
		Approver:     approval.Approver{Type: cli.ApproverType, ID: cli.ApproverID},
		ApproverRole: cli.ApproverType,
		Decision:     approval.DecisionRevoked,
		Target:       targetFromString(c.Target),
		IntentHash:   c.IntentHash,
		Source:       "cli",
		SigningKeyID: cli.KeyID,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	return signAndWrite(cli, a)
}

func parseScopes(csv string) ([]approval.Scope, error) {
	parts := strings.Split(csv, ",")
	out := make([]approval.Scope, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, approval.Scope(p))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("gwi: --scopes must name at least one scope")
	}
	return out, nil
}

// signAndWrite signs a with the approver's private key and writes the
// resulting Signed Approval to cli.ApprovalsDir/<approvalId>.json.
func signAndWrite(cli *CLI, a approval.Approval) error {
	priv, err := loadPrivateKey(cli.KeyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gwi: load signing key: %v\n", err)
		os.Exit(exitSignatureKeyError)
	}

	sig, err := approval.NewSigner().Sign(a.Signed(), priv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gwi: sign approval: %v\n", err)
		os.Exit(exitSignatureKeyError)
	}
	a.Signature = sig

	if err := os.MkdirAll(cli.ApprovalsDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "gwi: create approvals dir: %v\n", err)
		os.Exit(exitStoreError)
	}
	raw, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "gwi: marshal approval: %v\n", err)
		os.Exit(exitStoreError)
	}
	path := filepath.Join(cli.ApprovalsDir, a.ApprovalID+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "gwi: write approval file: %v\n", err)
		os.Exit(exitStoreError)
	}

	fmt.Printf("wrote %s (%s on %s)\n", path, a.Decision, a.Target.RunID)
	return nil
}

// loadPrivateKey reads a JWK JSON document from path and extracts its
// raw private key (ed25519.PrivateKey, *ecdsa.PrivateKey, or
// *rsa.PrivateKey), the types approval.Signer.Sign accepts.
func loadPrivateKey(path string) (any, error) {
	if path == "" {
		return nil, fmt.Errorf("no signing key file configured (--key-file or GWI_SIGNING_KEY_FILE)")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	key, err := jwk.ParseKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse jwk: %w", err)
	}
	var priv any
	if err := key.Raw(&priv); err != nil {
		return nil, fmt.Errorf("extract raw key: %w", err)
	}
	return priv, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("gwi"),
		kong.Description("Approve, deny, or revoke authorization for a Git With Intent run."),
		kong.UsageOnError(),
	)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitValidationError)
	}
	os.Exit(exitOK)
}
