package approval

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation is returned for malformed command strings.
var ErrValidation = errors.New("approval: validation error")

// CommandKind discriminates the three chat/CLI commands the gate
// understands.
type CommandKind string

// The command kinds `/gwi <kind> ...` can express.
const (
	CommandApprove CommandKind = "approve"
	CommandDeny    CommandKind = "deny"
	CommandRevoke  CommandKind = "revoke"
)

// Command is a parsed `/gwi approve|deny|revoke` invocation, the shape
// produced by Slack slash commands and the approval CLI alike.
type Command struct {
	Kind   CommandKind
	Target string
	Scopes []Scope
	Reason string
}

// ParseCommand parses a command string of the form:
//
//	/gwi approve <target> [--scopes <csv>]
//	/gwi deny <target> --reason <text>
//	/gwi revoke <target>
//
// Deny without a reason, and approve with empty scopes, are validation
// errors.
func ParseCommand(s string) (Command, error) {
	fields := strings.Fields(s)
	if len(fields) < 3 || fields[0] != "/gwi" {
		return Command{}, fmt.Errorf("%w: expected \"/gwi <approve|deny|revoke> <target> ...\"", ErrValidation)
	}

	kind := CommandKind(fields[1])
	target := fields[2]
	rest := fields[3:]

	cmd := Command{Kind: kind, Target: target}

	flags, err := parseFlags(rest)
	if err != nil {
		return Command{}, err
	}

	switch kind {
	case CommandApprove:
		scopesCSV, ok := flags["--scopes"]
		if !ok || strings.TrimSpace(scopesCSV) == "" {
			return Command{}, fmt.Errorf("%w: approve requires non-empty --scopes", ErrValidation)
		}
		for _, s := range strings.Split(scopesCSV, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			cmd.Scopes = append(cmd.Scopes, Scope(s))
		}
		if len(cmd.Scopes) == 0 {
			return Command{}, fmt.Errorf("%w: approve requires non-empty --scopes", ErrValidation)
		}

	case CommandDeny:
		reason, ok := flags["--reason"]
		if !ok || strings.TrimSpace(reason) == "" {
			return Command{}, fmt.Errorf("%w: deny requires --reason", ErrValidation)
		}
		cmd.Reason = reason

	case CommandRevoke:
		// No required flags.

	default:
		return Command{}, fmt.Errorf("%w: unknown command %q", ErrValidation, kind)
	}

	return cmd, nil
}

// parseFlags turns ["--scopes", "commit,push"] or ["--reason", "too",
// "risky"] into {"--scopes": "commit,push", "--reason": "too risky"}.
// Everything after a flag name up to (not including) the next flag
// name is joined with spaces as that flag's value.
func parseFlags(args []string) (map[string]string, error) {
	out := make(map[string]string)
	var curFlag string
	var curVal []string
	flush := func() {
		if curFlag != "" {
			out[curFlag] = strings.Join(curVal, " ")
		}
	}
	for _, a := range args {
		if strings.HasPrefix(a, "--") {
			flush()
			curFlag = a
			curVal = nil
			continue
		}
		if curFlag == "" {
			return nil, fmt.Errorf("%w: unexpected token %q before any flag", ErrValidation, a)
		}
		curVal = append(curVal, a)
	}
	flush()
	return out, nil
}
