package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Command
		wantErr bool
	}{
		{
			name: "approve with scopes",
			in:   "/gwi approve run-1 --scopes commit,push",
			want: Command{Kind: CommandApprove, Target: "run-1", Scopes: []Scope{ScopeCommit, ScopePush}},
		},
		{
			name: "deny with reason",
			in:   "/gwi deny run-2 --reason too risky for friday",
			want: Command{Kind: CommandDeny, Target: "run-2", Reason: "too risky for friday"},
		},
		{
			name: "revoke",
			in:   "/gwi revoke run-3",
			want: Command{Kind: CommandRevoke, Target: "run-3"},
		},
		{
			name:    "approve without scopes",
			in:      "/gwi approve run-1",
			wantErr: true,
		},
		{
			name:    "approve with empty scopes",
			in:      "/gwi approve run-1 --scopes ,",
			wantErr: true,
		},
		{
			name:    "deny without reason",
			in:      "/gwi deny run-2",
			wantErr: true,
		},
		{
			name:    "unknown verb",
			in:      "/gwi bless run-1",
			wantErr: true,
		},
		{
			name:    "not a gwi command",
			in:      "/other approve run-1",
			wantErr: true,
		},
		{
			name:    "missing target",
			in:      "/gwi approve",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
