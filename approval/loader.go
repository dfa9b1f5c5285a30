package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Loader reads Signed Approvals from wherever they are produced
// out-of-band. Gated through this abstraction so a
// remote approval service can be swapped in without touching the gate.
type Loader interface {
	// Load returns every well-formed approval available for runID.
	// Malformed documents are skipped with a warning, never fatal.
	Load(ctx context.Context, runID string) ([]Approval, error)
}

// FilesystemLoader reads approvals from `.gwi/approvals/*.json`, the
// convention humans pipe approvals through via any VCS.
type FilesystemLoader struct {
	dir      string
	validate *validator.Validate
	log      *zap.Logger
}

// NewFilesystemLoader constructs a loader rooted at dir (conventionally
// ".gwi/approvals"). log may be nil.
func NewFilesystemLoader(dir string, log *zap.Logger) *FilesystemLoader {
	if log == nil {
		log = zap.NewNop()
	}
	return &FilesystemLoader{dir: dir, validate: validator.New(), log: log}
}

// Load implements Loader: it scans dir for *.json files, parses and
// schema-validates each, and returns only approvals targeting runID
// whose decision is approved.
// Files failing to parse or validate are skipped with a warning.
func (l *FilesystemLoader) Load(_ context.Context, runID string) ([]Approval, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("approval: read dir %s: %w", l.dir, err)
	}

	var out []Approval
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			l.log.Warn("approval: failed to read approval file", zap.String("path", path), zap.Error(err))
			continue
		}
		var a Approval
		if err := json.Unmarshal(raw, &a); err != nil {
			l.log.Warn("approval: skipping malformed approval JSON", zap.String("path", path), zap.Error(err))
			continue
		}
		if err := l.validate.Struct(a); err != nil {
			l.log.Warn("approval: skipping approval failing schema validation", zap.String("path", path), zap.Error(err))
			continue
		}
		if a.Target.RunID != runID || a.Decision != DecisionApproved {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
