package ralph

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ceedaragents/cyrus/internal/persistence"
	"github.com/ceedaragents/cyrus/internal/session"
)

// WriteStateFile mirrors the loop state into the workspace as
// ralph-loop.local.md: YAML front matter carrying the counters, the
// original prompt as the markdown body.
func (c *Controller) WriteStateFile(workspacePath string, state *session.RalphState) error {
	if state == nil {
		return nil
	}
	fm, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal loop state: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(fm)
	sb.WriteString("---\n\n")
	sb.WriteString(strings.TrimSpace(state.OriginalPrompt))
	sb.WriteString("\n")
	return persistence.AtomicWrite(filepath.Join(workspacePath, StateFileName), []byte(sb.String()), 0o644)
}

// ReadStateFile loads the workspace loop state. A missing file returns nil;
// an unparseable one is treated as missing, with a warning, so a mangled
// state file can never wedge session completion.
func (c *Controller) ReadStateFile(workspacePath string) (*session.RalphState, error) {
	path := filepath.Join(workspacePath, StateFileName)
	data, err := persistence.ReadFileOrEmpty(path)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	state, ok := parseStateFile(data)
	if !ok {
		c.log.Warn("Ignoring unparseable loop state file", zap.String("path", path))
		return nil, nil
	}
	return state, nil
}

func parseStateFile(data []byte) (*session.RalphState, bool) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	rest, ok := strings.CutPrefix(text, "---\n")
	if !ok {
		return nil, false
	}
	fm, body, ok := strings.Cut(rest, "\n---")
	if !ok {
		return nil, false
	}
	var state session.RalphState
	if err := yaml.Unmarshal([]byte(fm+"\n"), &state); err != nil {
		return nil, false
	}
	state.OriginalPrompt = strings.TrimSpace(body)
	return &state, true
}
