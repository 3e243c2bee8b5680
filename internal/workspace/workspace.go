// Package workspace provisions per-issue working directories for runner
// sessions. Workspaces are plain directories under a repository's base dir;
// they survive restarts so dormant sessions can resume in place.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// setupScriptTimeout bounds a workspace setup script run.
const setupScriptTimeout = 5 * time.Minute

var (
	// ErrInvalidIdentifier is returned when the issue identifier is empty or
	// reduces to nothing after sanitization.
	ErrInvalidIdentifier = errors.New("invalid issue identifier")

	// ErrNotDirectory is returned when the workspace path exists but is not a
	// directory.
	ErrNotDirectory = errors.New("workspace path exists and is not a directory")
)

// Workspace describes a provisioned per-issue directory.
type Workspace struct {
	Path            string `json:"path"`
	IssueID         string `json:"issueId"`
	IssueIdentifier string `json:"issueIdentifier"`

	// Reused is true when the directory already existed from an earlier
	// session on the same issue.
	Reused bool `json:"reused"`
}

// CreateRequest carries the parameters for provisioning a workspace.
type CreateRequest struct {
	// BaseDir overrides the manager default, for repositories that configure
	// their own workspaceBaseDir.
	BaseDir         string
	IssueID         string
	IssueIdentifier string

	// SetupScript, when set, runs through `sh -c` inside the directory the
	// first time it is created. A reused workspace skips it.
	SetupScript string
}

// Validate checks the request has an identifier to name the directory after.
func (r *CreateRequest) Validate() error {
	if strings.TrimSpace(r.IssueIdentifier) == "" {
		return ErrInvalidIdentifier
	}
	return nil
}

// Manager creates, reuses, and removes per-issue workspace directories.
type Manager struct {
	baseDir string
	log     *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a workspace manager rooted at baseDir. The directory is
// created if it does not exist.
func NewManager(baseDir string, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Default()
	}
	expanded, err := expandPath(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand workspace base dir: %w", err)
	}
	if expanded == "" {
		return nil, errors.New("workspace base dir is required")
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace base dir: %w", err)
	}

	return &Manager{
		baseDir: expanded,
		log:     log.WithFields(zap.String("component", "workspace")),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// BaseDir returns the manager's default base directory.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// lockFor returns the mutex guarding one workspace path.
func (m *Manager) lockFor(path string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lock, ok := m.locks[path]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.locks[path] = lock
	return lock
}

// Ensure creates the workspace directory for an issue, or reuses the
// existing one. Two concurrent calls for the same issue serialize on a
// per-path lock so only one provisions.
func (m *Manager) Ensure(req CreateRequest) (*Workspace, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	path, err := m.resolve(req.BaseDir, req.IssueIdentifier)
	if err != nil {
		return nil, err
	}

	lock := m.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	ws := &Workspace{
		Path:            path,
		IssueID:         req.IssueID,
		IssueIdentifier: req.IssueIdentifier,
	}

	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		ws.Reused = true
		m.log.Debug("reusing existing workspace",
			zap.String("issue", req.IssueIdentifier),
			zap.String("path", path))
		return ws, nil
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, path)
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to stat workspace: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	if req.SetupScript != "" {
		m.runSetupScript(ws, req.SetupScript)
	}

	m.log.Info("provisioned workspace",
		zap.String("issue", req.IssueIdentifier),
		zap.String("path", path))
	return ws, nil
}

// runSetupScript executes a setup script in a freshly created workspace.
// Failures are logged, not fatal.
func (m *Manager) runSetupScript(ws *Workspace, script string) {
	ctx, cancel := context.WithTimeout(context.Background(), setupScriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = ws.Path
	cmd.Env = append(os.Environ(),
		"CYRUS_ISSUE_ID="+ws.IssueID,
		"CYRUS_ISSUE_IDENTIFIER="+ws.IssueIdentifier,
		"CYRUS_WORKSPACE_PATH="+ws.Path,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		m.log.Warn("workspace setup script failed",
			zap.String("issue", ws.IssueIdentifier),
			zap.String("output", strings.TrimSpace(string(out))),
			zap.Error(err))
		return
	}
	m.log.Debug("workspace setup script completed",
		zap.String("issue", ws.IssueIdentifier))
}

// PathFor returns the directory an issue's workspace would use, without
// creating it. An empty baseDir falls back to the manager default.
func (m *Manager) PathFor(baseDir, issueIdentifier string) (string, error) {
	return m.resolve(baseDir, issueIdentifier)
}

// Exists reports whether a workspace directory already exists for the issue.
func (m *Manager) Exists(baseDir, issueIdentifier string) bool {
	path, err := m.resolve(baseDir, issueIdentifier)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Remove deletes an issue's workspace directory. Removing a workspace that
// does not exist is not an error.
func (m *Manager) Remove(baseDir, issueIdentifier string) error {
	path, err := m.resolve(baseDir, issueIdentifier)
	if err != nil {
		return err
	}

	lock := m.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}

	m.log.Info("removed workspace",
		zap.String("issue", issueIdentifier),
		zap.String("path", path))
	return nil
}

// List returns the issue directory names present under a base dir, sorted.
func (m *Manager) List(baseDir string) ([]string, error) {
	base, err := m.base(baseDir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read workspace base dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// resolve joins a sanitized issue identifier onto the base dir.
func (m *Manager) resolve(baseDir, issueIdentifier string) (string, error) {
	base, err := m.base(baseDir)
	if err != nil {
		return "", err
	}
	name, err := sanitizeIdentifier(issueIdentifier)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, name), nil
}

func (m *Manager) base(baseDir string) (string, error) {
	if strings.TrimSpace(baseDir) == "" {
		return m.baseDir, nil
	}
	return expandPath(baseDir)
}

// sanitizeIdentifier reduces an issue identifier to a safe directory name.
// Letters, digits, hyphens, underscores, and dots pass through; everything
// else (path separators included) becomes a hyphen.
func sanitizeIdentifier(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", ErrInvalidIdentifier
	}

	var sb strings.Builder
	for _, r := range trimmed {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}

	name := strings.Trim(sb.String(), "-.")
	if name == "" {
		return "", ErrInvalidIdentifier
	}
	return name, nil
}

// expandPath expands a leading ~/ to the user's home directory.
func expandPath(path string) (string, error) {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, rest), nil
}
