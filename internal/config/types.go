// Package config manages the edge worker's domain configuration document:
// the repositories the worker serves, their tracker credentials, and their
// routing rules. The document lives at <cyrusHome>/config.json, is
// hot-reloaded on change, and is swapped atomically so readers always see a
// complete snapshot.
package config

import (
	"path/filepath"

	"github.com/ceedaragents/cyrus/internal/runner"
)

// DefaultAllowedTools is applied to repositories that do not set their own
// allow list.
var DefaultAllowedTools = []string{
	"Read(**)",
	"Edit(**)",
	"Task",
	"WebFetch",
	"WebSearch",
	"TodoRead",
	"TodoWrite",
	"NotebookRead",
	"NotebookEdit",
	"Batch",
	"Bash",
}

// DefaultLabelPrompts maps prompt preset names to the issue labels that
// select them.
var DefaultLabelPrompts = map[string][]string{
	"debugger": {"Bug"},
	"builder":  {"Feature"},
	"scoper":   {"PRD"},
}

// RunnerTypes enumerates the supported runner adapters.
var RunnerTypes = runner.Types

// EdgeConfig is the top-level configuration document.
type EdgeConfig struct {
	Repositories         []RepositoryConfig `json:"repositories"`
	DisallowedTools      []string           `json:"disallowedTools,omitempty"`
	DefaultModel         string             `json:"defaultModel,omitempty"`
	DefaultFallbackModel string             `json:"defaultFallbackModel,omitempty"`
	GlobalSetupScript    string             `json:"global_setup_script,omitempty"`
	NgrokAuthToken       string             `json:"ngrokAuthToken,omitempty"`
	StripeCustomerID     string             `json:"stripeCustomerId,omitempty"`
}

// RoutingLabels opts a repository into label-based routing. A repository is
// disqualified when any exclude label is present on the issue; otherwise it
// is eligible when at least one include label matches. Among eligible
// repositories the highest priority wins.
type RoutingLabels struct {
	Include  []string `json:"include,omitempty"`
	Exclude  []string `json:"exclude,omitempty"`
	Priority int      `json:"priority,omitempty"`
}

// LabelAgentRouting selects a runner adapter when one of its labels is
// present on the issue.
type LabelAgentRouting struct {
	Labels     []string `json:"labels"`
	RunnerType string   `json:"runnerType"`
}

// RepositoryConfig describes one source code repository the worker serves.
type RepositoryConfig struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	RepositoryPath   string `json:"repositoryPath"`
	BaseBranch       string `json:"baseBranch,omitempty"`
	WorkspaceBaseDir string `json:"workspaceBaseDir,omitempty"`

	// Tracker credentials for the workspace this repository belongs to.
	TrackerToken       string `json:"trackerToken"`
	TrackerWorkspaceID string `json:"trackerWorkspaceId"`

	// Routing hints. A repository with none of these set is the workspace
	// catch-all; at most one catch-all is allowed per tracker workspace.
	TeamKeys      []string       `json:"teamKeys,omitempty"`
	RoutingLabels *RoutingLabels `json:"routingLabels,omitempty"`
	ProjectKeys   []string       `json:"projectKeys,omitempty"`

	// Execution policy.
	AllowedTools      []string            `json:"allowedTools,omitempty"`
	DisallowedTools   []string            `json:"disallowedTools,omitempty"`
	LabelPrompts      map[string][]string `json:"labelPrompts,omitempty"`
	LabelAgentRouting []LabelAgentRouting `json:"labelAgentRouting,omitempty"`
	IsActive          bool                `json:"isActive"`

	// Runner selection defaults for sessions routed to this repository.
	RunnerType    string `json:"runnerType,omitempty"`
	Model         string `json:"model,omitempty"`
	FallbackModel string `json:"fallbackModel,omitempty"`

	// SandboxImage, when set, runs the repository's runner processes inside
	// a Docker container with the workspace bind-mounted.
	SandboxImage string `json:"sandboxImage,omitempty"`
}

// IsCatchAll reports whether this repository has no routing filters and so
// acts as the workspace's last-resort destination.
func (r *RepositoryConfig) IsCatchAll() bool {
	return len(r.TeamKeys) == 0 && r.RoutingLabels == nil && len(r.ProjectKeys) == 0
}

// HasTeamKey reports whether the repository routes the given team key.
func (r *RepositoryConfig) HasTeamKey(key string) bool {
	for _, k := range r.TeamKeys {
		if k == key {
			return true
		}
	}
	return false
}

// applyDefaults fills omitted repository fields in place.
func (r *RepositoryConfig) applyDefaults(cyrusHome string) {
	if r.WorkspaceBaseDir == "" {
		r.WorkspaceBaseDir = filepath.Join(cyrusHome, "workspaces")
	}
	if r.AllowedTools == nil {
		r.AllowedTools = append([]string(nil), DefaultAllowedTools...)
	}
	if r.LabelPrompts == nil {
		r.LabelPrompts = make(map[string][]string, len(DefaultLabelPrompts))
		for preset, labels := range DefaultLabelPrompts {
			r.LabelPrompts[preset] = append([]string(nil), labels...)
		}
	}
	if r.TeamKeys == nil {
		r.TeamKeys = []string{}
	}
	if r.RunnerType == "" {
		r.RunnerType = runner.TypeClaude
	}
}

// ApplyDefaults fills omitted fields on the document and all repositories.
func (c *EdgeConfig) ApplyDefaults(cyrusHome string) {
	if c.DefaultModel == "" {
		c.DefaultModel = "opus"
	}
	if c.DefaultFallbackModel == "" {
		c.DefaultFallbackModel = "sonnet"
	}
	for i := range c.Repositories {
		c.Repositories[i].applyDefaults(cyrusHome)
	}
}

// RepositoryByID returns the repository with the given id, or nil.
func (c *EdgeConfig) RepositoryByID(id string) *RepositoryConfig {
	for i := range c.Repositories {
		if c.Repositories[i].ID == id {
			return &c.Repositories[i]
		}
	}
	return nil
}

// ActiveRepositories returns the repositories with isActive set, in
// configuration order.
func (c *EdgeConfig) ActiveRepositories() []RepositoryConfig {
	out := make([]RepositoryConfig, 0, len(c.Repositories))
	for _, r := range c.Repositories {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out
}
