package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults(t *testing.T) {
	t.Run("fills omitted repository fields", func(t *testing.T) {
		cfg := &EdgeConfig{Repositories: []RepositoryConfig{{ID: "r1", Name: "r1", RepositoryPath: "/srv/r1"}}}
		cfg.ApplyDefaults("/home/agent/.cyrus")

		repo := cfg.Repositories[0]
		assert.Equal(t, filepath.Join("/home/agent/.cyrus", "workspaces"), repo.WorkspaceBaseDir)
		assert.Equal(t, DefaultAllowedTools, repo.AllowedTools)
		assert.Equal(t, DefaultLabelPrompts, repo.LabelPrompts)
		assert.NotNil(t, repo.TeamKeys)
		assert.Empty(t, repo.TeamKeys)
		assert.Equal(t, "claude", repo.RunnerType)
		assert.False(t, repo.IsActive)
	})

	t.Run("preserves explicit values", func(t *testing.T) {
		cfg := &EdgeConfig{
			DefaultModel: "haiku",
			Repositories: []RepositoryConfig{{
				ID:               "r1",
				Name:             "r1",
				RepositoryPath:   "/srv/r1",
				WorkspaceBaseDir: "/scratch",
				AllowedTools:     []string{"Read(**)"},
				LabelPrompts:     map[string][]string{"builder": {"Enhancement"}},
				RunnerType:       "codex",
			}},
		}
		cfg.ApplyDefaults("/home/agent/.cyrus")

		repo := cfg.Repositories[0]
		assert.Equal(t, "haiku", cfg.DefaultModel)
		assert.Equal(t, "sonnet", cfg.DefaultFallbackModel)
		assert.Equal(t, "/scratch", repo.WorkspaceBaseDir)
		assert.Equal(t, []string{"Read(**)"}, repo.AllowedTools)
		assert.Equal(t, map[string][]string{"builder": {"Enhancement"}}, repo.LabelPrompts)
		assert.Equal(t, "codex", repo.RunnerType)
	})

	t.Run("fills model defaults", func(t *testing.T) {
		cfg := &EdgeConfig{}
		cfg.ApplyDefaults("/home/agent/.cyrus")
		assert.Equal(t, "opus", cfg.DefaultModel)
		assert.Equal(t, "sonnet", cfg.DefaultFallbackModel)
	})
}

func TestIsCatchAll(t *testing.T) {
	repo := RepositoryConfig{ID: "r1"}
	assert.True(t, repo.IsCatchAll())

	repo.TeamKeys = []string{"ENG"}
	assert.False(t, repo.IsCatchAll())

	repo.TeamKeys = nil
	repo.RoutingLabels = &RoutingLabels{Include: []string{"ui"}}
	assert.False(t, repo.IsCatchAll())

	repo.RoutingLabels = nil
	repo.ProjectKeys = []string{"proj"}
	assert.False(t, repo.IsCatchAll())
}

func TestRepositoryByID(t *testing.T) {
	cfg := &EdgeConfig{Repositories: []RepositoryConfig{{ID: "a"}, {ID: "b"}}}
	assert.Equal(t, "b", cfg.RepositoryByID("b").ID)
	assert.Nil(t, cfg.RepositoryByID("missing"))
}

func TestActiveRepositories(t *testing.T) {
	cfg := &EdgeConfig{Repositories: []RepositoryConfig{
		{ID: "a", IsActive: true},
		{ID: "b"},
		{ID: "c", IsActive: true},
	}}
	active := cfg.ActiveRepositories()
	assert.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "c", active[1].ID)
}
