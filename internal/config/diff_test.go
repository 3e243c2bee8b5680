package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiffConfigs(t *testing.T) {
	base := func() *EdgeConfig {
		return &EdgeConfig{
			DefaultModel: "opus",
			Repositories: []RepositoryConfig{
				{ID: "frontend", Name: "frontend", RepositoryPath: "/srv/frontend"},
				{ID: "backend", Name: "backend", RepositoryPath: "/srv/backend"},
			},
		}
	}

	t.Run("no changes is empty", func(t *testing.T) {
		d := DiffConfigs(base(), base())
		assert.True(t, d.Empty())
	})

	t.Run("detects added repositories", func(t *testing.T) {
		next := base()
		next.Repositories = append(next.Repositories, RepositoryConfig{ID: "infra"})
		d := DiffConfigs(base(), next)
		assert.Equal(t, []string{"infra"}, d.Added)
		assert.Empty(t, d.Removed)
		assert.Empty(t, d.Modified)
	})

	t.Run("detects removed repositories", func(t *testing.T) {
		next := base()
		next.Repositories = next.Repositories[:1]
		d := DiffConfigs(base(), next)
		assert.Equal(t, []string{"backend"}, d.Removed)
	})

	t.Run("detects modified repositories", func(t *testing.T) {
		next := base()
		next.Repositories[1].BaseBranch = "develop"
		d := DiffConfigs(base(), next)
		assert.Equal(t, []string{"backend"}, d.Modified)
		assert.Empty(t, d.Added)
		assert.Empty(t, d.Removed)
	})

	t.Run("detects top-level field changes", func(t *testing.T) {
		next := base()
		next.DefaultModel = "sonnet"
		next.DisallowedTools = []string{"Bash(sudo:*)"}
		d := DiffConfigs(base(), next)
		assert.Contains(t, d.OtherChanges, "defaultModel")
		assert.Contains(t, d.OtherChanges, "disallowedTools")
		assert.True(t, len(d.Added)+len(d.Removed)+len(d.Modified) == 0)
	})
}
