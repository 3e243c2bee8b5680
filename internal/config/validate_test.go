package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/cyruserr"
)

func validRepo(id string) RepositoryConfig {
	return RepositoryConfig{
		ID:                 id,
		Name:               id,
		RepositoryPath:     "/srv/repos/" + id,
		TrackerToken:       "lin_api_test",
		TrackerWorkspaceID: "ws-1",
		TeamKeys:           []string{"ENG"},
		IsActive:           true,
	}
}

func TestValidate(t *testing.T) {
	t.Run("accepts a well-formed document", func(t *testing.T) {
		cfg := &EdgeConfig{Repositories: []RepositoryConfig{validRepo("frontend")}}
		require.NoError(t, Validate(cfg))
	})

	t.Run("collects all field errors in one pass", func(t *testing.T) {
		cfg := &EdgeConfig{Repositories: []RepositoryConfig{
			{IsActive: true},
		}}
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "id is required")
		assert.Contains(t, err.Error(), "name is required")
		assert.Contains(t, err.Error(), "repositoryPath is required")
		assert.Contains(t, err.Error(), "trackerToken is required")
		assert.Contains(t, err.Error(), "trackerWorkspaceId is required")
		assert.Equal(t, cyruserr.KindInvalidConfig, cyruserr.KindOf(err))
	})

	t.Run("inactive repositories do not need credentials", func(t *testing.T) {
		repo := validRepo("archived")
		repo.IsActive = false
		repo.TrackerToken = ""
		repo.TrackerWorkspaceID = ""
		cfg := &EdgeConfig{Repositories: []RepositoryConfig{repo}}
		require.NoError(t, Validate(cfg))
	})

	t.Run("rejects duplicate repository ids", func(t *testing.T) {
		cfg := &EdgeConfig{Repositories: []RepositoryConfig{validRepo("dup"), validRepo("dup")}}
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `duplicate repository id "dup"`)
	})

	t.Run("rejects two catch-alls in the same workspace", func(t *testing.T) {
		a := validRepo("a")
		a.TeamKeys = nil
		b := validRepo("b")
		b.TeamKeys = nil
		cfg := &EdgeConfig{Repositories: []RepositoryConfig{a, b}}
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "catch-all")
		assert.Contains(t, err.Error(), `workspace "ws-1"`)
	})

	t.Run("allows one catch-all per workspace", func(t *testing.T) {
		a := validRepo("a")
		a.TeamKeys = nil
		b := validRepo("b")
		b.TeamKeys = nil
		b.TrackerWorkspaceID = "ws-2"
		cfg := &EdgeConfig{Repositories: []RepositoryConfig{a, b}}
		require.NoError(t, Validate(cfg))
	})

	t.Run("rejects routingLabels without include labels", func(t *testing.T) {
		repo := validRepo("labelled")
		repo.RoutingLabels = &RoutingLabels{Exclude: []string{"backlog"}}
		cfg := &EdgeConfig{Repositories: []RepositoryConfig{repo}}
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "routingLabels.include")
	})

	t.Run("rejects unknown runner types", func(t *testing.T) {
		repo := validRepo("weird")
		repo.RunnerType = "cursor"
		cfg := &EdgeConfig{Repositories: []RepositoryConfig{repo}}
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown runnerType "cursor"`)
		assert.Contains(t, err.Error(), strings.Join(RunnerTypes, ", "))
	})

	t.Run("rejects label agent routing with unknown runner", func(t *testing.T) {
		repo := validRepo("routed")
		repo.LabelAgentRouting = []LabelAgentRouting{{Labels: []string{"codex"}, RunnerType: "copilot"}}
		cfg := &EdgeConfig{Repositories: []RepositoryConfig{repo}}
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown runnerType "copilot"`)
	})
}
