package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/cyruserr"
	"github.com/ceedaragents/cyrus/internal/tracker"
	"github.com/ceedaragents/cyrus/internal/webhook"
)

// registryFixture wires a registry whose factory hands out one Recorder per
// tracker token, mimicking two tracker workspaces.
type registryFixture struct {
	registry  *TrackerRegistry
	provider  *staticProvider
	recorders map[string]*tracker.Recorder
	builds    int
}

func newRegistryFixture(t *testing.T, repos ...config.RepositoryConfig) *registryFixture {
	t.Helper()
	log := newOrchestratorLogger(t)

	fx := &registryFixture{
		provider:  &staticProvider{cfg: &config.EdgeConfig{Repositories: repos}},
		recorders: make(map[string]*tracker.Recorder),
	}
	fx.registry = NewTrackerRegistry(fx.provider, log)
	fx.registry.newClient = func(token, _ string, _ *logger.Logger) tracker.Client {
		fx.builds++
		rec, ok := fx.recorders[token]
		if !ok {
			rec = tracker.NewRecorder()
			fx.recorders[token] = rec
		}
		return rec
	}
	return fx
}

func (fx *registryFixture) recorderFor(token string) *tracker.Recorder {
	rec, ok := fx.recorders[token]
	if !ok {
		rec = tracker.NewRecorder()
		fx.recorders[token] = rec
	}
	return rec
}

func TestRegistryDispatchesByBinding(t *testing.T) {
	fx := newRegistryFixture(t,
		repoFixture("frontend", "FE"),
		repoFixture("backend", "BE"),
	)
	fx.recorderFor("lin_api_backend").AddIssue(tracker.IssueData{
		ID:         "i2",
		Identifier: "BE-4",
		Title:      "Queue backlog grows unbounded",
	})

	fx.registry.Bind("i2", "backend")

	issue, err := fx.registry.GetIssue(context.Background(), "i2")
	require.NoError(t, err)
	require.NotNil(t, issue)
	assert.Equal(t, "BE-4", issue.Identifier)

	// The frontend workspace never saw the call.
	frontend, err := fx.registry.clientForRepository("frontend")
	require.NoError(t, err)
	got, err := frontend.GetIssue(context.Background(), "i2")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = fx.registry.GetIssue(context.Background(), "i404")
	require.Error(t, err)
	var cerr *cyruserr.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, cyruserr.KindInvalidConfig, cerr.Kind)
}

func TestRegistryReusesClientUntilTokenChanges(t *testing.T) {
	fx := newRegistryFixture(t, repoFixture("frontend", "FE"))

	_, err := fx.registry.clientForRepository("frontend")
	require.NoError(t, err)
	_, err = fx.registry.clientForRepository("frontend")
	require.NoError(t, err)
	assert.Equal(t, 1, fx.builds)

	// A credential rotation on config reload replaces the client.
	fx.provider.mu.Lock()
	fx.provider.cfg.Repositories[0].TrackerToken = "lin_api_rotated"
	fx.provider.mu.Unlock()

	_, err = fx.registry.clientForRepository("frontend")
	require.NoError(t, err)
	assert.Equal(t, 2, fx.builds)
}

func TestRegistrySelfBindsCreatedSessions(t *testing.T) {
	fx := newRegistryFixture(t, repoFixture("frontend", "FE"))
	fx.registry.Bind("i1", "frontend")
	fx.registry.Bind("c1", "frontend")

	res, err := fx.registry.CreateAgentSessionOnIssue(context.Background(), "i1", "")
	require.NoError(t, err)
	require.True(t, res.Success)
	repoID, ok := fx.registry.RepositoryFor(res.AgentSessionID)
	require.True(t, ok)
	assert.Equal(t, "frontend", repoID)

	res, err = fx.registry.CreateAgentSessionOnComment(context.Background(), "c1", "")
	require.NoError(t, err)
	repoID, ok = fx.registry.RepositoryFor(res.AgentSessionID)
	require.True(t, ok)
	assert.Equal(t, "frontend", repoID)
}

func TestRegistryFetchesLabelsForWorkspace(t *testing.T) {
	fx := newRegistryFixture(t, repoFixture("frontend", "FE"))
	fx.recorderFor("lin_api_frontend").AddIssue(tracker.IssueData{
		ID:         "i1",
		Identifier: "FE-12",
		Title:      "Fix dropdown",
		Labels:     []string{"ui", "Bug"},
	})

	labels, err := fx.registry.IssueLabels(context.Background(), webhook.Event{
		OrganizationID: "org-1",
		IssueID:        "i1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ui", "Bug"}, labels)

	_, err = fx.registry.IssueLabels(context.Background(), webhook.Event{
		OrganizationID: "org-unknown",
		IssueID:        "i1",
	})
	require.Error(t, err)
}

func TestRegistryUploadsThroughFirstActiveRepository(t *testing.T) {
	fx := newRegistryFixture(t, repoFixture("frontend", "FE"))

	res, err := fx.registry.UploadFile(context.Background(), "/tmp/shot.png", "shot.png", "image/png", true)
	require.NoError(t, err)
	assert.Equal(t, "https://uploads.example.com/shot.png", res.AssetURL)

	empty := newRegistryFixture(t)
	_, err = empty.registry.UploadFile(context.Background(), "/tmp/shot.png", "shot.png", "image/png", true)
	require.Error(t, err)
}
