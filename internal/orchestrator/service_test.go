package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/coordinator"
	"github.com/ceedaragents/cyrus/internal/persistence"
	"github.com/ceedaragents/cyrus/internal/router"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

const assignedFE = `{
	"type": "Issue",
	"action": "assigned",
	"organizationId": "org-1",
	"issue": {"id": "i1", "identifier": "FE-12", "title": "Fix dropdown", "team": {"key": "FE"}}
}`

const unassignedFE = `{
	"type": "Issue",
	"action": "unassigned",
	"organizationId": "org-1",
	"issue": {"id": "i1", "identifier": "FE-12", "title": "Fix dropdown", "team": {"key": "FE"}}
}`

const promptedFE = `{
	"type": "AgentSessionEvent",
	"action": "prompted",
	"organizationId": "org-1",
	"agentSession": {"id": "sess-9", "issue": {"id": "i1", "identifier": "FE-12", "title": "Fix dropdown", "team": {"key": "FE"}}},
	"message": {"content": "please also update docs"}
}`

const mentionFE = `{
	"type": "Issue",
	"action": "commented",
	"organizationId": "org-1",
	"issue": {"id": "i1", "identifier": "FE-12", "title": "Fix dropdown", "team": {"key": "FE"}},
	"comment": {"id": "c7", "body": "please rerun the flaky suite"},
	"actor": {"name": "Jane"}
}`

func newOrchestratorLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// staticProvider serves a fixed repository snapshot.
type staticProvider struct {
	mu  sync.Mutex
	cfg *config.EdgeConfig
}

func (p *staticProvider) Current() *config.EdgeConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *staticProvider) Repository(id string) *config.RepositoryConfig {
	return p.Current().RepositoryByID(id)
}

type stopCall struct {
	issueID string
	reason  string
}

// fakeCoordinator records every call the service dispatches.
type fakeCoordinator struct {
	mu        sync.Mutex
	started   []coordinator.StartRequest
	prompted  []coordinator.StartRequest
	stops     []stopCall
	restored  *persistence.WorkerState
	retried   bool
	cleanup   bool
	drained   bool
	live      []coordinator.SessionInfo
	startErr  error
	promptErr error
	stopErr   error
}

var _ sessionCoordinator = (*fakeCoordinator)(nil)

func (f *fakeCoordinator) Start(_ context.Context, req coordinator.StartRequest) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	return nil, f.startErr
}

func (f *fakeCoordinator) Prompt(_ context.Context, req coordinator.StartRequest) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompted = append(f.prompted, req)
	return nil, f.promptErr
}

func (f *fakeCoordinator) StopForIssue(_ context.Context, issueID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, stopCall{issueID: issueID, reason: reason})
	return f.stopErr
}

func (f *fakeCoordinator) Restore(state *persistence.WorkerState) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = state
	return len(state.AgentSessions)
}

func (f *fakeCoordinator) RetryPending(context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = true
	return 0
}

func (f *fakeCoordinator) StartCleanup(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanup = true
}

func (f *fakeCoordinator) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drained = true
	return nil
}

func (f *fakeCoordinator) ActiveSessions() []coordinator.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]coordinator.SessionInfo(nil), f.live...)
}

func (f *fakeCoordinator) ActiveCount() int {
	return len(f.ActiveSessions())
}

func (f *fakeCoordinator) startRequests() []coordinator.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]coordinator.StartRequest(nil), f.started...)
}

func (f *fakeCoordinator) promptRequests() []coordinator.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]coordinator.StartRequest(nil), f.prompted...)
}

func (f *fakeCoordinator) stopCalls() []stopCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stopCall(nil), f.stops...)
}

func (f *fakeCoordinator) restoredState() *persistence.WorkerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restored
}

func (f *fakeCoordinator) retriedPending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retried
}

type orchFixture struct {
	svc      *Service
	engine   *gin.Engine
	coord    *fakeCoordinator
	recorder *tracker.Recorder
	registry *TrackerRegistry
	provider *staticProvider
	store    *persistence.Store
	writer   *persistence.Writer
}

func repoFixture(id, team string) config.RepositoryConfig {
	return config.RepositoryConfig{
		ID:                 id,
		Name:               id,
		RepositoryPath:     "/srv/src/" + id,
		TrackerToken:       "lin_api_" + id,
		TrackerWorkspaceID: "org-1",
		TeamKeys:           []string{team},
		IsActive:           true,
		RunnerType:         runner.TypeMock,
	}
}

func newOrchFixtureAt(t *testing.T, stateDir string, repos ...config.RepositoryConfig) *orchFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := newOrchestratorLogger(t)

	provider := &staticProvider{cfg: &config.EdgeConfig{Repositories: repos}}
	recorder := tracker.NewRecorder()
	registry := NewTrackerRegistry(provider, log)
	registry.newClient = func(_, _ string, _ *logger.Logger) tracker.Client {
		return recorder
	}

	store := persistence.NewStore(stateDir, log)
	writer := persistence.NewWriter(store, store.Load(), log)
	fc := &fakeCoordinator{}

	cfg := DefaultServiceConfig()
	cfg.WebhookAPIKey = "test-key"
	svc := NewService(cfg, provider, fc, registry, router.New(registry, log), store, writer, nil, log)

	engine := gin.New()
	svc.RegisterRoutes(engine)

	t.Cleanup(func() {
		_ = svc.Stop(context.Background())
	})

	return &orchFixture{
		svc:      svc,
		engine:   engine,
		coord:    fc,
		recorder: recorder,
		registry: registry,
		provider: provider,
		store:    store,
		writer:   writer,
	}
}

func newOrchFixture(t *testing.T, repos ...config.RepositoryConfig) *orchFixture {
	return newOrchFixtureAt(t, t.TempDir(), repos...)
}

func (f *orchFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.svc.Start(context.Background()))
}

func (f *orchFixture) deliver(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-key")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *orchFixture) waitStarts(t *testing.T, n int) []coordinator.StartRequest {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if reqs := f.coord.startRequests(); len(reqs) >= n {
			return reqs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("coordinator never saw %d start request(s)", n)
	return nil
}

func (f *orchFixture) waitPrompts(t *testing.T, n int) []coordinator.StartRequest {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if reqs := f.coord.promptRequests(); len(reqs) >= n {
			return reqs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("coordinator never saw %d prompt request(s)", n)
	return nil
}

func (f *orchFixture) waitStops(t *testing.T, n int) []stopCall {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if calls := f.coord.stopCalls(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("coordinator never saw %d stop call(s)", n)
	return nil
}

func TestAssignedDeliveryStartsRoutedSession(t *testing.T) {
	fx := newOrchFixture(t, repoFixture("frontend", "FE"), repoFixture("backend", "BE"))
	fx.recorder.AddIssue(tracker.IssueData{
		ID:          "i1",
		Identifier:  "FE-12",
		Title:       "Fix dropdown",
		Description: "The dropdown flickers when reopened.",
		TeamKey:     "FE",
		Labels:      []string{"Bug"},
		URL:         "https://linear.app/acme/issue/FE-12",
	})
	fx.start(t)

	w := fx.deliver(t, assignedFE)
	require.Equal(t, http.StatusOK, w.Code)

	reqs := fx.waitStarts(t, 1)
	req := reqs[0]
	assert.Equal(t, "frontend", req.RepositoryID)
	assert.Empty(t, req.TrackerSessionID)
	assert.Equal(t, "The dropdown flickers when reopened.", req.Issue.Description)
	assert.Equal(t, []string{"Bug"}, req.Issue.Labels)

	repoID, ok := fx.registry.RepositoryFor("i1")
	require.True(t, ok)
	assert.Equal(t, "frontend", repoID)
}

func TestSessionPromptDeliversFollowUp(t *testing.T) {
	fx := newOrchFixture(t, repoFixture("frontend", "FE"))
	fx.start(t)

	w := fx.deliver(t, promptedFE)
	require.Equal(t, http.StatusOK, w.Code)

	reqs := fx.waitPrompts(t, 1)
	assert.Equal(t, "sess-9", reqs[0].TrackerSessionID)
	assert.Equal(t, "please also update docs", reqs[0].UserPrompt)
	assert.Empty(t, fx.coord.startRequests())

	repoID, ok := fx.registry.RepositoryFor("sess-9")
	require.True(t, ok)
	assert.Equal(t, "frontend", repoID)
}

func TestUnassignedDeliveryStopsSessionByIssue(t *testing.T) {
	fx := newOrchFixture(t, repoFixture("frontend", "FE"))
	fx.start(t)

	w := fx.deliver(t, unassignedFE)
	require.Equal(t, http.StatusOK, w.Code)

	calls := fx.waitStops(t, 1)
	assert.Equal(t, stopCall{issueID: "i1", reason: "unassigned"}, calls[0])

	// Unassignment never consults the router.
	stats := fx.svc.router.Stats()
	assert.Zero(t, stats.Routed)
	assert.Zero(t, stats.Dropped)
}

func TestCommentMentionOpensSessionOnThread(t *testing.T) {
	fx := newOrchFixture(t, repoFixture("frontend", "FE"))
	fx.start(t)

	w := fx.deliver(t, mentionFE)
	require.Equal(t, http.StatusOK, w.Code)

	reqs := fx.waitStarts(t, 1)
	assert.Equal(t, "agent-session-1", reqs[0].TrackerSessionID)
	assert.Equal(t, "please rerun the flaky suite", reqs[0].UserPrompt)

	repoID, ok := fx.registry.RepositoryFor("agent-session-1")
	require.True(t, ok)
	assert.Equal(t, "frontend", repoID)
}

func TestDeliveryWithoutMatchingRepositoryIsDropped(t *testing.T) {
	fx := newOrchFixture(t, repoFixture("frontend", "FE"))
	fx.start(t)

	body := strings.Replace(assignedFE, `"key": "FE"`, `"key": "ZZ"`, 1)
	w := fx.deliver(t, body)
	require.Equal(t, http.StatusOK, w.Code)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fx.svc.router.Stats().Dropped > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.EqualValues(t, 1, fx.svc.router.Stats().Dropped)
	assert.Empty(t, fx.coord.startRequests())
}

func TestLabelRoutingSelectsRunnerType(t *testing.T) {
	repo := repoFixture("frontend", "FE")
	repo.LabelAgentRouting = []config.LabelAgentRouting{
		{Labels: []string{"Codex"}, RunnerType: runner.TypeCodex},
	}
	fx := newOrchFixture(t, repo)
	fx.recorder.AddIssue(tracker.IssueData{
		ID:         "i1",
		Identifier: "FE-12",
		Title:      "Fix dropdown",
		TeamKey:    "FE",
		Labels:     []string{"bug", "codex"},
	})
	fx.start(t)

	fx.deliver(t, assignedFE)

	reqs := fx.waitStarts(t, 1)
	assert.Equal(t, runner.TypeCodex, reqs[0].Selection.RunnerType)
}

func TestStartRecoversPersistedStateBeforeAccepting(t *testing.T) {
	dir := t.TempDir()
	log := newOrchestratorLogger(t)

	seed := persistence.NewStore(dir, log)
	state := persistence.NewWorkerState()
	state.AgentSessions["sess-old"] = session.Snapshot{
		ID:               "internal-9",
		TrackerSessionID: "sess-old",
		RepositoryID:     "frontend",
		IssueID:          "i9",
		IssueIdentifier:  "FE-9",
		Status:           session.StatusStopped,
		StartedAt:        time.Now().UTC(),
		Version:          2,
	}
	require.NoError(t, seed.Save(state))
	require.NoError(t, seed.AddActiveSession("sess-old", persistence.ActiveSessionInfo{
		IssueID:         "i9",
		IssueIdentifier: "FE-9",
		RepositoryID:    "frontend",
		StartedAt:       time.Now().UTC(),
	}))

	fx := newOrchFixtureAt(t, dir, repoFixture("frontend", "FE"))
	require.False(t, fx.svc.Accepting())
	fx.start(t)
	require.True(t, fx.svc.Accepting())

	restored := fx.coord.restoredState()
	require.NotNil(t, restored)
	assert.Contains(t, restored.AgentSessions, "sess-old")
	assert.True(t, fx.coord.retriedPending())

	repoID, ok := fx.registry.RepositoryFor("sess-old")
	require.True(t, ok)
	assert.Equal(t, "frontend", repoID)
	_, ok = fx.registry.RepositoryFor("i9")
	assert.True(t, ok)

	// Recovered sessions are dormant, so the active work document resets.
	assert.False(t, fx.store.LoadActiveWork().IsWorking)
}

func TestStatusEndpointReportsLiveWork(t *testing.T) {
	fx := newOrchFixture(t, repoFixture("frontend", "FE"))
	fx.coord.live = []coordinator.SessionInfo{{
		TrackerSessionID: "sess-1",
		IssueID:          "i1",
		IssueIdentifier:  "FE-12",
		RepositoryID:     "frontend",
		Status:           session.StatusRunning,
		StartedAt:        time.Now().UTC(),
	}}
	fx.start(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	fx.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var status ActiveWorkStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.IsWorking)
	assert.True(t, status.Accepting)
	require.Len(t, status.ActiveSessions, 1)
	assert.Equal(t, "FE-12", status.ActiveSessions["sess-1"].IssueIdentifier)

	health := httptest.NewRecorder()
	fx.engine.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestStopClosesIntakeAndDrains(t *testing.T) {
	fx := newOrchFixture(t, repoFixture("frontend", "FE"))
	fx.start(t)

	require.ErrorIs(t, fx.svc.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, fx.svc.Stop(context.Background()))
	assert.True(t, fx.coord.drained)

	w := fx.deliver(t, assignedFE)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, fx.coord.startRequests())

	require.ErrorIs(t, fx.svc.Stop(context.Background()), ErrNotStarted)
}
