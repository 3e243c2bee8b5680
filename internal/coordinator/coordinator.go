// Package coordinator runs agent sessions end to end. One manager owns the
// session registry; each live session gets its own event goroutine that
// drains the runner stream, drives the lifecycle state machine, folds
// fan-out turns into unified views, posts tracker activities, and persists
// snapshots through the state writer.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/cyruserr"
	"github.com/ceedaragents/cyrus/internal/events"
	"github.com/ceedaragents/cyrus/internal/events/bus"
	"github.com/ceedaragents/cyrus/internal/normalizer"
	"github.com/ceedaragents/cyrus/internal/paralleltracker"
	"github.com/ceedaragents/cyrus/internal/persistence"
	"github.com/ceedaragents/cyrus/internal/prompt"
	"github.com/ceedaragents/cyrus/internal/ralph"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/sandbox"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/tracker"
	"github.com/ceedaragents/cyrus/internal/workspace"
)

const (
	// defaultPostAttempts bounds tracker activity-post retries before the
	// activity is buffered for a post-restart re-attempt.
	defaultPostAttempts = 3
	defaultPostBase     = 500 * time.Millisecond
	postTimeout         = 30 * time.Second

	// exitCodeTerminated is what a runner exits with after a graceful
	// SIGTERM; the stop is recoverable.
	exitCodeTerminated = 143

	// stderrPostMax bounds the stderr tail posted with a process failure.
	stderrPostMax = 1500

	eventBuffer     = 256
	inputBuffer     = 16
	cleanupInterval = 10 * time.Minute
)

var (
	// ErrAlreadyDone reports an operation against a session that already
	// reached a terminal state.
	ErrAlreadyDone = errors.New("session already finished")

	// ErrNotStreaming reports a follow-up sent to a session whose runner
	// does not take mid-flight input.
	ErrNotStreaming = errors.New("session does not accept follow-up input")

	// ErrDuplicateIssue reports a start for an issue that already has a
	// live session. Trackers echo session-created webhooks for sessions
	// this worker opened itself, so callers usually treat it as benign.
	ErrDuplicateIssue = errors.New("issue already has an active session")

	// ErrUnknownSession reports an operation against a session the manager
	// is not tracking.
	ErrUnknownSession = errors.New("unknown session")
)

// RepositoryResolver returns the current configuration. The config manager
// implements it; sessions capture the resolved values at start, so a reload
// never rebinds live work.
type RepositoryResolver interface {
	Repository(id string) *config.RepositoryConfig
	Current() *config.EdgeConfig
}

// StartRequest carries everything needed to open a session on an issue.
type StartRequest struct {
	// TrackerSessionID binds the session to an existing tracker agent
	// session. Empty means create one on the issue.
	TrackerSessionID string

	RepositoryID string
	Issue        tracker.IssueData
	Comments     []prompt.Comment
	Attachments  []string

	// UserPrompt is the triggering comment or session message, when there
	// was one.
	UserPrompt string

	// Selection overrides the repository's default runner choice, usually
	// the product of label-based agent routing.
	Selection runner.Selection
}

func (r *StartRequest) validate() error {
	if r.RepositoryID == "" {
		return cyruserr.New(cyruserr.KindInvalidConfig, "repository id is required")
	}
	if r.Issue.ID == "" || r.Issue.Identifier == "" {
		return cyruserr.New(cyruserr.KindInvalidConfig, "issue id and identifier are required")
	}
	return nil
}

// SessionInfo is a point-in-time summary of one live session.
type SessionInfo struct {
	TrackerSessionID string         `json:"trackerSessionId"`
	IssueID          string         `json:"issueId"`
	IssueIdentifier  string         `json:"issueIdentifier"`
	RepositoryID     string         `json:"repositoryId"`
	Status           session.Status `json:"status"`
	StartedAt        time.Time      `json:"startedAt"`
}

// Manager owns every live session: the registry, the per-session event
// goroutines, and the shared clients they post through.
type Manager struct {
	tracker    tracker.Client
	writer     *persistence.Writer
	store      *persistence.Store
	workspaces *workspace.Manager
	repos      RepositoryResolver
	eventBus   bus.EventBus
	loopctl    *ralph.Controller
	logger     *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*active          // by tracker session id
	byIssue  map[string]string           // issue id -> tracker session id
	parked   map[string]*session.Session // stopped, awaiting a resume
	closed   bool

	wg sync.WaitGroup

	// newRunner is the adapter factory; tests swap it for a scripted fake.
	newRunner    func(runner.Config, *logger.Logger) (runner.Runner, error)
	postAttempts int
	postBase     time.Duration
}

// NewManager creates a session manager.
func NewManager(
	trackerClient tracker.Client,
	writer *persistence.Writer,
	store *persistence.Store,
	workspaces *workspace.Manager,
	repos RepositoryResolver,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Manager {
	return &Manager{
		tracker:      trackerClient,
		writer:       writer,
		store:        store,
		workspaces:   workspaces,
		repos:        repos,
		eventBus:     eventBus,
		loopctl:      ralph.NewController(log),
		logger:       log.WithFields(zap.String("component", "coordinator")),
		sessions:     make(map[string]*active),
		byIssue:      make(map[string]string),
		parked:       make(map[string]*session.Session),
		newRunner:    runner.New,
		postAttempts: defaultPostAttempts,
		postBase:     defaultPostBase,
	}
}

// Start opens a new session on an issue and launches its runner. A replayed
// webhook for a session that was already finalized reports ErrAlreadyDone.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*session.Session, error) {
	if req.TrackerSessionID != "" && m.writer.IsFinalizedNonClaude(req.TrackerSessionID) {
		m.logger.Info("ignoring webhook for finalized session",
			zap.String("tracker_session_id", req.TrackerSessionID))
		return nil, ErrAlreadyDone
	}
	return m.start(ctx, req)
}

func (m *Manager) start(ctx context.Context, req StartRequest) (*session.Session, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	repoCfg := m.repos.Repository(req.RepositoryID)
	if repoCfg == nil {
		return nil, cyruserr.Newf(cyruserr.KindInvalidConfig, "unknown repository %q", req.RepositoryID)
	}
	repo := *repoCfg

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, errors.New("manager is shut down")
	}
	if existing, ok := m.byIssue[req.Issue.ID]; ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("issue %s already has an active session (%s): %w", req.Issue.Identifier, existing, ErrDuplicateIssue)
	}
	m.mu.RUnlock()

	trackerSessionID := req.TrackerSessionID
	if trackerSessionID == "" {
		res, err := m.tracker.CreateAgentSessionOnIssue(ctx, req.Issue.ID, req.Issue.URL)
		if err != nil {
			return nil, fmt.Errorf("create agent session: %w", err)
		}
		if !res.Success {
			return nil, fmt.Errorf("tracker refused agent session on issue %s", req.Issue.Identifier)
		}
		trackerSessionID = res.AgentSessionID
	}

	global := m.globalConfig()
	ws, err := m.workspaces.Ensure(workspace.CreateRequest{
		BaseDir:         repo.WorkspaceBaseDir,
		IssueID:         req.Issue.ID,
		IssueIdentifier: req.Issue.Identifier,
		SetupScript:     global.GlobalSetupScript,
	})
	if err != nil {
		return nil, fmt.Errorf("provision workspace: %w", err)
	}

	sel := resolveSelection(req.Selection, req.Issue.ID, &repo, global)
	if stored, ok := m.writer.RunnerSelection(trackerSessionID); ok && sel.ResumeSessionID == "" {
		// A prior run on the same tracker session left a resume hint.
		sel.ResumeSessionID = stored.ResumeSessionID
	}

	sess := session.New(trackerSessionID, repo.ID, req.Issue.ID, req.Issue.Identifier, sel, session.Lenient)
	sess.WorkspacePath = ws.Path
	sess.Ralph = ralph.FromLabels(req.Issue.Labels, loopGoal(req))
	if sess.Ralph != nil {
		// A completion phrase tuned in the workspace state file outlives
		// the session that wrote it.
		if prior, err := m.loopctl.ReadStateFile(ws.Path); err == nil && prior != nil && prior.CompletionPhrase != "" {
			sess.Ralph.CompletionPhrase = prior.CompletionPhrase
		}
		if err := m.loopctl.WriteStateFile(ws.Path, sess.Ralph); err != nil {
			m.logger.Warn("failed to write loop state file", zap.Error(err))
		}
	}

	promptText := prompt.Build(prompt.Input{
		Issue:        req.Issue,
		Comments:     req.Comments,
		Attachments:  req.Attachments,
		UserPrompt:   req.UserPrompt,
		LabelPrompts: repo.LabelPrompts,
	})

	a := m.newActive(sess, repo)
	m.transition(ctx, sess, session.EventInitializeRunner)
	if err := m.launch(ctx, a, promptText); err != nil {
		m.transition(ctx, sess, session.EventError)
		m.writer.UpdateSession(sess.ToSnapshot(), sess.Narrative)
		return nil, err
	}

	if req.UserPrompt != "" {
		sess.AppendNarrative(session.NarrativeEntry{
			ContentType: string(tracker.ContentPrompt),
			Body:        req.UserPrompt,
			CreatedAt:   time.Now().UTC(),
		})
	}

	m.adopt(ctx, a, events.SessionCreated)
	m.logger.Info("session started",
		zap.String("tracker_session_id", trackerSessionID),
		zap.String("issue", req.Issue.Identifier),
		zap.String("runner", sel.RunnerType),
		zap.Bool("sandboxed", repo.SandboxImage != ""))
	return sess, nil
}

// Prompt delivers a tracker prompt: a live streaming session takes it
// mid-flight, a stopped session resumes with it, and an unknown or terminal
// session starts over under the same tracker session.
func (m *Manager) Prompt(ctx context.Context, req StartRequest) (*session.Session, error) {
	m.mu.RLock()
	a := m.sessions[req.TrackerSessionID]
	m.mu.RUnlock()
	if a != nil {
		if err := m.SendFollowUp(ctx, req.TrackerSessionID, req.UserPrompt); err != nil {
			return nil, err
		}
		return a.sess, nil
	}

	m.mu.Lock()
	parked, ok := m.parked[req.TrackerSessionID]
	if ok && parked.Machine.CanResume() {
		delete(m.parked, req.TrackerSessionID)
		m.mu.Unlock()
		return m.resume(ctx, parked, req)
	}
	m.mu.Unlock()

	return m.start(ctx, req)
}

// SendFollowUp enqueues a user message on a live streaming session. The
// session's own goroutine delivers it to the runner and records the prompt
// in the narrative.
func (m *Manager) SendFollowUp(ctx context.Context, trackerSessionID, text string) error {
	m.mu.RLock()
	a, ok := m.sessions[trackerSessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	if !a.streaming || a.sess.Status() != session.StatusRunning {
		return ErrNotStreaming
	}
	select {
	case a.input <- text:
		return nil
	case <-a.done:
		return ErrAlreadyDone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopSession cooperatively stops a live session. Stopping twice is a
// no-op; a session that already finished reports ErrAlreadyDone.
func (m *Manager) StopSession(ctx context.Context, trackerSessionID, reason string) error {
	m.mu.RLock()
	a, ok := m.sessions[trackerSessionID]
	_, isParked := m.parked[trackerSessionID]
	m.mu.RUnlock()
	if !ok {
		if isParked {
			return ErrAlreadyDone
		}
		if snap, found := m.writer.Snapshot().AgentSessions[trackerSessionID]; found && snap.Status.IsTerminal() {
			return ErrAlreadyDone
		}
		return ErrUnknownSession
	}
	return m.stopActive(ctx, a, reason)
}

// StopForIssue stops the live session working the given issue, if any.
// Unassignment webhooks carry only the issue, not the agent session id.
func (m *Manager) StopForIssue(ctx context.Context, issueID, reason string) error {
	m.mu.RLock()
	trackerSessionID, ok := m.byIssue[issueID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	return m.StopSession(ctx, trackerSessionID, reason)
}

func (m *Manager) stopActive(ctx context.Context, a *active, reason string) error {
	a.mu.Lock()
	if a.stopRequested {
		a.mu.Unlock()
		return nil
	}
	a.stopRequested = true
	a.stopReason = reason
	r := a.runner
	a.mu.Unlock()

	m.transition(ctx, a.sess, session.EventStopSignal)
	m.logger.Info("stopping session",
		zap.String("tracker_session_id", a.sess.TrackerSessionID),
		zap.String("reason", reason))
	if r == nil {
		return nil
	}
	return r.Stop(ctx)
}

// resume relaunches a stopped session with a follow-up prompt, reusing its
// workspace and resume hint.
func (m *Manager) resume(ctx context.Context, sess *session.Session, req StartRequest) (*session.Session, error) {
	repoCfg := m.repos.Repository(sess.RepositoryID)
	if repoCfg == nil {
		return nil, cyruserr.Newf(cyruserr.KindInvalidConfig, "unknown repository %q", sess.RepositoryID)
	}
	repo := *repoCfg

	if !m.transition(ctx, sess, session.EventResume) {
		return nil, ErrAlreadyDone
	}

	ws, err := m.workspaces.Ensure(workspace.CreateRequest{
		BaseDir:         repo.WorkspaceBaseDir,
		IssueID:         sess.IssueID,
		IssueIdentifier: sess.IssueIdentifier,
		SetupScript:     m.globalConfig().GlobalSetupScript,
	})
	if err != nil {
		m.transition(ctx, sess, session.EventError)
		m.writer.UpdateSession(sess.ToSnapshot(), sess.Narrative)
		return nil, fmt.Errorf("provision workspace: %w", err)
	}
	sess.WorkspacePath = ws.Path

	promptText := strings.TrimSpace(req.UserPrompt)
	if promptText == "" {
		promptText = "Continue working on this issue."
	}

	a := m.newActive(sess, repo)
	if err := m.launch(ctx, a, promptText); err != nil {
		m.transition(ctx, sess, session.EventError)
		m.writer.UpdateSession(sess.ToSnapshot(), sess.Narrative)
		return nil, err
	}

	sess.AppendNarrative(session.NarrativeEntry{
		ContentType: string(tracker.ContentPrompt),
		Body:        promptText,
		CreatedAt:   time.Now().UTC(),
	})

	m.adopt(ctx, a, events.SessionResumed)
	m.logger.Info("session resumed",
		zap.String("tracker_session_id", sess.TrackerSessionID),
		zap.String("issue", sess.IssueIdentifier))
	return sess, nil
}

// Restore parks persisted non-terminal sessions as Stopped without starting
// runners. A later prompt resumes them; nothing auto-resumes.
func (m *Manager) Restore(state *persistence.WorkerState) int {
	if state == nil {
		return 0
	}
	restored := 0
	m.mu.Lock()
	for id, snap := range state.AgentSessions {
		if snap.Status.IsTerminal() {
			continue
		}
		sess := session.FromSnapshot(snap, session.Lenient)
		sess.Narrative = append([]session.NarrativeEntry(nil), state.AgentSessionEntries[id]...)
		if sel, ok := state.SessionRunnerSelections[id]; ok {
			sess.Selection = sel
		}
		m.parked[id] = sess
		restored++
	}
	m.mu.Unlock()
	if restored > 0 {
		m.logger.Info("restored dormant sessions", zap.Int("count", restored))
	}
	return restored
}

// RetryPending re-posts activities whose retries were exhausted before a
// restart. The orchestrator runs it after Restore, before accepting new
// webhooks.
func (m *Manager) RetryPending(ctx context.Context) int {
	m.mu.RLock()
	sessions := make([]*session.Session, 0, len(m.parked))
	for _, sess := range m.parked {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	seen := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		seen[sess.TrackerSessionID] = true
	}
	state := m.writer.Snapshot()
	for id, snap := range state.AgentSessions {
		if seen[id] || len(snap.PendingActivities) == 0 {
			continue
		}
		sess := session.FromSnapshot(snap, session.Lenient)
		sess.Narrative = append([]session.NarrativeEntry(nil), state.AgentSessionEntries[id]...)
		sessions = append(sessions, sess)
	}

	posted := 0
	for _, sess := range sessions {
		if len(sess.PendingActivities) == 0 {
			continue
		}
		var remaining []session.NarrativeEntry
		for _, entry := range sess.PendingActivities {
			callCtx, cancel := context.WithTimeout(ctx, postTimeout)
			_, err := m.tracker.PostActivity(callCtx, sess.TrackerSessionID, contentFor(entry), entry.Ephemeral)
			cancel()
			if err != nil {
				remaining = append(remaining, entry)
				continue
			}
			sess.AppendNarrative(entry)
			posted++
		}
		sess.PendingActivities = remaining
		m.writer.UpdateSession(sess.ToSnapshot(), sess.Narrative)
	}
	if posted > 0 {
		m.logger.Info("re-posted buffered activities", zap.Int("count", posted))
	}
	return posted
}

// StartCleanup begins background maintenance: stale fan-out groups are
// swept from long-lived sessions until ctx ends.
func (m *Manager) StartCleanup(ctx context.Context) {
	go m.janitor(ctx)
}

func (m *Manager) janitor(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			actives := make([]*active, 0, len(m.sessions))
			for _, a := range m.sessions {
				actives = append(actives, a)
			}
			m.mu.RUnlock()

			removed := 0
			for _, a := range actives {
				removed += a.fanout.Cleanup(paralleltracker.DefaultMaxAge)
			}
			if removed > 0 {
				m.logger.Info("dropped stale fan-out groups", zap.Int("count", removed))
			}
		}
	}
}

// Shutdown stops accepting sessions, signals every live runner, and waits
// for the loops to settle. Sessions still live when ctx expires are
// persisted as failed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	actives := make([]*active, 0, len(m.sessions))
	for _, a := range m.sessions {
		actives = append(actives, a)
	}
	m.mu.Unlock()

	for _, a := range actives {
		if err := m.stopActive(ctx, a, "shutdown"); err != nil {
			m.logger.Warn("failed to stop session",
				zap.String("tracker_session_id", a.sess.TrackerSessionID),
				zap.Error(err))
		}
	}

	select {
	case <-m.drained():
		return nil
	case <-ctx.Done():
	}

	for _, a := range actives {
		select {
		case <-a.done:
			continue
		default:
		}
		sess := a.sess
		m.transition(ctx, sess, session.EventError)
		m.writer.UpdateSession(sess.ToSnapshot(), sess.Narrative)
		m.logger.Error("session missed the shutdown drain window",
			zap.String("tracker_session_id", sess.TrackerSessionID))
	}
	return ctx.Err()
}

// drained closes the returned channel once every session goroutine exits.
func (m *Manager) drained() <-chan struct{} {
	settled := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(settled)
	}()
	return settled
}

// ActiveSessions lists the sessions with live event goroutines.
func (m *Manager) ActiveSessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, a := range m.sessions {
		sess := a.sess
		out = append(out, SessionInfo{
			TrackerSessionID: sess.TrackerSessionID,
			IssueID:          sess.IssueID,
			IssueIdentifier:  sess.IssueIdentifier,
			RepositoryID:     sess.RepositoryID,
			Status:           sess.Status(),
			StartedAt:        sess.StartedAt,
		})
	}
	return out
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ParkedCount returns the number of stopped sessions awaiting a resume.
func (m *Manager) ParkedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.parked)
}

// adopt registers a launched session and hands it to its event goroutine.
func (m *Manager) adopt(ctx context.Context, a *active, eventType string) {
	sess := a.sess
	m.mu.Lock()
	m.sessions[sess.TrackerSessionID] = a
	m.byIssue[sess.IssueID] = sess.TrackerSessionID
	m.mu.Unlock()

	m.writer.SetRunnerSelection(sess.TrackerSessionID, sess.Selection)
	m.writer.CacheIssueRepository(sess.IssueID, sess.RepositoryID)
	m.writer.UpdateSession(sess.ToSnapshot(), sess.Narrative)
	if err := m.store.AddActiveSession(sess.TrackerSessionID, persistence.ActiveSessionInfo{
		IssueID:         sess.IssueID,
		IssueIdentifier: sess.IssueIdentifier,
		RepositoryID:    sess.RepositoryID,
		StartedAt:       sess.StartedAt,
	}); err != nil {
		m.logger.Warn("failed to record active work", zap.Error(err))
	}

	if err := m.tracker.UpdateIssueState(ctx, sess.IssueID, tracker.IssueStateActive); err != nil {
		m.logger.Warn("failed to move issue to in progress",
			zap.String("issue_id", sess.IssueID),
			zap.Error(err))
	}

	m.publish(ctx, eventType, sess, nil)

	m.wg.Add(1)
	go m.runSession(a)
}

func (m *Manager) newActive(sess *session.Session, repo config.RepositoryConfig) *active {
	a := &active{
		sess:      sess,
		repo:      repo,
		streaming: streamingType(sess.Selection.RunnerType),
		events:    make(chan runner.Event, eventBuffer),
		done:      make(chan struct{}),
		norm:      normalizer.New(m.logger),
		fanout:    paralleltracker.New(m.logger),
	}
	if a.streaming {
		a.input = make(chan string, inputBuffer)
		sess.Input = a.input
	}
	return a
}

// launch builds and starts a runner for the session's current prompt.
func (m *Manager) launch(ctx context.Context, a *active, promptText string) error {
	sess := a.sess
	r, err := m.newRunner(m.runnerConfig(sess, &a.repo, promptText), m.logger)
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}
	if err := r.Start(ctx, a.sink()); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}
	sess.Runner = r
	a.setRunner(r)
	m.transition(ctx, sess, session.EventRunnerInitialized)
	return nil
}

func (m *Manager) runnerConfig(sess *session.Session, repo *config.RepositoryConfig, promptText string) runner.Config {
	sel := sess.Selection
	cfg := runner.Config{
		Type:            sel.RunnerType,
		WorkspacePath:   sess.WorkspacePath,
		Prompt:          promptText,
		Model:           sel.Model,
		FallbackModel:   sel.FallbackModel,
		AllowedTools:    repo.AllowedTools,
		DisallowedTools: mergeDisallowedTools(m.globalConfig().DisallowedTools, repo.DisallowedTools),
		ResumeSessionID: sel.ResumeSessionID,
		Streaming:       streamingType(sel.RunnerType),
	}
	if repo.SandboxImage != "" {
		cfg.Sandbox = sandbox.NewLauncher(sandbox.Options{
			Image:     repo.SandboxImage,
			IssueID:   sess.IssueID,
			SessionID: sess.TrackerSessionID,
		}, m.logger)
	}
	return cfg
}

// streamingType reports whether the adapter runs in streaming input mode,
// which is what allows mid-flight follow-ups without a restart.
func streamingType(runnerType string) bool {
	return runnerType == runner.TypeClaude
}

// globalConfig returns the current workspace-wide configuration, never nil.
func (m *Manager) globalConfig() *config.EdgeConfig {
	if cfg := m.repos.Current(); cfg != nil {
		return cfg
	}
	return &config.EdgeConfig{}
}

// mergeDisallowedTools unions the workspace-wide deny list with the
// repository's, preserving order and dropping duplicates.
func mergeDisallowedTools(global, repo []string) []string {
	if len(global) == 0 {
		return repo
	}
	seen := make(map[string]struct{}, len(global)+len(repo))
	out := make([]string, 0, len(global)+len(repo))
	for _, t := range global {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for _, t := range repo {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// resolveSelection fills the blanks of a requested selection from the
// repository configuration, then the workspace-wide defaults.
func resolveSelection(sel runner.Selection, issueID string, repo *config.RepositoryConfig, global *config.EdgeConfig) runner.Selection {
	sel.IssueID = issueID
	if sel.RunnerType == "" {
		sel.RunnerType = repo.RunnerType
	}
	if sel.RunnerType == "" {
		sel.RunnerType = runner.TypeClaude
	}
	if sel.Model == "" {
		sel.Model = repo.Model
	}
	if sel.Model == "" {
		sel.Model = global.DefaultModel
	}
	if sel.FallbackModel == "" {
		sel.FallbackModel = repo.FallbackModel
	}
	if sel.FallbackModel == "" {
		sel.FallbackModel = global.DefaultFallbackModel
	}
	return sel
}

// loopGoal is the text a ralph-wiggum loop works toward across iterations:
// the triggering request when there is one, otherwise the issue itself.
func loopGoal(req StartRequest) string {
	if goal := strings.TrimSpace(req.UserPrompt); goal != "" {
		return goal
	}
	goal := strings.TrimSpace(req.Issue.Title)
	if desc := strings.TrimSpace(req.Issue.Description); desc != "" {
		if goal != "" {
			goal += "\n\n"
		}
		goal += desc
	}
	return goal
}

func (m *Manager) publish(ctx context.Context, eventType string, sess *session.Session, extra map[string]interface{}) {
	m.publishOn(ctx, eventType, eventType, sess, extra)
}

// publishOn emits a session event on an explicit subject. Lifecycle events
// go out on their flat subject; per-session streams append the tracker
// session id so a subscriber can follow one session without draining the
// whole feed.
func (m *Manager) publishOn(ctx context.Context, subject, eventType string, sess *session.Session, extra map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"session_id":         sess.ID,
		"tracker_session_id": sess.TrackerSessionID,
		"issue_id":           sess.IssueID,
		"repository_id":      sess.RepositoryID,
		"status":             string(sess.Status()),
	}
	for k, v := range extra {
		data[k] = v
	}
	event := bus.NewEvent(eventType, "coordinator", data)
	if err := m.eventBus.Publish(ctx, subject, event); err != nil {
		m.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// transition applies a state machine event and, when the status actually
// moved, announces the new status on the session's state subject.
func (m *Manager) transition(ctx context.Context, sess *session.Session, ev session.EventType) bool {
	before := sess.Machine.Status()
	ok, _ := sess.Machine.Apply(ev)
	if ok && sess.Machine.Status() != before {
		m.publishOn(ctx, events.BuildSessionStateSubject(sess.TrackerSessionID), events.SessionStateChanged, sess, map[string]interface{}{
			"event":    string(ev),
			"previous": string(before),
		})
	}
	return ok
}
