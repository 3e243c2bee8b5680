// Package orchestrator wires the edge worker together: webhook intake,
// repository routing, and session coordination. It manages:
//
//   - Dispatching normalized webhook events to the Router and then to the
//     session coordinator
//   - Crash recovery from persisted worker state before accepting work
//   - The /status and /health surfaces
//   - Graceful shutdown with a bounded session drain
//
// The orchestrator holds no per-session state of its own; sessions live in
// the coordinator and every tracker call goes through the TrackerRegistry.
package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/coordinator"
	"github.com/ceedaragents/cyrus/internal/events"
	"github.com/ceedaragents/cyrus/internal/events/bus"
	"github.com/ceedaragents/cyrus/internal/persistence"
	"github.com/ceedaragents/cyrus/internal/router"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/sandbox"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/tracker"
	"github.com/ceedaragents/cyrus/internal/webhook"
)

// ErrAlreadyStarted and ErrNotStarted guard against out-of-order Start and
// Stop calls.
var (
	ErrAlreadyStarted = errors.New("orchestrator already started")
	ErrNotStarted     = errors.New("orchestrator not started")
)

// ServiceConfig holds orchestrator service configuration.
type ServiceConfig struct {
	WebhookPath     string
	WebhookAuthMode webhook.AuthMode
	WebhookSecret   string
	WebhookAPIKey   string

	// DrainTimeout bounds how long Stop waits for live sessions.
	DrainTimeout time.Duration

	// SandboxCleanup sweeps containers a previous worker leaked, using the
	// given daemon settings.
	SandboxCleanup   bool
	DockerHost       string
	DockerAPIVersion string
}

// DefaultServiceConfig returns default configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		WebhookPath:     "/webhook",
		WebhookAuthMode: webhook.AuthBearer,
		DrainTimeout:    30 * time.Second,
	}
}

// sessionCoordinator is the coordinator surface the service drives.
type sessionCoordinator interface {
	Start(ctx context.Context, req coordinator.StartRequest) (*session.Session, error)
	Prompt(ctx context.Context, req coordinator.StartRequest) (*session.Session, error)
	StopForIssue(ctx context.Context, issueID, reason string) error
	Restore(state *persistence.WorkerState) int
	RetryPending(ctx context.Context) int
	StartCleanup(ctx context.Context)
	Shutdown(ctx context.Context) error
	ActiveSessions() []coordinator.SessionInfo
	ActiveCount() int
}

// ActiveWorkStatus is the live status document served at /status. It mirrors
// the persisted active-work.json shape plus routing counters.
type ActiveWorkStatus struct {
	IsWorking      bool                               `json:"isWorking"`
	ActiveSessions map[string]coordinator.SessionInfo `json:"activeSessions"`
	Accepting      bool                               `json:"accepting"`
	StartedAt      time.Time                          `json:"startedAt"`
	Routing        router.Stats                       `json:"routing"`
	LastUpdated    time.Time                          `json:"lastUpdated"`
}

// Service is the edge worker's top-level component.
type Service struct {
	cfg       ServiceConfig
	domain    RepositoryProvider
	coord     sessionCoordinator
	trackers  *TrackerRegistry
	router    *router.Router
	store     *persistence.Store
	writer    *persistence.Writer
	eventBus  bus.EventBus
	webhooks  *webhook.Handlers
	logger    *logger.Logger
	accepting atomic.Bool

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewService creates the orchestrator service. Start must be called before
// it accepts webhook deliveries.
func NewService(
	cfg ServiceConfig,
	domain RepositoryProvider,
	coord sessionCoordinator,
	trackers *TrackerRegistry,
	route *router.Router,
	store *persistence.Store,
	writer *persistence.Writer,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Service {
	s := &Service{
		cfg:      cfg,
		domain:   domain,
		coord:    coord,
		trackers: trackers,
		router:   route,
		store:    store,
		writer:   writer,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
	}
	s.webhooks = webhook.NewHandlers(cfg.WebhookAuthMode, cfg.WebhookSecret, cfg.WebhookAPIKey, s.intake, log)
	s.webhooks.SetAcceptingFunc(s.Accepting)
	return s
}

// RegisterRoutes mounts the webhook intake and the status surfaces.
func (s *Service) RegisterRoutes(engine *gin.Engine) {
	webhook.RegisterRoutes(engine, s.cfg.WebhookPath, s.webhooks)
	engine.GET("/status", s.handleStatus)
	engine.GET("/health", s.handleHealth)
}

// Accepting reports whether new webhook deliveries are admitted.
func (s *Service) Accepting() bool {
	return s.accepting.Load()
}

// Start recovers persisted sessions, sweeps leaked sandbox containers, and
// opens the webhook intake.
func (s *Service) Start(ctx context.Context) error {
	base, err := s.begin()
	if err != nil {
		return err
	}

	s.logger.Info("Starting orchestrator service")

	if s.cfg.SandboxCleanup {
		s.cleanupSandboxes(ctx)
	}

	// Rebuild dormant sessions and flush buffered activity posts before
	// any new delivery can reach the coordinator.
	s.recoverPersisted(ctx)

	s.coord.StartCleanup(base)

	s.accepting.Store(true)
	s.publishWorkStatus(ctx)

	s.logger.Info("Orchestrator service started",
		zap.String("webhook_path", s.cfg.WebhookPath),
		zap.String("auth_mode", string(s.cfg.WebhookAuthMode)))
	return nil
}

// begin claims the running flag and creates the service-lifetime context
// that webhook dispatches run on.
func (s *Service) begin() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, ErrAlreadyStarted
	}
	s.running = true
	s.startedAt = time.Now().UTC()
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s.baseCtx, nil
}

// end releases the running flag.
func (s *Service) end() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotStarted
	}
	s.running = false
	return nil
}

// Stop closes the intake, drains live sessions within the configured
// window, and force-persists worker state.
func (s *Service) Stop(ctx context.Context) error {
	if err := s.end(); err != nil {
		return err
	}

	s.logger.Info("Stopping orchestrator service")

	// New deliveries get 503 from here on; in-flight dispatches finish.
	s.accepting.Store(false)
	s.wg.Wait()

	var errs []error

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()
	if err := s.coord.Shutdown(drainCtx); err != nil {
		s.logger.Error("Session drain missed the shutdown window", zap.Error(err))
		errs = append(errs, err)
	}

	if err := s.store.ClearActiveWork(); err != nil {
		s.logger.Warn("Failed to clear active work document", zap.Error(err))
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Error("Failed to flush persisted state", zap.Error(err))
		errs = append(errs, err)
	}

	s.publishWorkStatus(context.Background())
	s.cancel()

	if len(errs) > 0 {
		return errs[0]
	}
	s.logger.Info("Orchestrator service stopped")
	return nil
}

// Status returns the live status document.
func (s *Service) Status() ActiveWorkStatus {
	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	live := s.coord.ActiveSessions()
	sessions := make(map[string]coordinator.SessionInfo, len(live))
	for _, info := range live {
		sessions[info.TrackerSessionID] = info
	}
	return ActiveWorkStatus{
		IsWorking:      len(sessions) > 0,
		ActiveSessions: sessions,
		Accepting:      s.Accepting(),
		StartedAt:      startedAt,
		Routing:        s.router.Stats(),
		LastUpdated:    time.Now().UTC(),
	}
}

func (s *Service) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Status())
}

func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "accepting": s.Accepting()})
}

// cleanupSandboxes removes containers left behind by a previous worker
// process. A daemon outage only costs a warning.
func (s *Service) cleanupSandboxes(ctx context.Context) {
	launcher := sandbox.NewLauncher(sandbox.Options{
		Host:       s.cfg.DockerHost,
		APIVersion: s.cfg.DockerAPIVersion,
	}, s.logger)
	removed, err := launcher.CleanupLeaked(ctx)
	if err != nil {
		s.logger.Warn("Sandbox cleanup failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("Removed leaked sandbox containers", zap.Int("count", removed))
	}
}

// recoverPersisted rebuilds tracker bindings and dormant sessions from the
// persisted worker state, then re-attempts activity posts that were
// buffered when the previous process exited.
func (s *Service) recoverPersisted(ctx context.Context) {
	state := s.writer.Snapshot()
	for id, snap := range state.AgentSessions {
		s.trackers.Bind(id, snap.RepositoryID)
		s.trackers.Bind(snap.IssueID, snap.RepositoryID)
		s.trackers.Bind(snap.IssueIdentifier, snap.RepositoryID)
	}
	for issueID, repoID := range state.IssueRepositoryCache {
		s.trackers.Bind(issueID, repoID)
	}

	if restored := s.coord.Restore(state); restored > 0 {
		s.logger.Info("Recovered dormant sessions from persisted state", zap.Int("count", restored))
	}
	if reposted := s.coord.RetryPending(ctx); reposted > 0 {
		s.logger.Info("Re-posted buffered activities", zap.Int("count", reposted))
	}

	// Sessions recovered above are dormant, not active.
	if err := s.store.ClearActiveWork(); err != nil {
		s.logger.Warn("Failed to reset active work document", zap.Error(err))
	}
}

// intake is the webhook sink. The HTTP handler has already authenticated
// the delivery and responded; this runs on its own goroutine.
func (s *Service) intake(ev webhook.Event) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Debug("Dropping delivery, service not running", zap.String("kind", string(ev.Kind)))
		return
	}
	ctx := s.baseCtx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.handleEvent(ctx, ev)
}

// handleEvent routes one normalized webhook event and dispatches it to the
// coordinator. Errors never propagate: a bad delivery costs at most one
// session, never the process.
func (s *Service) handleEvent(ctx context.Context, ev webhook.Event) {
	s.publishWebhook(ctx, events.WebhookReceived, ev)

	switch ev.Kind {
	case webhook.KindIssueUnassigned:
		// Stop is keyed by issue; no routing needed and labels may have
		// changed since the session started.
		err := s.coord.StopForIssue(ctx, ev.IssueID, "unassigned")
		if err != nil && !errors.Is(err, coordinator.ErrUnknownSession) && !errors.Is(err, coordinator.ErrAlreadyDone) {
			s.logger.Error("Failed to stop session for unassigned issue",
				zap.String("issue_id", ev.IssueID), zap.Error(err))
		}
		return
	case webhook.KindIssueStatusChanged:
		s.logger.Debug("Issue status changed", zap.String("issue_id", ev.IssueID))
		return
	}

	dec := s.router.Route(ctx, ev, s.domain.Current().ActiveRepositories())
	if dec == nil {
		s.publishWebhook(ctx, events.WebhookDropped, ev)
		return
	}

	s.bindEvent(ev, dec.Repository.ID)

	switch ev.Kind {
	case webhook.KindIssueAssigned:
		req := s.buildRequest(ctx, ev, dec)
		s.startSession(ctx, req)
	case webhook.KindIssueCommentMention:
		s.handleCommentMention(ctx, ev, dec)
	case webhook.KindAgentSessionCreated:
		req := s.buildRequest(ctx, ev, dec)
		req.TrackerSessionID = ev.AgentSessionID
		s.startSession(ctx, req)
	case webhook.KindAgentSessionPrompted:
		s.handleSessionPrompt(ctx, ev, dec)
	}
}

// bindEvent ties every id the delivery carries to its owning repository so
// later tracker calls dispatch to the right workspace.
func (s *Service) bindEvent(ev webhook.Event, repositoryID string) {
	s.trackers.Bind(ev.IssueID, repositoryID)
	s.trackers.Bind(ev.IssueIdentifier, repositoryID)
	s.trackers.Bind(ev.AgentSessionID, repositoryID)
	s.trackers.Bind(ev.CommentID, repositoryID)
	s.writer.CacheIssueRepository(ev.IssueID, repositoryID)
}

// buildRequest assembles a coordinator start request, enriching the webhook
// fields with a full issue fetch and applying label-based agent routing.
func (s *Service) buildRequest(ctx context.Context, ev webhook.Event, dec *router.Decision) coordinator.StartRequest {
	issue := tracker.IssueData{
		ID:         ev.IssueID,
		Identifier: ev.IssueIdentifier,
		Title:      ev.IssueTitle,
		TeamKey:    ev.TeamKey,
		Labels:     ev.Labels,
	}
	full, err := s.trackers.GetIssue(ctx, ev.IssueID)
	if err != nil {
		s.logger.Warn("Issue fetch failed, continuing with webhook fields",
			zap.String("issue_id", ev.IssueID), zap.Error(err))
	} else if full != nil {
		issue = *full
	}

	sel := runner.Selection{IssueID: ev.IssueID}
	if rt := runnerTypeFor(dec.Repository, issue.Labels); rt != "" {
		sel.RunnerType = rt
	}

	return coordinator.StartRequest{
		RepositoryID: dec.Repository.ID,
		Issue:        issue,
		Attachments:  ev.Attachments,
		UserPrompt:   ev.Prompt,
		Selection:    sel,
	}
}

func (s *Service) startSession(ctx context.Context, req coordinator.StartRequest) {
	if _, err := s.coord.Start(ctx, req); err != nil {
		switch {
		case errors.Is(err, coordinator.ErrAlreadyDone):
			s.logger.Debug("Session already finalized", zap.String("issue_id", req.Issue.ID))
		case errors.Is(err, coordinator.ErrDuplicateIssue):
			// Trackers echo a session-created delivery for sessions this
			// worker opened itself.
			s.logger.Debug("Issue already has a live session", zap.String("issue_id", req.Issue.ID))
		default:
			s.logger.Error("Failed to start session",
				zap.String("issue_id", req.Issue.ID),
				zap.String("repository_id", req.RepositoryID),
				zap.Error(err))
		}
	}
}

// handleCommentMention opens the agent session on the comment thread, so
// replies land under the mention rather than on the issue root.
func (s *Service) handleCommentMention(ctx context.Context, ev webhook.Event, dec *router.Decision) {
	req := s.buildRequest(ctx, ev, dec)
	if ev.CommentID != "" {
		res, err := s.trackers.CreateAgentSessionOnComment(ctx, ev.CommentID, req.Issue.URL)
		switch {
		case err != nil:
			s.logger.Warn("Agent session on comment failed, falling back to issue",
				zap.String("comment_id", ev.CommentID), zap.Error(err))
		case res.Success:
			req.TrackerSessionID = res.AgentSessionID
		}
	}
	s.startSession(ctx, req)
}

func (s *Service) handleSessionPrompt(ctx context.Context, ev webhook.Event, dec *router.Decision) {
	req := s.buildRequest(ctx, ev, dec)
	req.TrackerSessionID = ev.AgentSessionID
	if _, err := s.coord.Prompt(ctx, req); err != nil {
		if errors.Is(err, coordinator.ErrNotStreaming) {
			s.logger.Warn("Follow-up rejected, session runner does not stream",
				zap.String("tracker_session_id", ev.AgentSessionID))
			return
		}
		s.logger.Error("Failed to deliver prompt",
			zap.String("tracker_session_id", ev.AgentSessionID),
			zap.Error(err))
	}
}

// runnerTypeFor returns the adapter selected by the repository's label
// routing rules, or empty when no rule matches.
func runnerTypeFor(repo *config.RepositoryConfig, labels []string) string {
	for _, rule := range repo.LabelAgentRouting {
		for _, want := range rule.Labels {
			for _, have := range labels {
				if strings.EqualFold(have, want) {
					return rule.RunnerType
				}
			}
		}
	}
	return ""
}

func (s *Service) publishWebhook(ctx context.Context, eventType string, ev webhook.Event) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "orchestrator", map[string]interface{}{
		"kind":             string(ev.Kind),
		"organization_id":  ev.OrganizationID,
		"issue_id":         ev.IssueID,
		"issue_identifier": ev.IssueIdentifier,
	})
	if err := s.eventBus.Publish(ctx, eventType, event); err != nil {
		s.logger.Warn("Failed to publish webhook event", zap.Error(err))
	}
}

func (s *Service) publishWorkStatus(ctx context.Context) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(events.WorkStatusChanged, "orchestrator", map[string]interface{}{
		"accepting":       s.Accepting(),
		"active_sessions": s.coord.ActiveCount(),
	})
	if err := s.eventBus.Publish(ctx, events.WorkStatusChanged, event); err != nil {
		s.logger.Warn("Failed to publish work status", zap.Error(err))
	}
}
