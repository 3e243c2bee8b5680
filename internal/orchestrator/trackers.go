package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/cyruserr"
	"github.com/ceedaragents/cyrus/internal/tracker"
	"github.com/ceedaragents/cyrus/internal/tracker/linear"
	"github.com/ceedaragents/cyrus/internal/webhook"
)

// RepositoryProvider supplies the current repository configuration. The
// config manager satisfies it; tests use a static snapshot.
type RepositoryProvider interface {
	Current() *config.EdgeConfig
	Repository(id string) *config.RepositoryConfig
}

// clientEntry caches one repository's tracker client together with the
// token it was built from, so a credential rotation on reload replaces it.
type clientEntry struct {
	token  string
	client tracker.Client
}

// TrackerRegistry fans tracker calls out to the client owning each call's
// repository. Repositories can live in different tracker workspaces with
// different tokens, so every issue, comment, and agent session id is bound
// to its repository when routing decides ownership; later calls resolve
// through those bindings.
//
// It implements tracker.Client for the session coordinator and
// router.LabelFetcher for the router.
type TrackerRegistry struct {
	repos  RepositoryProvider
	logger *logger.Logger

	// newClient builds the per-repository client; tests swap it for a
	// shared Recorder.
	newClient func(token, workspaceID string, log *logger.Logger) tracker.Client

	mu       sync.Mutex
	clients  map[string]clientEntry // by repository id
	bindings map[string]string      // issue/comment/session id -> repository id
}

var _ tracker.Client = (*TrackerRegistry)(nil)

// NewTrackerRegistry creates an empty registry. Clients are built lazily on
// the first call that needs them.
func NewTrackerRegistry(repos RepositoryProvider, log *logger.Logger) *TrackerRegistry {
	r := &TrackerRegistry{
		repos:    repos,
		logger:   log.WithFields(zap.String("component", "tracker-registry")),
		clients:  make(map[string]clientEntry),
		bindings: make(map[string]string),
	}
	r.newClient = func(token, workspaceID string, l *logger.Logger) tracker.Client {
		return linear.NewClient(token, workspaceID, l)
	}
	return r
}

// Bind records that key (an issue id, issue identifier, comment id, or
// agent session id) belongs to the given repository. Rebinding overwrites.
func (r *TrackerRegistry) Bind(key, repositoryID string) {
	if key == "" || repositoryID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[key] = repositoryID
}

// RepositoryFor returns the repository bound to the given key.
func (r *TrackerRegistry) RepositoryFor(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.bindings[key]
	return id, ok
}

// clientFor resolves the client for a bound key.
func (r *TrackerRegistry) clientFor(key string) (tracker.Client, error) {
	r.mu.Lock()
	repoID, ok := r.bindings[key]
	r.mu.Unlock()
	if !ok {
		return nil, cyruserr.Newf(cyruserr.KindInvalidConfig, "no repository bound for tracker key %q", key)
	}
	return r.clientForRepository(repoID)
}

// clientForRepository returns the cached client for a repository, building
// or rebuilding it when missing or when the token changed.
func (r *TrackerRegistry) clientForRepository(repoID string) (tracker.Client, error) {
	repo := r.repos.Repository(repoID)
	if repo == nil {
		return nil, cyruserr.Newf(cyruserr.KindInvalidConfig, "unknown repository %q", repoID)
	}
	if repo.TrackerToken == "" {
		return nil, cyruserr.Newf(cyruserr.KindInvalidConfig, "repository %q has no tracker token", repoID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.clients[repoID]; ok && entry.token == repo.TrackerToken {
		return entry.client, nil
	}
	client := r.newClient(repo.TrackerToken, repo.TrackerWorkspaceID, r.logger)
	r.clients[repoID] = clientEntry{token: repo.TrackerToken, client: client}
	r.logger.Debug("Tracker client created",
		zap.String("repository_id", repoID),
		zap.String("workspace_id", repo.TrackerWorkspaceID))
	return client, nil
}

// anyClient returns a client for the first active repository, for calls
// that carry no routing key of their own.
func (r *TrackerRegistry) anyClient() (tracker.Client, error) {
	for _, repo := range r.repos.Current().ActiveRepositories() {
		if repo.TrackerToken == "" {
			continue
		}
		return r.clientForRepository(repo.ID)
	}
	return nil, cyruserr.New(cyruserr.KindInvalidConfig, "no active repository with a tracker token")
}

// workspaceClient returns a client for the workspace an event came from.
func (r *TrackerRegistry) workspaceClient(organizationID string) (tracker.Client, error) {
	for _, repo := range r.repos.Current().ActiveRepositories() {
		if repo.TrackerWorkspaceID == organizationID && repo.TrackerToken != "" {
			return r.clientForRepository(repo.ID)
		}
	}
	return nil, cyruserr.Newf(cyruserr.KindInvalidConfig, "no repository serves tracker workspace %q", organizationID)
}

// IssueLabels implements router.LabelFetcher: it fetches an issue's labels
// through the workspace the delivery came from.
func (r *TrackerRegistry) IssueLabels(ctx context.Context, ev webhook.Event) ([]string, error) {
	client, err := r.workspaceClient(ev.OrganizationID)
	if err != nil {
		return nil, err
	}
	issue, err := client.GetIssue(ctx, ev.IssueID)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return nil, nil
	}
	return issue.Labels, nil
}

// GetIssue implements tracker.Client.
func (r *TrackerRegistry) GetIssue(ctx context.Context, issueID string) (*tracker.IssueData, error) {
	client, err := r.clientFor(issueID)
	if err != nil {
		return nil, err
	}
	return client.GetIssue(ctx, issueID)
}

// CreateAgentSessionOnIssue implements tracker.Client. The returned agent
// session id inherits the issue's repository binding.
func (r *TrackerRegistry) CreateAgentSessionOnIssue(ctx context.Context, issueID, externalLink string) (*tracker.SessionResult, error) {
	client, err := r.clientFor(issueID)
	if err != nil {
		return nil, err
	}
	res, err := client.CreateAgentSessionOnIssue(ctx, issueID, externalLink)
	if err == nil && res != nil && res.Success {
		if repoID, ok := r.RepositoryFor(issueID); ok {
			r.Bind(res.AgentSessionID, repoID)
		}
	}
	return res, err
}

// CreateAgentSessionOnComment implements tracker.Client. The comment id
// must have been bound when the mention was routed.
func (r *TrackerRegistry) CreateAgentSessionOnComment(ctx context.Context, commentID, externalLink string) (*tracker.SessionResult, error) {
	client, err := r.clientFor(commentID)
	if err != nil {
		return nil, err
	}
	res, err := client.CreateAgentSessionOnComment(ctx, commentID, externalLink)
	if err == nil && res != nil && res.Success {
		if repoID, ok := r.RepositoryFor(commentID); ok {
			r.Bind(res.AgentSessionID, repoID)
		}
	}
	return res, err
}

// PostActivity implements tracker.Client.
func (r *TrackerRegistry) PostActivity(ctx context.Context, agentSessionID string, content tracker.ActivityContent, ephemeral bool) (string, error) {
	client, err := r.clientFor(agentSessionID)
	if err != nil {
		return "", err
	}
	return client.PostActivity(ctx, agentSessionID, content, ephemeral)
}

// UpdateIssueState implements tracker.Client.
func (r *TrackerRegistry) UpdateIssueState(ctx context.Context, issueID string, stateType tracker.IssueStateType) error {
	client, err := r.clientFor(issueID)
	if err != nil {
		return err
	}
	return client.UpdateIssueState(ctx, issueID, stateType)
}

// UploadFile implements tracker.Client. Uploads carry no routing key, so
// they go through the first active repository's workspace.
func (r *TrackerRegistry) UploadFile(ctx context.Context, path, filename, contentType string, makePublic bool) (*tracker.UploadResult, error) {
	client, err := r.anyClient()
	if err != nil {
		return nil, err
	}
	return client.UploadFile(ctx, path, filename, contentType, makePublic)
}
