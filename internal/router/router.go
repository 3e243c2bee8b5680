// Package router decides which repository configuration owns an inbound
// webhook event. Selection order: team-key exact match, label include/
// exclude with priority, workspace catch-all, drop.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/webhook"
)

// Rule identifies which selection step matched.
type Rule string

const (
	RuleTeamKey  Rule = "team_key"
	RuleLabels   Rule = "labels"
	RuleCatchAll Rule = "catch_all"
)

// Decision is a successful route.
type Decision struct {
	Repository *config.RepositoryConfig
	Rule       Rule

	// MatchedLabels holds the include labels that selected the repository,
	// in issue label order. Set only for RuleLabels.
	MatchedLabels []string
}

// LabelFetcher resolves an issue's labels when the delivery did not include
// them. Implementations call the tracker API for the event's workspace.
type LabelFetcher interface {
	IssueLabels(ctx context.Context, ev webhook.Event) ([]string, error)
}

// Stats counts routing outcomes since startup.
type Stats struct {
	Routed  int64 `json:"routed"`
	Dropped int64 `json:"dropped"`
}

// Router is stateless apart from its counters and safe for concurrent use.
type Router struct {
	labels  LabelFetcher
	logger  *logger.Logger
	routed  atomic.Int64
	dropped atomic.Int64
}

// New creates a router. labels may be nil when no tracker client is
// available; label routing then only sees labels carried by the delivery.
func New(labels LabelFetcher, log *logger.Logger) *Router {
	return &Router{
		labels: labels,
		logger: log.WithFields(zap.String("component", "router")),
	}
}

// Stats returns routing counters.
func (r *Router) Stats() Stats {
	return Stats{Routed: r.routed.Load(), Dropped: r.dropped.Load()}
}

// Route picks the owning repository for an event, or nil when the event
// should be dropped. Steps are tried in order and never revisited.
func (r *Router) Route(ctx context.Context, ev webhook.Event, repos []config.RepositoryConfig) *Decision {
	active := make([]*config.RepositoryConfig, 0, len(repos))
	for i := range repos {
		if repos[i].IsActive {
			active = append(active, &repos[i])
		}
	}

	if d := r.routeByTeamKey(ev, active); d != nil {
		r.routed.Add(1)
		return d
	}
	if d := r.routeByLabels(ctx, ev, active); d != nil {
		r.routed.Add(1)
		return d
	}
	if d := r.routeCatchAll(ev, active); d != nil {
		r.routed.Add(1)
		return d
	}

	r.dropped.Add(1)
	r.logger.Warn("No repository matched, dropping webhook",
		zap.String("issue_id", ev.IssueID),
		zap.String("issue_identifier", ev.IssueIdentifier),
		zap.String("team_key", ev.TeamKey),
		zap.String("organization_id", ev.OrganizationID),
		zap.Int64("dropped_total", r.dropped.Load()))
	return nil
}

func (r *Router) routeByTeamKey(ev webhook.Event, active []*config.RepositoryConfig) *Decision {
	if ev.TeamKey == "" {
		return nil
	}
	var matches []*config.RepositoryConfig
	for _, repo := range active {
		if repo.HasTeamKey(ev.TeamKey) {
			matches = append(matches, repo)
		}
	}
	switch len(matches) {
	case 1:
		r.logger.Info("Routed by team key",
			zap.String("issue_identifier", ev.IssueIdentifier),
			zap.String("team_key", ev.TeamKey),
			zap.String("repository_id", matches[0].ID))
		return &Decision{Repository: matches[0], Rule: RuleTeamKey}
	case 0:
		return nil
	default:
		r.logger.Debug("Team key claimed by multiple repositories, trying labels",
			zap.String("team_key", ev.TeamKey),
			zap.Int("claimants", len(matches)))
		return nil
	}
}

func (r *Router) routeByLabels(ctx context.Context, ev webhook.Event, active []*config.RepositoryConfig) *Decision {
	labels := ev.Labels
	if labels == nil && r.labels != nil {
		fetched, err := r.labels.IssueLabels(ctx, ev)
		if err != nil {
			r.logger.Warn("Label fetch failed, falling through to catch-all",
				zap.String("issue_id", ev.IssueID),
				zap.Error(err))
			return nil
		}
		labels = fetched
	}
	if len(labels) == 0 {
		return nil
	}

	var (
		best        *config.RepositoryConfig
		bestMatched []string
	)
	for _, repo := range active {
		rl := repo.RoutingLabels
		if rl == nil {
			continue
		}
		if containsAny(labels, rl.Exclude) {
			continue
		}
		matched := intersect(labels, rl.Include)
		if len(matched) == 0 {
			continue
		}
		// Strictly-greater keeps configuration order on priority ties.
		if best == nil || rl.Priority > best.RoutingLabels.Priority {
			best = repo
			bestMatched = matched
		}
	}
	if best == nil {
		return nil
	}

	r.logger.Info(fmt.Sprintf("Routed by labels: %s", strings.Join(bestMatched, ", ")),
		zap.String("issue_identifier", ev.IssueIdentifier),
		zap.String("repository_id", best.ID),
		zap.Int("priority", best.RoutingLabels.Priority))
	return &Decision{Repository: best, Rule: RuleLabels, MatchedLabels: bestMatched}
}

func (r *Router) routeCatchAll(ev webhook.Event, active []*config.RepositoryConfig) *Decision {
	if ev.OrganizationID == "" {
		return nil
	}
	var catchAlls []*config.RepositoryConfig
	for _, repo := range active {
		if repo.TrackerWorkspaceID == ev.OrganizationID && repo.IsCatchAll() {
			catchAlls = append(catchAlls, repo)
		}
	}
	switch len(catchAlls) {
	case 1:
		r.logger.Info("Routed to workspace catch-all",
			zap.String("issue_identifier", ev.IssueIdentifier),
			zap.String("organization_id", ev.OrganizationID),
			zap.String("repository_id", catchAlls[0].ID))
		return &Decision{Repository: catchAlls[0], Rule: RuleCatchAll}
	case 0:
		return nil
	default:
		ids := make([]string, len(catchAlls))
		for i, repo := range catchAlls {
			ids[i] = repo.ID
		}
		r.logger.Error("Multiple catch-all repositories for workspace, rejecting event",
			zap.String("organization_id", ev.OrganizationID),
			zap.Strings("repository_ids", ids))
		return nil
	}
}

func containsAny(labels, wanted []string) bool {
	for _, l := range labels {
		for _, w := range wanted {
			if l == w {
				return true
			}
		}
	}
	return false
}

// intersect returns the labels also present in include, preserving issue
// label order.
func intersect(labels, include []string) []string {
	var out []string
	for _, l := range labels {
		for _, inc := range include {
			if l == inc {
				out = append(out, l)
				break
			}
		}
	}
	return out
}
