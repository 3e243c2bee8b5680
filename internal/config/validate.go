package config

import (
	"fmt"
	"strings"

	"github.com/ceedaragents/cyrus/internal/cyruserr"
)

// Validate checks the document for schema and semantic errors. All problems
// are collected so a single pass reports every offending field.
func Validate(cfg *EdgeConfig) error {
	var errs []string

	seen := make(map[string]bool, len(cfg.Repositories))
	catchAlls := make(map[string][]string)

	for i := range cfg.Repositories {
		repo := &cfg.Repositories[i]
		prefix := fmt.Sprintf("repositories[%d]", i)
		if repo.ID == "" {
			errs = append(errs, prefix+".id is required")
		} else {
			prefix = fmt.Sprintf("repository %q", repo.ID)
			if seen[repo.ID] {
				errs = append(errs, fmt.Sprintf("duplicate repository id %q", repo.ID))
			}
			seen[repo.ID] = true
		}
		if repo.Name == "" {
			errs = append(errs, prefix+": name is required")
		}
		if repo.RepositoryPath == "" {
			errs = append(errs, prefix+": repositoryPath is required")
		}
		if repo.IsActive {
			if repo.TrackerToken == "" {
				errs = append(errs, prefix+": trackerToken is required for active repositories")
			}
			if repo.TrackerWorkspaceID == "" {
				errs = append(errs, prefix+": trackerWorkspaceId is required for active repositories")
			}
		}
		if repo.RoutingLabels != nil && len(repo.RoutingLabels.Include) == 0 {
			errs = append(errs, prefix+": routingLabels.include must not be empty when routingLabels is set")
		}
		if repo.RunnerType != "" && !validRunnerType(repo.RunnerType) {
			errs = append(errs, fmt.Sprintf("%s: unknown runnerType %q (valid: %s)",
				prefix, repo.RunnerType, strings.Join(RunnerTypes, ", ")))
		}
		for _, routing := range repo.LabelAgentRouting {
			if !validRunnerType(routing.RunnerType) {
				errs = append(errs, fmt.Sprintf("%s: labelAgentRouting references unknown runnerType %q",
					prefix, routing.RunnerType))
			}
			if len(routing.Labels) == 0 {
				errs = append(errs, prefix+": labelAgentRouting entry has no labels")
			}
		}
		if repo.IsActive && repo.IsCatchAll() && repo.TrackerWorkspaceID != "" {
			catchAlls[repo.TrackerWorkspaceID] = append(catchAlls[repo.TrackerWorkspaceID], repo.ID)
		}
	}

	// At most one catch-all per workspace: the router depends on this for a
	// deterministic fallback.
	for workspaceID, ids := range catchAlls {
		if len(ids) > 1 {
			errs = append(errs, fmt.Sprintf(
				"workspace %q has %d catch-all repositories (%s); at most one is allowed",
				workspaceID, len(ids), strings.Join(ids, ", ")))
		}
	}

	if len(errs) > 0 {
		return cyruserr.New(cyruserr.KindInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

func validRunnerType(t string) bool {
	for _, v := range RunnerTypes {
		if v == t {
			return true
		}
	}
	return false
}
