package config

import "reflect"

// Diff summarizes the repository-level changes between two documents.
// Added, Removed and Modified carry repository ids; OtherChanges carries the
// names of changed top-level fields.
type Diff struct {
	Added        []string `json:"added"`
	Removed      []string `json:"removed"`
	Modified     []string `json:"modified"`
	OtherChanges []string `json:"otherChanges"`
}

// Empty reports whether the diff carries no changes.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0 && len(d.OtherChanges) == 0
}

// DiffConfigs compares two documents repository-by-repository.
func DiffConfigs(old, new *EdgeConfig) Diff {
	var d Diff

	oldByID := make(map[string]*RepositoryConfig, len(old.Repositories))
	for i := range old.Repositories {
		oldByID[old.Repositories[i].ID] = &old.Repositories[i]
	}
	newByID := make(map[string]*RepositoryConfig, len(new.Repositories))
	for i := range new.Repositories {
		newByID[new.Repositories[i].ID] = &new.Repositories[i]
	}

	for i := range new.Repositories {
		repo := &new.Repositories[i]
		prev, ok := oldByID[repo.ID]
		if !ok {
			d.Added = append(d.Added, repo.ID)
			continue
		}
		if !reflect.DeepEqual(prev, repo) {
			d.Modified = append(d.Modified, repo.ID)
		}
	}
	for i := range old.Repositories {
		if _, ok := newByID[old.Repositories[i].ID]; !ok {
			d.Removed = append(d.Removed, old.Repositories[i].ID)
		}
	}

	if old.DefaultModel != new.DefaultModel {
		d.OtherChanges = append(d.OtherChanges, "defaultModel")
	}
	if old.DefaultFallbackModel != new.DefaultFallbackModel {
		d.OtherChanges = append(d.OtherChanges, "defaultFallbackModel")
	}
	if !reflect.DeepEqual(old.DisallowedTools, new.DisallowedTools) {
		d.OtherChanges = append(d.OtherChanges, "disallowedTools")
	}
	if old.GlobalSetupScript != new.GlobalSetupScript {
		d.OtherChanges = append(d.OtherChanges, "global_setup_script")
	}
	if old.NgrokAuthToken != new.NgrokAuthToken {
		d.OtherChanges = append(d.OtherChanges, "ngrokAuthToken")
	}
	if old.StripeCustomerID != new.StripeCustomerID {
		d.OtherChanges = append(d.OtherChanges, "stripeCustomerId")
	}

	return d
}
