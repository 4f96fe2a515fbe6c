package diff

import (
	"github.com/identity-ops/lifecycle/internal/model"
)

// Difference is the result of one reconciliation diff: four partitions over
// the union of source and target usernames, plus the original snapshots so
// downstream stages can compute field-level deltas. It is built once per run
// and never mutated afterwards.
type Difference struct {
	Source model.Users
	Target model.Users

	// Added holds users present in the source but absent from the target.
	Added model.Users
	// Removed holds users present in the target but absent from the source.
	Removed model.Users
	// Changed holds users present in both whose compared fields differ; the
	// stored record is the merged result of source over target.
	Changed model.Users
	// Unchanged holds users present in both with no compared difference.
	Unchanged model.Users
}

// MatchGroups partitions a user's groups into those whose name fully matches
// at least one configured pattern and those that match none. Inputs are not
// mutated.
func MatchGroups(user model.User, cfg *Config) (matched, unmatched []model.Group) {
	return matchGroups(user.Groups, cfg)
}

func matchGroups(groups []model.Group, cfg *Config) (matched, unmatched []model.Group) {
	for _, g := range groups {
		ok := false
		for _, re := range cfg.GroupsPatterns {
			if re.MatchString(g.Name) {
				ok = true
				break
			}
		}
		if ok {
			matched = append(matched, g)
		} else {
			unmatched = append(unmatched, g)
		}
	}
	return matched, unmatched
}

// scopeSource returns a copy of the source collection with every user's
// groups reduced to the in-scope subset. The caller's snapshot is left
// alone; sharing it across runs must stay safe.
func scopeSource(source model.Users, cfg *Config) model.Users {
	scoped := make(model.Users, len(source))
	for name, user := range source {
		u := user.Clone()
		matched, _ := MatchGroups(u, cfg)
		u.Groups = matched
		scoped[name] = u
	}
	return scoped
}

// usersDiffer reports whether two users differ in any configured field. The
// group comparison sees only the in-scope groups of either side; a group
// matching no pattern can never make a user changed, no matter which side
// carries it.
func usersDiffer(source, target model.User, cfg *Config) bool {
	for _, field := range cfg.Fields {
		if field == "groups" {
			sourceGroups, _ := matchGroups(source.Groups, cfg)
			targetGroups, _ := matchGroups(target.Groups, cfg)
			if groupsDiffer(sourceGroups, targetGroups, cfg) {
				return true
			}
			continue
		}
		if !userFieldOps[field].equal(source, target) {
			return true
		}
	}
	return false
}

// groupsDiffer compares two group sets by name, then attribute by attribute
// per the configured group fields. Ordering never matters.
func groupsDiffer(source, target []model.Group, cfg *Config) bool {
	if len(source) != len(target) {
		return true
	}

	targetByName := make(map[string]model.Group, len(target))
	for _, g := range target {
		targetByName[g.Name] = g
	}

	for _, sg := range source {
		tg, ok := targetByName[sg.Name]
		if !ok {
			return true
		}
		for _, field := range cfg.GroupFields {
			if !groupFieldEqual[field](sg, tg) {
				return true
			}
		}
	}
	return false
}

// mergeUsers builds the record a changed identity should end up as: every
// configured field inherited from the source, everything else kept from the
// target so locally-managed attributes survive.
func mergeUsers(source, target model.User, cfg *Config) model.User {
	merged := target.Clone()
	for _, field := range cfg.Fields {
		if field == "groups" {
			merged.Groups = nil
			for _, g := range source.Groups {
				merged.Groups = append(merged.Groups, g.Clone())
			}
			continue
		}
		userFieldOps[field].merge(&merged, source)
	}
	return merged
}

// Calculate diffs the source collection against the target collection under
// the given configuration and returns the four partitions. When groups are
// compared, out-of-scope groups are invisible: the comparison sees only the
// in-scope groups of both sides, and the source view is filtered up front so
// out-of-scope groups never reach an added user or a merged record.
func Calculate(source, target model.Users, cfg *Config) *Difference {
	if len(cfg.GroupsPatterns) > 0 {
		source = scopeSource(source, cfg)
	}

	d := &Difference{
		Source:    source,
		Target:    target,
		Added:     make(model.Users),
		Removed:   make(model.Users),
		Changed:   make(model.Users),
		Unchanged: make(model.Users),
	}

	for name, user := range source {
		if _, ok := target[name]; !ok {
			d.Added[name] = user
		}
	}
	for name, user := range target {
		if _, ok := source[name]; !ok {
			d.Removed[name] = user
		}
	}

	for name, sourceUser := range source {
		targetUser, ok := target[name]
		if !ok {
			continue
		}
		if usersDiffer(sourceUser, targetUser, cfg) {
			d.Changed[name] = mergeUsers(sourceUser, targetUser, cfg)
		} else {
			d.Unchanged[name] = sourceUser
		}
	}

	return d
}
