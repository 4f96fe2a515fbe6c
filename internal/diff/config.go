// Package diff decides, for every identity in a source and a target
// snapshot, whether it is new, removed, changed, or unchanged, and what the
// merged record for a changed identity looks like.
package diff

import (
	"regexp"

	"github.com/identity-ops/lifecycle/internal/model"
)

// RawConfig is the difference configuration as it arrives from the outside
// world, before validation.
type RawConfig struct {
	// Fields lists the User fields that matter when comparing two users,
	// e.g. ["username", "forename", "groups"].
	Fields []string `yaml:"fields"`

	// GroupsPatterns lists regular expressions a group name must fully match
	// to be in scope. Only consulted when "groups" is in Fields; defaults to
	// a single catch-all.
	GroupsPatterns []string `yaml:"groups_patterns"`

	// GroupFields lists the Group fields that matter when comparing two
	// groups of the same name. Defaults to every Group field.
	GroupFields []string `yaml:"group_fields"`
}

// Config is a validated difference configuration. Construct it with
// NewConfig; the zero value compares nothing.
type Config struct {
	Fields         []string
	GroupsPatterns []*regexp.Regexp
	GroupFields    []string
}

// userField binds a field name to its comparison and merge behaviour, so the
// engine never reflects over the User struct at diff time. The "groups"
// field is absent here on purpose: its comparison depends on the config and
// is dispatched separately.
type userField struct {
	equal func(a, b model.User) bool
	merge func(dst *model.User, src model.User)
}

var userFieldOps = map[string]userField{
	"username": {
		equal: func(a, b model.User) bool { return a.Username == b.Username },
		merge: func(dst *model.User, src model.User) { dst.Username = src.Username },
	},
	"forename": {
		equal: func(a, b model.User) bool { return a.Forename == b.Forename },
		merge: func(dst *model.User, src model.User) { dst.Forename = src.Forename },
	},
	"surname": {
		equal: func(a, b model.User) bool { return a.Surname == b.Surname },
		merge: func(dst *model.User, src model.User) { dst.Surname = src.Surname },
	},
	"fullname": {
		equal: func(a, b model.User) bool { return a.Fullname == b.Fullname },
		merge: func(dst *model.User, src model.User) { dst.Fullname = src.Fullname },
	},
	"email": {
		equal: func(a, b model.User) bool { return model.EqualStringSets(a.Email, b.Email) },
		merge: func(dst *model.User, src model.User) { dst.Email = append([]string(nil), src.Email...) },
	},
	"locked": {
		equal: func(a, b model.User) bool { return a.Locked == b.Locked },
		merge: func(dst *model.User, src model.User) { dst.Locked = src.Locked },
	},
}

var groupFieldEqual = map[string]func(a, b model.Group) bool{
	"name":        func(a, b model.Group) bool { return a.Name == b.Name },
	"description": func(a, b model.Group) bool { return a.Description == b.Description },
	"email":       func(a, b model.Group) bool { return model.EqualStringSets(a.Email, b.Email) },
}

func validUserField(name string) bool {
	if name == "groups" {
		return true
	}
	_, ok := userFieldOps[name]
	return ok
}

// NewConfig validates a raw configuration and returns a Config ready for
// Calculate. It fails with *InvalidUserFieldError, *InvalidGroupFieldError,
// or *InvalidPatternError, each naming the offending entry.
func NewConfig(raw RawConfig) (*Config, error) {
	for _, f := range raw.Fields {
		if !validUserField(f) {
			return nil, &InvalidUserFieldError{Field: f}
		}
	}

	groupFields := raw.GroupFields
	if len(groupFields) == 0 {
		groupFields = model.GroupFields()
	} else {
		for _, f := range groupFields {
			if _, ok := groupFieldEqual[f]; !ok {
				return nil, &InvalidGroupFieldError{Field: f}
			}
		}
	}

	cfg := &Config{
		Fields:      append([]string(nil), raw.Fields...),
		GroupFields: append([]string(nil), groupFields...),
	}

	if cfg.compares("groups") {
		patterns := raw.GroupsPatterns
		if len(patterns) == 0 {
			patterns = []string{".*"}
		}
		for _, p := range patterns {
			// Full-name matches only, as re.fullmatch would.
			re, err := regexp.Compile(`\A(?:` + p + `)\z`)
			if err != nil {
				return nil, &InvalidPatternError{Pattern: p, Err: err}
			}
			cfg.GroupsPatterns = append(cfg.GroupsPatterns, re)
		}
	}

	return cfg, nil
}

func (c *Config) compares(field string) bool {
	for _, f := range c.Fields {
		if f == field {
			return true
		}
	}
	return false
}
