// Package static is a source that serves users and groups straight out of
// the configuration file. Mostly useful for bootstrapping and for exercising
// targets without a directory at hand.
package static

import (
	"context"
	"fmt"

	"github.com/identity-ops/lifecycle/internal/config"
	"github.com/identity-ops/lifecycle/internal/model"
)

type userEntry struct {
	Username string   `yaml:"username"`
	Forename string   `yaml:"forename"`
	Surname  string   `yaml:"surname"`
	Fullname string   `yaml:"fullname"`
	Email    []string `yaml:"email"`
	Groups   []string `yaml:"groups"`
	Locked   bool     `yaml:"locked"`
}

type groupEntry struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Email       []string `yaml:"email"`
}

// Config lists the users and the groups they may reference.
//
//	source:
//	  module: staticconfig
//	  groups:
//	    - name: foobar
//	  users:
//	    - username: johnsmith
//	      fullname: "John Smith"
//	      groups: ["foobar"]
//	      email: ["john.smith@example.org"]
type Config struct {
	Users  []userEntry  `yaml:"users"`
	Groups []groupEntry `yaml:"groups"`
}

// Source implements lifecycle.Source over a Config.
type Source struct {
	cfg   Config
	users model.Users
}

// New decodes and validates the source section.
func New(section config.Section) (*Source, error) {
	var cfg Config
	if err := section.Decode(&cfg); err != nil {
		return nil, err
	}

	groupNames := make(map[string]bool, len(cfg.Groups))
	for i, g := range cfg.Groups {
		if g.Name == "" {
			return nil, fmt.Errorf("staticconfig: groups[%d] is missing %q", i, "name")
		}
		groupNames[g.Name] = true
	}
	for i, u := range cfg.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("staticconfig: users[%d] is missing %q", i, "username")
		}
		for _, ref := range u.Groups {
			if !groupNames[ref] {
				return nil, fmt.Errorf("staticconfig: user %q references unknown group %q", u.Username, ref)
			}
		}
	}

	return &Source{cfg: cfg}, nil
}

// FetchUsers materialises the configured users with their groups attached.
func (s *Source) FetchUsers(_ context.Context, refresh bool) (model.Users, error) {
	if !refresh && s.users != nil {
		return s.users, nil
	}

	groups := make(map[string]model.Group, len(s.cfg.Groups))
	for _, g := range s.cfg.Groups {
		groups[g.Name] = model.Group{
			Name:        g.Name,
			Description: g.Description,
			Email:       append([]string(nil), g.Email...),
		}
	}

	users := make(model.Users, len(s.cfg.Users))
	for _, entry := range s.cfg.Users {
		user := model.User{
			Username: entry.Username,
			Forename: entry.Forename,
			Surname:  entry.Surname,
			Fullname: entry.Fullname,
			Email:    append([]string(nil), entry.Email...),
			Locked:   entry.Locked,
		}
		for _, name := range entry.Groups {
			user.Groups = append(user.Groups, groups[name].Clone())
		}
		users[entry.Username] = user.Normalize()
	}

	s.users = users
	return users, nil
}
