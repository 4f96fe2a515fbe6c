// Package ldap pulls users and groups out of an LDAP directory.
package ldap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ldapv3 "github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/identity-ops/lifecycle/internal/config"
	"github.com/identity-ops/lifecycle/internal/model"
)

const (
	userFilter  = "(objectClass=organizationalPerson)"
	groupFilter = "(objectClass=groupOfNames)"
)

// Config carries the connection settings.
//
//	source:
//	  module: ldap
//	  url: ldaps://ldap.example.org
//	  base_dn: dc=example,dc=org
//	  bind_dn: cn=admin,dc=example,dc=org
//	  bind_password: ${LDAP_BIND_PASSWORD}
type Config struct {
	URL           string `yaml:"url"`
	BaseDN        string `yaml:"base_dn"`
	BindDN        string `yaml:"bind_dn"`
	BindPassword  string `yaml:"bind_password"`
	AnonymousBind bool   `yaml:"anonymous_bind"`
}

// Source implements lifecycle.Source against an LDAP server.
type Source struct {
	cfg   Config
	log   *zap.Logger
	users model.Users

	// dial is swapped out by tests.
	dial func(url string) (conn, error)
}

type conn interface {
	Bind(username, password string) error
	UnauthenticatedBind(username string) error
	Search(req *ldapv3.SearchRequest) (*ldapv3.SearchResult, error)
	Close() error
}

// New decodes and validates the source section.
func New(section config.Section, log *zap.Logger) (*Source, error) {
	var cfg Config
	if err := section.Decode(&cfg); err != nil {
		return nil, err
	}

	var errs []string
	if cfg.URL == "" {
		errs = append(errs, "'url' must be specified")
	}
	if cfg.BaseDN == "" {
		errs = append(errs, "'base_dn' must be specified")
	}
	if !cfg.AnonymousBind && (cfg.BindDN == "" || cfg.BindPassword == "") {
		errs = append(errs, "either specify bind_dn and bind_password, or set anonymous_bind to true")
	}
	if len(errs) > 0 {
		return nil, errors.New("ldap: " + strings.Join(errs, "; "))
	}

	return &Source{
		cfg: cfg,
		log: log,
		dial: func(url string) (conn, error) {
			return ldapv3.DialURL(url)
		},
	}, nil
}

func (s *Source) connect() (conn, error) {
	c, err := s.dial(s.cfg.URL)
	if err != nil {
		return nil, err
	}
	if s.cfg.AnonymousBind {
		err = c.UnauthenticatedBind("")
	} else {
		err = c.Bind(s.cfg.BindDN, s.cfg.BindPassword)
	}
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ldap bind failed: %w", err)
	}
	return c, nil
}

// FetchUsers loads the directory's people, then its groups, attaching each
// group to the members it names.
func (s *Source) FetchUsers(_ context.Context, refresh bool) (model.Users, error) {
	if !refresh && s.users != nil {
		return s.users, nil
	}

	c, err := s.connect()
	if err != nil {
		return nil, err
	}
	defer c.Close()

	users, err := s.fetchPeople(c)
	if err != nil {
		return nil, err
	}
	if err := s.attachGroups(c, users); err != nil {
		return nil, err
	}

	s.users = users
	return users, nil
}

func (s *Source) fetchPeople(c conn) (model.Users, error) {
	req := ldapv3.NewSearchRequest(
		s.cfg.BaseDN, ldapv3.ScopeWholeSubtree, ldapv3.NeverDerefAliases, 0, 0, false,
		userFilter,
		[]string{"uid", "mail", "givenName", "sn", "nsAccountLock"},
		nil,
	)
	res, err := c.Search(req)
	if err != nil {
		return nil, fmt.Errorf("ldap user search: %w", err)
	}

	users := make(model.Users, len(res.Entries))
	for _, entry := range res.Entries {
		uid := entry.GetAttributeValue("uid")
		mail := entry.GetAttributeValues("mail")
		if uid == "" || len(mail) == 0 {
			continue
		}
		user := model.User{
			Username: uid,
			Forename: entry.GetAttributeValue("givenName"),
			Surname:  entry.GetAttributeValue("sn"),
			Email:    mail,
			Locked:   strings.EqualFold(entry.GetAttributeValue("nsAccountLock"), "TRUE"),
		}
		users[uid] = user.Normalize()
	}
	if len(users) == 0 && s.log != nil {
		s.log.Warn("ldap search returned no user accounts", zap.String("base_dn", s.cfg.BaseDN))
	}
	return users, nil
}

func (s *Source) attachGroups(c conn, users model.Users) error {
	req := ldapv3.NewSearchRequest(
		s.cfg.BaseDN, ldapv3.ScopeWholeSubtree, ldapv3.NeverDerefAliases, 0, 0, false,
		groupFilter,
		[]string{"cn", "description", "mail", "member"},
		nil,
	)
	res, err := c.Search(req)
	if err != nil {
		return fmt.Errorf("ldap group search: %w", err)
	}

	for _, entry := range res.Entries {
		name := entry.GetAttributeValue("cn")
		if name == "" {
			continue
		}
		group := model.Group{
			Name:        name,
			Description: entry.GetAttributeValue("description"),
			Email:       entry.GetAttributeValues("mail"),
		}
		for _, member := range entry.GetAttributeValues("member") {
			uid := uidFromDN(member)
			if uid == "" {
				continue
			}
			if user, ok := users[uid]; ok {
				user.Groups = append(user.Groups, group.Clone())
				users[uid] = user
			}
		}
	}
	return nil
}

// uidFromDN extracts the value of the first RDN, e.g.
// "uid=jsmith,cn=users,dc=example,dc=org" -> "jsmith".
func uidFromDN(dn string) string {
	first, _, _ := strings.Cut(dn, ",")
	_, value, ok := strings.Cut(first, "=")
	if !ok {
		return ""
	}
	return value
}
