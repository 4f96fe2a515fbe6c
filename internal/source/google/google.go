// Package google reads users and groups from a Google Workspace directory
// through the admin SDK, using domain-wide delegated service account
// credentials.
package google

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"golang.org/x/text/cases"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/option"

	"github.com/identity-ops/lifecycle/internal/config"
	"github.com/identity-ops/lifecycle/internal/model"
)

// Config carries the directory access settings.
//
//	source:
//	  module: google
//	  credentials_file: /etc/lifecycle/credentials.json
//	  subject: admin@example.org
//	  scope_groups:
//	    - staff@example.org
type Config struct {
	// CredentialsFile points at GCP service account JWT credentials.
	CredentialsFile string `yaml:"credentials_file"`
	// Credentials holds the JSON inline instead; handy with ksm:// refs.
	Credentials string `yaml:"credentials"`
	// Subject is the Workspace admin account to impersonate.
	Subject string `yaml:"subject"`
	// ScopeGroups restricts the walk to members of these groups, matched by
	// group email or name. Empty means every user in the customer.
	ScopeGroups []string `yaml:"scope_groups"`
}

// Source implements lifecycle.Source over a Workspace directory.
type Source struct {
	cfg   Config
	log   *zap.Logger
	users model.Users

	newDirectory func(ctx context.Context) (*admin.Service, error)
}

// New decodes and validates the source section.
func New(section config.Section, log *zap.Logger) (*Source, error) {
	var cfg Config
	if err := section.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.Subject == "" {
		return nil, errors.New("google: 'subject' must be specified")
	}
	if cfg.CredentialsFile == "" && cfg.Credentials == "" {
		return nil, errors.New("google: one of 'credentials_file' or 'credentials' must be specified")
	}

	s := &Source{cfg: cfg, log: log}
	s.newDirectory = s.dialDirectory
	return s, nil
}

func (s *Source) dialDirectory(ctx context.Context) (*admin.Service, error) {
	credentials := []byte(s.cfg.Credentials)
	if s.cfg.CredentialsFile != "" {
		var err error
		if credentials, err = os.ReadFile(s.cfg.CredentialsFile); err != nil {
			return nil, err
		}
	}

	params := google.CredentialsParams{
		Scopes: []string{
			admin.AdminDirectoryUserReadonlyScope,
			admin.AdminDirectoryGroupReadonlyScope,
			admin.AdminDirectoryGroupMemberReadonlyScope,
		},
		Subject: s.cfg.Subject,
	}
	cred, err := google.CredentialsFromJSONWithParams(ctx, credentials, params)
	if err != nil {
		return nil, fmt.Errorf("google credentials: %w", err)
	}
	return admin.NewService(ctx, option.WithCredentials(cred))
}

// FetchUsers walks the directory and returns users keyed by primary email,
// each carrying the groups it is a member of, with nested groups expanded.
func (s *Source) FetchUsers(ctx context.Context, refresh bool) (model.Users, error) {
	if !refresh && s.users != nil {
		return s.users, nil
	}

	directory, err := s.newDirectory(ctx)
	if err != nil {
		return nil, err
	}

	fold := cases.Fold()
	scope := make(map[string]bool, len(s.cfg.ScopeGroups))
	for _, g := range s.cfg.ScopeGroups {
		scope[fold.String(g)] = true
	}

	userByID := make(map[string]*model.User)
	userList, err := directory.Users.List().Customer("my_customer").Do()
	if err != nil {
		return nil, fmt.Errorf("google directory: listing users: %w", err)
	}
	for _, u := range userList.Users {
		gu := &model.User{
			Username: u.PrimaryEmail,
			Email:    []string{u.PrimaryEmail},
			Locked:   u.Suspended,
		}
		if u.Name != nil {
			gu.Forename = u.Name.GivenName
			gu.Surname = u.Name.FamilyName
			gu.Fullname = u.Name.FullName
		}
		*gu = gu.Normalize()
		userByID[u.Id] = gu
	}

	groupList, err := directory.Groups.List().Customer("my_customer").Do()
	if err != nil {
		return nil, fmt.Errorf("google directory: listing groups: %w", err)
	}
	groupByID := make(map[string]model.Group, len(groupList.Groups))
	var rootIDs []string
	for _, g := range groupList.Groups {
		groupByID[g.Id] = model.Group{
			Name:        g.Name,
			Description: g.Description,
			Email:       []string{g.Email},
		}
		if len(scope) == 0 || scope[fold.String(g.Email)] || scope[fold.String(g.Name)] {
			rootIDs = append(rootIDs, g.Id)
		}
	}
	if len(scope) > 0 && len(rootIDs) == 0 {
		return nil, errors.New("google directory: no groups matched scope_groups")
	}

	inScope := make(map[string]bool)
	if err := s.expandMembership(directory, rootIDs, userByID, groupByID, inScope); err != nil {
		return nil, err
	}

	users := make(model.Users)
	for id, u := range userByID {
		if len(scope) == 0 || inScope[id] {
			users[u.Username] = *u
		}
	}

	s.users = users
	return users, nil
}

// expandMembership walks each root group breadth-first, following embedded
// groups, attaching every root group to the users reached through it.
func (s *Source) expandMembership(directory *admin.Service, rootIDs []string,
	userByID map[string]*model.User, groupByID map[string]model.Group, inScope map[string]bool) error {

	membership := make(map[string][]string)
	for _, rootID := range rootIDs {
		rootGroup := groupByID[rootID]
		queue := []string{rootID}
		queued := map[string]bool{rootID: true}

		for len(queue) > 0 {
			gid := queue[0]
			queue = queue[1:]

			memberIDs, ok := membership[gid]
			if !ok {
				members, err := directory.Members.List(gid).Do()
				if err != nil {
					return fmt.Errorf("google directory: listing members of %s: %w", gid, err)
				}
				for _, m := range members.Members {
					memberIDs = append(memberIDs, m.Id)
				}
				membership[gid] = memberIDs
			}

			for _, mid := range memberIDs {
				if u, ok := userByID[mid]; ok {
					if !hasGroup(u.Groups, rootGroup.Name) {
						u.Groups = append(u.Groups, rootGroup.Clone())
					}
					inScope[mid] = true
				} else if _, ok := groupByID[mid]; ok && !queued[mid] {
					queue = append(queue, mid)
					queued[mid] = true
				}
			}
		}
	}
	return nil
}

func hasGroup(groups []model.Group, name string) bool {
	for _, g := range groups {
		if g.Name == name {
			return true
		}
	}
	return false
}
