// Package scim reconciles users into any SCIM 2.0 service, bearer-token
// authenticated, with group memberships patched alongside the user records.
package scim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/identity-ops/lifecycle/internal/config"
	"github.com/identity-ops/lifecycle/internal/diff"
	"github.com/identity-ops/lifecycle/internal/lifecycle"
	"github.com/identity-ops/lifecycle/internal/model"
)

const (
	pageSize       = 500
	maxPages       = 20
	patchOpSchema  = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
	userSchema     = "urn:ietf:params:scim:schemas:core:2.0:User"
	groupSchema    = "urn:ietf:params:scim:schemas:core:2.0:Group"
	requestTimeout = 30 * time.Second
)

// Config carries the SCIM endpoint settings.
type Config struct {
	lifecycle.StageConfig `yaml:",inline"`

	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Target implements lifecycle.Target against a SCIM 2.0 endpoint.
type Target struct {
	cfg  Config
	log  *zap.Logger
	http *http.Client

	users model.Users
	// userIDs maps username to SCIM resource id.
	userIDs map[string]string
	// groupIDs maps group display name to SCIM resource id.
	groupIDs map[string]string
	// members maps group display name to the usernames currently in it.
	members map[string]map[string]bool
}

// New decodes and validates the target section.
func New(section config.Section, log *zap.Logger) (*Target, error) {
	var cfg Config
	cfg.Stages = []string{
		lifecycle.StageUsersCreate,
		lifecycle.StageUsersCleanup,
		lifecycle.StageUsersSync,
	}
	if err := section.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" || cfg.Token == "" {
		return nil, fmt.Errorf("scim: both 'url' and 'token' must be specified")
	}
	return &Target{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: requestTimeout},
	}, nil
}

// Name identifies the target in logs.
func (t *Target) Name() string { return "scim" }

// Stages lists the enabled stages.
func (t *Target) Stages() []string { return t.cfg.Stages }

// StageConfig exposes the shared reconciliation surface to the runner.
func (t *Target) StageConfig() lifecycle.StageConfig { return t.cfg.StageConfig }

func (t *Target) composeURL(paths ...string) (string, error) {
	uri, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		ref, err := url.Parse(p)
		if err != nil {
			return "", err
		}
		if !strings.HasSuffix(uri.Path, "/") {
			uri.Path += "/"
		}
		uri = uri.ResolveReference(ref)
	}
	return uri.String(), nil
}

func (t *Target) execute(req *http.Request) (map[string]any, error) {
	req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	res, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var body []byte
	if strings.HasPrefix(res.Header.Get("Content-Type"), "application/") {
		if body, err = io.ReadAll(res.Body); err != nil {
			return nil, err
		}
	}
	if res.StatusCode >= 300 {
		scimURL := strings.TrimPrefix(req.URL.String(), strings.TrimRight(t.cfg.URL, "/"))
		if len(body) > 0 {
			return nil, fmt.Errorf("%s SCIM %q error: %s", req.Method, scimURL, body)
		}
		return nil, fmt.Errorf("%s SCIM %q error: status code %d", req.Method, scimURL, res.StatusCode)
	}

	var response map[string]any
	if (res.StatusCode == 200 || res.StatusCode == 201) && len(body) > 0 {
		err = json.Unmarshal(body, &response)
	}
	return response, err
}

func (t *Target) postResource(ctx context.Context, resourceType string, payload any) (map[string]any, error) {
	uri, err := t.composeURL(resourceType)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return t.execute(req)
}

func (t *Target) patchResource(ctx context.Context, resourceType, resourceID string, payload any) error {
	uri, err := t.composeURL(resourceType, resourceID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, uri, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = t.execute(req)
	return err
}

func (t *Target) deleteResource(ctx context.Context, resourceType, resourceID string) error {
	uri, err := t.composeURL(resourceType, resourceID)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, uri, nil)
	if err != nil {
		return err
	}
	_, err = t.execute(req)
	return err
}

// getResources pages through a SCIM list endpoint, handing every resource
// object to cb.
func (t *Target) getResources(ctx context.Context, resourceType string, cb func(map[string]any)) error {
	base, err := t.composeURL(resourceType)
	if err != nil {
		return err
	}

	startIndex := int64(1)
	for attempt := 0; ; attempt++ {
		if attempt >= maxPages {
			return fmt.Errorf("get SCIM resource %q canceled: too many pages", resourceType)
		}

		uri, err := url.Parse(base)
		if err != nil {
			return err
		}
		q := uri.Query()
		q.Set("startIndex", strconv.FormatInt(startIndex, 10))
		q.Set("count", strconv.Itoa(pageSize))
		uri.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri.String(), nil)
		if err != nil {
			return err
		}
		page, err := t.execute(req)
		if err != nil {
			return err
		}

		if resources, ok := page["Resources"].([]any); ok {
			for _, r := range resources {
				if obj, ok := r.(map[string]any); ok {
					cb(obj)
				}
			}
		}

		itemsPerPage, ok := toInt64(page["itemsPerPage"])
		if !ok {
			return fmt.Errorf("response does not conform to SCIM specification: missing %q", "itemsPerPage")
		}
		if startIndex, ok = toInt64(page["startIndex"]); !ok {
			return fmt.Errorf("response does not conform to SCIM specification: missing %q", "startIndex")
		}
		startIndex += itemsPerPage

		totalResults, ok := toInt64(page["totalResults"])
		if !ok {
			return fmt.Errorf("response does not conform to SCIM specification: missing %q", "totalResults")
		}
		if startIndex >= totalResults {
			return nil
		}
	}
}

// FetchUsers loads groups first (for id and membership lookups), then
// users, returning them keyed by username.
func (t *Target) FetchUsers(ctx context.Context, refresh bool) (model.Users, error) {
	if !refresh && t.users != nil {
		return t.users, nil
	}

	groupNameByID := make(map[string]string)
	t.groupIDs = make(map[string]string)
	if err := t.getResources(ctx, "Groups", func(obj map[string]any) {
		id := str(obj["id"])
		name := str(obj["displayName"])
		if id == "" || name == "" {
			return
		}
		groupNameByID[id] = name
		t.groupIDs[name] = id
	}); err != nil {
		return nil, err
	}

	users := make(model.Users)
	t.userIDs = make(map[string]string)
	t.members = make(map[string]map[string]bool)
	if err := t.getResources(ctx, "Users", func(obj map[string]any) {
		user, id := parseUser(obj, groupNameByID)
		if user == nil {
			return
		}
		users[user.Username] = *user
		t.userIDs[user.Username] = id
		for _, g := range user.Groups {
			if t.members[g.Name] == nil {
				t.members[g.Name] = make(map[string]bool)
			}
			t.members[g.Name][user.Username] = true
		}
	}); err != nil {
		return nil, err
	}

	t.users = users
	return users, nil
}

func parseUser(obj map[string]any, groupNameByID map[string]string) (*model.User, string) {
	id := str(obj["id"])
	username := str(obj["userName"])
	if id == "" || username == "" {
		return nil, ""
	}

	user := model.User{
		Username: username,
		Fullname: str(obj["displayName"]),
	}
	if active, ok := obj["active"].(bool); ok {
		user.Locked = !active
	}
	if name, ok := obj["name"].(map[string]any); ok {
		user.Forename = str(name["givenName"])
		user.Surname = str(name["familyName"])
	}
	if emails, ok := obj["emails"].([]any); ok {
		for _, e := range emails {
			if eo, ok := e.(map[string]any); ok {
				if v := str(eo["value"]); v != "" {
					user.Email = append(user.Email, v)
				}
			}
		}
	}
	if groups, ok := obj["groups"].([]any); ok {
		for _, g := range groups {
			if member, ok := g.(map[string]any); ok {
				if name, ok := groupNameByID[str(member["value"])]; ok {
					user.Groups = append(user.Groups, model.Group{Name: name})
				}
			}
		}
	}
	normalized := user.Normalize()
	return &normalized, id
}

func (t *Target) userPayload(user model.User) map[string]any {
	var emails []map[string]any
	for i, e := range user.Email {
		emails = append(emails, map[string]any{"value": e, "primary": i == 0})
	}
	return map[string]any{
		"schemas":  []string{userSchema},
		"userName": user.Username,
		"name": map[string]any{
			"givenName":  user.Forename,
			"familyName": user.Surname,
		},
		"displayName": user.Fullname,
		"emails":      emails,
		"active":      !user.Locked,
	}
}

// UsersCreate posts every added user, then places it into its groups.
func (t *Target) UsersCreate(ctx context.Context, d *diff.Difference) error {
	if err := t.ensureFetched(ctx); err != nil {
		return err
	}
	for _, user := range d.Added {
		t.log.Info("creating user", zap.String("target", t.Name()), zap.String("username", user.Username))
		created, err := t.postResource(ctx, "Users", t.userPayload(user))
		if err != nil {
			return err
		}
		id := str(created["id"])
		if id == "" {
			return fmt.Errorf("scim: created user %q has no id", user.Username)
		}
		t.userIDs[user.Username] = id

		for _, g := range user.Groups {
			if err := t.addMember(ctx, g, user.Username); err != nil {
				return err
			}
		}
	}
	return nil
}

// UsersCleanup deletes every removed user.
func (t *Target) UsersCleanup(ctx context.Context, d *diff.Difference) error {
	if err := t.ensureFetched(ctx); err != nil {
		return err
	}
	for _, user := range d.Removed {
		id, ok := t.userIDs[user.Username]
		if !ok {
			continue
		}
		t.log.Info("deleting user", zap.String("target", t.Name()), zap.String("username", user.Username))
		if err := t.deleteResource(ctx, "Users", id); err != nil {
			return err
		}
	}
	return nil
}

// UsersSync patches every changed user's attributes and reconciles its
// group memberships to the merged record.
func (t *Target) UsersSync(ctx context.Context, d *diff.Difference) error {
	if err := t.ensureFetched(ctx); err != nil {
		return err
	}
	for _, user := range d.Changed {
		id, ok := t.userIDs[user.Username]
		if !ok {
			continue
		}
		t.log.Info("updating user", zap.String("target", t.Name()), zap.String("username", user.Username))

		patch := map[string]any{
			"schemas": []string{patchOpSchema},
			"Operations": []map[string]any{{
				"op":    "replace",
				"value": t.userPayload(user),
			}},
		}
		if err := t.patchResource(ctx, "Users", id, patch); err != nil {
			return err
		}
		if err := t.syncMembership(ctx, user); err != nil {
			return err
		}
	}
	return nil
}

// syncMembership makes the user's memberships match the merged record:
// missing groups are joined, memberships absent from the record are removed.
func (t *Target) syncMembership(ctx context.Context, user model.User) error {
	desired := make(map[string]bool, len(user.Groups))
	for _, g := range user.Groups {
		desired[g.Name] = true
		if !t.members[g.Name][user.Username] {
			if err := t.addMember(ctx, g, user.Username); err != nil {
				return err
			}
		}
	}
	for name, members := range t.members {
		if members[user.Username] && !desired[name] {
			if err := t.removeMember(ctx, name, user.Username); err != nil {
				return err
			}
		}
	}
	return nil
}

// addMember places the user into the group, creating the group on the
// endpoint first if it does not exist yet.
func (t *Target) addMember(ctx context.Context, group model.Group, username string) error {
	groupID, ok := t.groupIDs[group.Name]
	if !ok {
		t.log.Info("creating group", zap.String("target", t.Name()), zap.String("group", group.Name))
		created, err := t.postResource(ctx, "Groups", map[string]any{
			"schemas":     []string{groupSchema},
			"displayName": group.Name,
		})
		if err != nil {
			return err
		}
		groupID = str(created["id"])
		if groupID == "" {
			return fmt.Errorf("scim: created group %q has no id", group.Name)
		}
		t.groupIDs[group.Name] = groupID
	}

	patch := map[string]any{
		"schemas": []string{patchOpSchema},
		"Operations": []map[string]any{{
			"op":    "add",
			"path":  "members",
			"value": []map[string]any{{"value": t.userIDs[username]}},
		}},
	}
	if err := t.patchResource(ctx, "Groups", groupID, patch); err != nil {
		return err
	}
	if t.members[group.Name] == nil {
		t.members[group.Name] = make(map[string]bool)
	}
	t.members[group.Name][username] = true
	return nil
}

func (t *Target) removeMember(ctx context.Context, groupName, username string) error {
	groupID, ok := t.groupIDs[groupName]
	if !ok {
		return nil
	}
	patch := map[string]any{
		"schemas": []string{patchOpSchema},
		"Operations": []map[string]any{{
			"op":   "remove",
			"path": fmt.Sprintf("members[value eq %q]", t.userIDs[username]),
		}},
	}
	if err := t.patchResource(ctx, "Groups", groupID, patch); err != nil {
		return err
	}
	delete(t.members[groupName], username)
	return nil
}

func (t *Target) ensureFetched(ctx context.Context) error {
	if t.users != nil {
		return nil
	}
	_, err := t.FetchUsers(ctx, false)
	return err
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return int64(i), true
	}
	return 0, false
}
