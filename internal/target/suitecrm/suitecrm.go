// Package suitecrm reconciles users into a SuiteCRM instance over its
// JSON:API v8 interface, authenticating with the password grant.
package suitecrm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/identity-ops/lifecycle/internal/config"
	"github.com/identity-ops/lifecycle/internal/diff"
	"github.com/identity-ops/lifecycle/internal/lifecycle"
	"github.com/identity-ops/lifecycle/internal/model"
)

const (
	defaultPageSize = 20
	requestTimeout  = 30 * time.Second
	// Refresh the token a minute before it actually expires.
	tokenSlack = time.Minute
)

// Config carries the SuiteCRM connection and reconciliation settings.
type Config struct {
	lifecycle.StageConfig `yaml:",inline"`

	URL             string `yaml:"url"`
	APIClientID     string `yaml:"api_client_id"`
	APIClientSecret string `yaml:"api_client_secret"`
	APIUsername     string `yaml:"api_username"`
	APIPassword     string `yaml:"api_password"`
	APIPageSize     int    `yaml:"api_page_size"`

	// ExcludedUsernames are never deleted during cleanup, e.g. the service
	// account this tool authenticates as.
	ExcludedUsernames []string `yaml:"excluded_usernames"`
}

// Target implements lifecycle.Target against SuiteCRM.
type Target struct {
	cfg  Config
	log  *zap.Logger
	http *http.Client

	token       string
	tokenExpiry time.Time

	users model.Users
	// ids maps username to the SuiteCRM record id the API addresses.
	ids map[string]string
}

// New decodes and validates the target section.
func New(section config.Section, log *zap.Logger) (*Target, error) {
	var cfg Config
	cfg.Stages = []string{
		lifecycle.StageUsersCreate,
		lifecycle.StageUsersCleanup,
		lifecycle.StageUsersSync,
	}
	cfg.APIPageSize = defaultPageSize
	if err := section.Decode(&cfg); err != nil {
		return nil, err
	}

	var missing []string
	for _, required := range []struct {
		key   string
		value string
	}{
		{"url", cfg.URL},
		{"api_client_id", cfg.APIClientID},
		{"api_client_secret", cfg.APIClientSecret},
		{"api_username", cfg.APIUsername},
		{"api_password", cfg.APIPassword},
	} {
		if required.value == "" {
			missing = append(missing, required.key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("suitecrm: required keys missing: %s", strings.Join(missing, ", "))
	}

	return &Target{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: requestTimeout},
	}, nil
}

// Name identifies the target in logs.
func (t *Target) Name() string { return "suitecrm" }

// Stages lists the enabled stages.
func (t *Target) Stages() []string { return t.cfg.Stages }

// StageConfig exposes the shared reconciliation surface to the runner.
func (t *Target) StageConfig() lifecycle.StageConfig { return t.cfg.StageConfig }

func (t *Target) authenticate(ctx context.Context) error {
	form := url.Values{
		"grant_type":    {"password"},
		"client_id":     {t.cfg.APIClientID},
		"client_secret": {t.cfg.APIClientSecret},
		"username":      {t.cfg.APIUsername},
		"password":      {t.cfg.APIPassword},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		joinURL(t.cfg.URL, "/Api/access_token"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := t.do(req)
	if err != nil {
		return fmt.Errorf("suitecrm authentication: %w", err)
	}

	var grant struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &grant); err != nil {
		return fmt.Errorf("suitecrm authentication: %w", err)
	}
	if grant.AccessToken == "" {
		return errors.New("suitecrm authentication: no access token in response")
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(grant.AccessToken, &claims); err != nil {
		return fmt.Errorf("suitecrm authentication: decoding token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return errors.New("suitecrm authentication: token carries no expiry")
	}

	t.token = grant.AccessToken
	t.tokenExpiry = claims.ExpiresAt.Time
	return nil
}

func (t *Target) bearer(ctx context.Context) (string, error) {
	if t.token == "" || time.Now().Add(tokenSlack).After(t.tokenExpiry) {
		if err := t.authenticate(ctx); err != nil {
			return "", err
		}
	}
	return t.token, nil
}

// request performs an authenticated JSON:API call and returns the body.
func (t *Target) request(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, joinURL(t.cfg.URL, endpoint), body)
	if err != nil {
		return nil, err
	}
	token, err := t.bearer(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/vnd.api+json")
	req.Header.Set("Accept", "application/vnd.api+json")
	req.Header.Set("Authorization", "Bearer "+token)

	return t.do(req)
}

func (t *Target) do(req *http.Request) ([]byte, error) {
	res, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		if len(body) > 0 {
			return nil, fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, res.Status, body)
		}
		return nil, fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, res.Status)
	}
	return body, nil
}

type resourceObject struct {
	Type       string         `json:"type"`
	ID         string         `json:"id,omitempty"`
	Attributes map[string]any `json:"attributes"`
}

type listResponse struct {
	Data []struct {
		ID         string         `json:"id"`
		Attributes map[string]any `json:"attributes"`
	} `json:"data"`
	Meta struct {
		// Some SuiteCRM versions emit page metadata as strings.
		TotalPages any `json:"total-pages"`
	} `json:"meta"`
}

// FetchUsers pages through the Users module and returns them keyed by
// username. Record ids are kept aside for the write stages.
func (t *Target) FetchUsers(ctx context.Context, refresh bool) (model.Users, error) {
	if !refresh && t.users != nil {
		return t.users, nil
	}

	users := make(model.Users)
	ids := make(map[string]string)

	for page := 1; ; page++ {
		endpoint := fmt.Sprintf("/Api/V8/module/Users?page[size]=%d&page[number]=%d",
			t.cfg.APIPageSize, page)
		body, err := t.request(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		var list listResponse
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("suitecrm users page %d: %w", page, err)
		}

		for _, obj := range list.Data {
			attr := obj.Attributes
			username := str(attr["user_name"])
			if username == "" {
				continue
			}
			user := model.User{
				Username: username,
				Forename: str(attr["first_name"]),
				Surname:  str(attr["last_name"]),
				Fullname: str(attr["full_name"]),
				Locked:   !strings.EqualFold(str(attr["status"]), "active"),
			}
			if email := str(attr["email1"]); email != "" {
				user.Email = []string{email}
			}
			users[username] = user.Normalize()
			ids[username] = obj.ID
		}

		if page >= pageNumber(list.Meta.TotalPages) {
			break
		}
	}

	t.users = users
	t.ids = ids
	return users, nil
}

func (t *Target) userAttributes(user model.User) map[string]any {
	status := "Active"
	if user.Locked {
		status = "Inactive"
	}
	email := ""
	if len(user.Email) > 0 {
		email = user.Email[0]
	}
	return map[string]any{
		"user_name":          user.Username,
		"first_name":         user.Forename,
		"last_name":          user.Surname,
		"full_name":          user.Fullname,
		"name":               user.Fullname,
		"external_auth_only": 1,
		"email1":             email,
		"status":             status,
	}
}

// UsersCreate posts every added user as a new Users record.
func (t *Target) UsersCreate(ctx context.Context, d *diff.Difference) error {
	for _, user := range d.Added {
		t.log.Info("creating user", zap.String("target", t.Name()), zap.String("username", user.Username))
		payload := map[string]any{"data": resourceObject{
			Type:       "User",
			Attributes: t.userAttributes(user),
		}}
		if _, err := t.request(ctx, http.MethodPost, "/Api/V8/module", payload); err != nil {
			return err
		}
	}
	return nil
}

// UsersCleanup deletes every removed user, except the configured exclusions.
func (t *Target) UsersCleanup(ctx context.Context, d *diff.Difference) error {
	if err := t.ensureIDs(ctx); err != nil {
		return err
	}
	for _, user := range d.Removed {
		if t.excluded(user.Username) {
			t.log.Info("skipping excluded user", zap.String("target", t.Name()), zap.String("username", user.Username))
			continue
		}
		id, ok := t.ids[user.Username]
		if !ok {
			continue
		}
		t.log.Info("deleting user", zap.String("target", t.Name()), zap.String("username", user.Username))
		if _, err := t.request(ctx, http.MethodDelete, "/Api/V8/module/Users/"+id, nil); err != nil {
			return err
		}
	}
	return nil
}

// UsersSync patches every changed user with its merged record.
func (t *Target) UsersSync(ctx context.Context, d *diff.Difference) error {
	if err := t.ensureIDs(ctx); err != nil {
		return err
	}
	for _, user := range d.Changed {
		id, ok := t.ids[user.Username]
		if !ok {
			continue
		}
		t.log.Info("updating user", zap.String("target", t.Name()), zap.String("username", user.Username))
		payload := map[string]any{"data": resourceObject{
			Type:       "User",
			ID:         id,
			Attributes: t.userAttributes(user),
		}}
		if _, err := t.request(ctx, http.MethodPatch, "/Api/V8/module", payload); err != nil {
			return err
		}
	}
	return nil
}

func (t *Target) ensureIDs(ctx context.Context) error {
	if t.ids != nil {
		return nil
	}
	_, err := t.FetchUsers(ctx, false)
	return err
}

func (t *Target) excluded(username string) bool {
	for _, name := range t.cfg.ExcludedUsernames {
		if name == username {
			return true
		}
	}
	return false
}

func joinURL(base, endpoint string) string {
	return strings.TrimRight(base, "/") + endpoint
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func pageNumber(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}
