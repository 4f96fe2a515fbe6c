package diff

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/identity-ops/lifecycle/internal/model"
)

func mustConfig(t *testing.T, raw RawConfig) *Config {
	t.Helper()
	cfg, err := NewConfig(raw)
	require.NoError(t, err)
	return cfg
}

func TestCalculateBasicPartitions(t *testing.T) {
	t.Parallel()

	source := model.Users{
		"test1": {Username: "test1"},
		"test2": {Username: "test2"},
	}
	target := model.Users{
		"test2": {Username: "test2"},
		"test3": {Username: "test3"},
	}
	cfg := mustConfig(t, RawConfig{Fields: []string{"username"}})

	d := Calculate(source, target, cfg)
	require.Contains(t, d.Added, "test1")
	require.Contains(t, d.Removed, "test3")
	require.Contains(t, d.Unchanged, "test2")
	require.Empty(t, d.Changed)
	require.NotContains(t, d.Added, "test2")
	require.NotContains(t, d.Removed, "test2")
}

func TestCalculateIdempotence(t *testing.T) {
	t.Parallel()

	users := model.Users{
		"a": {Username: "a", Email: []string{"a@example.org"}},
		"b": {Username: "b", Groups: []model.Group{{Name: "staff"}}},
		"c": {Username: "c", Locked: true},
	}
	cfg := mustConfig(t, RawConfig{Fields: model.UserFields()})

	d := Calculate(users, users, cfg)
	require.Empty(t, d.Added)
	require.Empty(t, d.Removed)
	require.Empty(t, d.Changed)
	require.Len(t, d.Unchanged, len(users))
}

func TestCalculateChangedUser(t *testing.T) {
	t.Parallel()

	source := model.Users{
		"test2": {Username: "test2", Groups: []model.Group{{Name: "group1"}}},
	}
	target := model.Users{
		"test2": {Username: "test2", Groups: []model.Group{{Name: "group2"}}},
	}

	t.Run("group difference marks the user changed", func(t *testing.T) {
		cfg := mustConfig(t, RawConfig{Fields: []string{"username", "groups"}})
		d := Calculate(source, target, cfg)
		require.Contains(t, d.Changed, "test2")
	})

	t.Run("uncompared fields never matter", func(t *testing.T) {
		cfg := mustConfig(t, RawConfig{Fields: []string{"username"}})
		d := Calculate(source, target, cfg)
		require.Contains(t, d.Unchanged, "test2")
	})
}

func TestCalculateOrderInsensitivity(t *testing.T) {
	t.Parallel()

	t.Run("email order", func(t *testing.T) {
		source := model.Users{
			"test1": {Username: "test1", Email: []string{"a@example.org", "b@example.org"}},
		}
		target := model.Users{
			"test1": {Username: "test1", Email: []string{"b@example.org", "a@example.org"}},
		}
		cfg := mustConfig(t, RawConfig{Fields: []string{"username", "email"}})
		d := Calculate(source, target, cfg)
		require.Contains(t, d.Unchanged, "test1")
	})

	t.Run("group order", func(t *testing.T) {
		source := model.Users{
			"test1": {Username: "test1", Groups: []model.Group{{Name: "foo"}, {Name: "bar"}}},
		}
		target := model.Users{
			"test1": {Username: "test1", Groups: []model.Group{{Name: "bar"}, {Name: "foo"}}},
		}
		cfg := mustConfig(t, RawConfig{Fields: []string{"username", "groups"}})
		d := Calculate(source, target, cfg)
		require.Contains(t, d.Unchanged, "test1")
	})

	t.Run("group email order", func(t *testing.T) {
		source := model.Users{
			"test1": {Username: "test1", Groups: []model.Group{
				{Name: "foo", Email: []string{"x@example.org", "y@example.org"}},
			}},
		}
		target := model.Users{
			"test1": {Username: "test1", Groups: []model.Group{
				{Name: "foo", Email: []string{"y@example.org", "x@example.org"}},
			}},
		}
		cfg := mustConfig(t, RawConfig{Fields: []string{"username", "groups"}})
		d := Calculate(source, target, cfg)
		require.Contains(t, d.Unchanged, "test1")
	})
}

func TestCalculateGroupAttributeDifference(t *testing.T) {
	t.Parallel()

	source := model.Users{
		"test1": {Username: "test1", Groups: []model.Group{{Name: "staff", Description: "new"}}},
	}
	target := model.Users{
		"test1": {Username: "test1", Groups: []model.Group{{Name: "staff", Description: "old"}}},
	}

	t.Run("compared attribute differs", func(t *testing.T) {
		cfg := mustConfig(t, RawConfig{Fields: []string{"username", "groups"}})
		d := Calculate(source, target, cfg)
		require.Contains(t, d.Changed, "test1")
	})

	t.Run("attribute outside group_fields is ignored", func(t *testing.T) {
		cfg := mustConfig(t, RawConfig{
			Fields:      []string{"username", "groups"},
			GroupFields: []string{"name"},
		})
		d := Calculate(source, target, cfg)
		require.Contains(t, d.Unchanged, "test1")
	})
}

func TestCalculateGroupScope(t *testing.T) {
	t.Parallel()

	t.Run("in-scope difference changes the user and merges filtered groups", func(t *testing.T) {
		source := model.Users{
			"alice": {Username: "alice", Groups: []model.Group{{Name: "proj1"}}},
		}
		target := model.Users{
			"alice": {Username: "alice", Groups: []model.Group{{Name: "proj2"}}},
		}
		cfg := mustConfig(t, RawConfig{
			Fields:         []string{"username", "groups"},
			GroupsPatterns: []string{"^proj.*"},
		})
		d := Calculate(source, target, cfg)
		require.Contains(t, d.Changed, "alice")
		require.Equal(t, []model.Group{{Name: "proj1"}}, d.Changed["alice"].Groups)
	})

	t.Run("out-of-scope groups never cause a change", func(t *testing.T) {
		source := model.Users{
			"alice": {Username: "alice", Groups: []model.Group{{Name: "proj1"}}},
		}
		target := model.Users{
			"alice": {Username: "alice", Groups: []model.Group{{Name: "proj2"}}},
		}
		cfg := mustConfig(t, RawConfig{
			Fields:         []string{"username", "groups"},
			GroupsPatterns: []string{"^division.*"},
		})
		d := Calculate(source, target, cfg)
		require.Contains(t, d.Unchanged, "alice")
	})

	t.Run("out-of-scope groups on either side are invisible", func(t *testing.T) {
		source := model.Users{
			"test1": {Username: "test1", Groups: []model.Group{{Name: "division1"}, {Name: "project1"}}},
		}
		target := model.Users{
			"test1": {Username: "test1", Groups: []model.Group{{Name: "project1"}, {Name: "division2"}}},
		}
		cfg := mustConfig(t, RawConfig{
			Fields:         []string{"username", "groups"},
			GroupsPatterns: []string{`^project\d+$`},
		})
		d := Calculate(source, target, cfg)
		require.Contains(t, d.Unchanged, "test1",
			"the in-scope group sets agree, nothing else may count")
	})

	t.Run("a target-only out-of-scope group never forces a change", func(t *testing.T) {
		source := model.Users{
			"test1": {Username: "test1", Groups: []model.Group{{Name: "project1"}}},
		}
		target := model.Users{
			"test1": {Username: "test1", Groups: []model.Group{{Name: "project1"}, {Name: "division1"}}},
		}
		cfg := mustConfig(t, RawConfig{
			Fields:         []string{"username", "groups"},
			GroupsPatterns: []string{`^project\d+$`},
		})
		d := Calculate(source, target, cfg)
		require.Contains(t, d.Unchanged, "test1")
		require.Empty(t, d.Changed)
	})

	t.Run("the merge carries only the source's in-scope groups", func(t *testing.T) {
		source := model.Users{
			"test1": {Username: "test1", Groups: []model.Group{{Name: "division1"}, {Name: "project1"}}},
		}
		target := model.Users{
			"test1": {Username: "test1", Groups: []model.Group{{Name: "project2"}}},
		}
		cfg := mustConfig(t, RawConfig{
			Fields:         []string{"username", "groups"},
			GroupsPatterns: []string{`^project\d+$`},
		})
		d := Calculate(source, target, cfg)
		require.Contains(t, d.Changed, "test1")
		require.Equal(t, []model.Group{{Name: "project1"}}, d.Changed["test1"].Groups)
	})
}

func TestCalculateMerge(t *testing.T) {
	t.Parallel()

	source := model.Users{
		"jsmith": {
			Username: "jsmith",
			Forename: "John",
			Surname:  "Smith",
			Email:    []string{"john@source.example.org"},
			Locked:   true,
		},
	}
	target := model.Users{
		"jsmith": {
			Username: "jsmith",
			Forename: "Jon",
			Surname:  "Smith",
			Fullname: "Jon Smith (CRM)",
			Email:    []string{"john@target.example.org"},
		},
	}
	cfg := mustConfig(t, RawConfig{Fields: []string{"username", "forename", "locked"}})

	d := Calculate(source, target, cfg)
	require.Contains(t, d.Changed, "jsmith")

	merged := d.Changed["jsmith"]
	// Compared fields come from the source.
	require.Equal(t, "John", merged.Forename)
	require.True(t, merged.Locked)
	// Everything else is preserved from the target.
	require.Equal(t, "Jon Smith (CRM)", merged.Fullname)
	require.Equal(t, []string{"john@target.example.org"}, merged.Email)
}

func TestCalculateLeavesSourceAlone(t *testing.T) {
	t.Parallel()

	source := model.Users{
		"test1": {Username: "test1", Groups: []model.Group{{Name: "division1"}, {Name: "project1"}}},
	}
	target := model.Users{}
	cfg := mustConfig(t, RawConfig{
		Fields:         []string{"username", "groups"},
		GroupsPatterns: []string{`^project\d+$`},
	})

	Calculate(source, target, cfg)
	require.Len(t, source["test1"].Groups, 2,
		"scope filtering must not mutate the caller's snapshot")
}

func TestMatchGroups(t *testing.T) {
	t.Parallel()

	cfg := mustConfig(t, RawConfig{
		Fields:         []string{"groups"},
		GroupsPatterns: []string{`^everyone$`, `^\w\w\d\d\d$`},
	})
	user := model.User{Username: "u", Groups: []model.Group{
		{Name: "everyone"},
		{Name: "ab123"},
		{Name: "board"},
	}}

	matched, unmatched := MatchGroups(user, cfg)
	require.Len(t, matched, 2)
	require.Len(t, unmatched, 1)
	require.Equal(t, "board", unmatched[0].Name)
}
