package static

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/identity-ops/lifecycle/internal/config"
	"github.com/identity-ops/lifecycle/internal/model"
)

func section() config.Section {
	return config.Section{
		"module": "staticconfig",
		"groups": []any{
			map[string]any{"name": "foobar", "email": []any{"foobar@example.org"}},
			map[string]any{"name": "empty"},
		},
		"users": []any{
			map[string]any{
				"username": "johnsmith",
				"fullname": "John Smith",
				"groups":   []any{"foobar"},
				"email":    []any{"john.smith@example.org", "john.smith@example.test"},
			},
			map[string]any{
				"username": "jimsmyth",
				"fullname": "Jim Smyth",
				"locked":   true,
			},
		},
	}
}

func TestFetchUsers(t *testing.T) {
	t.Parallel()

	source, err := New(section())
	require.NoError(t, err)

	users, err := source.FetchUsers(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, users, 2)

	john := users["johnsmith"]
	require.Equal(t, "John", john.Forename, "names are normalized on load")
	require.Equal(t, "Smith", john.Surname)
	require.Len(t, john.Email, 2)
	require.Len(t, john.Groups, 1)
	require.Equal(t, "foobar", john.Groups[0].Name)
	require.Equal(t, []string{"foobar@example.org"}, john.Groups[0].Email)

	jim := users["jimsmyth"]
	require.True(t, jim.Locked)
	require.Empty(t, jim.Groups)
}

func TestFetchUsersCaches(t *testing.T) {
	t.Parallel()

	source, err := New(section())
	require.NoError(t, err)

	first, err := source.FetchUsers(context.Background(), false)
	require.NoError(t, err)
	first["sentinel"] = model.User{Username: "sentinel"}

	again, err := source.FetchUsers(context.Background(), false)
	require.NoError(t, err)
	require.Contains(t, again, "sentinel", "refresh=false must return the cached snapshot")

	fresh, err := source.FetchUsers(context.Background(), true)
	require.NoError(t, err)
	require.NotContains(t, fresh, "sentinel")
}

func TestValidation(t *testing.T) {
	t.Parallel()

	t.Run("unknown user key", func(t *testing.T) {
		_, err := New(config.Section{
			"module": "staticconfig",
			"groups": []any{},
			"users": []any{
				map[string]any{"username": "x", "usernmae": "typo"},
			},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "usernmae")
	})

	t.Run("missing username", func(t *testing.T) {
		_, err := New(config.Section{
			"module": "staticconfig",
			"groups": []any{},
			"users":  []any{map[string]any{"fullname": "No Name"}},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "username")
	})

	t.Run("missing group name", func(t *testing.T) {
		_, err := New(config.Section{
			"module": "staticconfig",
			"groups": []any{map[string]any{"description": "nameless"}},
			"users":  []any{},
		})
		require.Error(t, err)
	})

	t.Run("reference to unknown group", func(t *testing.T) {
		_, err := New(config.Section{
			"module": "staticconfig",
			"groups": []any{},
			"users": []any{
				map[string]any{"username": "x", "groups": []any{"ghosts"}},
			},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "ghosts")
	})
}
