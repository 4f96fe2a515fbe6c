package run

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/identity-ops/lifecycle/internal/config"
)

func TestNewSource(t *testing.T) {
	t.Parallel()

	t.Run("static config", func(t *testing.T) {
		source, err := NewSource(config.Section{
			"module": "staticconfig",
			"users":  []any{},
			"groups": []any{},
		}, zap.NewNop())
		require.NoError(t, err)
		require.NotNil(t, source)
	})

	t.Run("module missing", func(t *testing.T) {
		_, err := NewSource(config.Section{}, zap.NewNop())
		require.ErrorContains(t, err, "source")
	})

	t.Run("unknown module", func(t *testing.T) {
		_, err := NewSource(config.Section{"module": "csv"}, zap.NewNop())
		require.ErrorContains(t, err, `no module found for source "csv"`)
	})
}

func TestNewTarget(t *testing.T) {
	t.Parallel()

	t.Run("scim", func(t *testing.T) {
		target, err := NewTarget(config.Section{
			"module": "scim",
			"url":    "https://scim.example.org/v2",
			"token":  "token",
		}, zap.NewNop())
		require.NoError(t, err)
		require.Equal(t, "scim", target.Name())
	})

	t.Run("unknown module", func(t *testing.T) {
		_, err := NewTarget(config.Section{"module": "jira"}, zap.NewNop())
		require.ErrorContains(t, err, `no module found for target "jira"`)
	})
}

func TestRunRejectsIncompleteConfig(t *testing.T) {
	t.Parallel()

	log := zap.NewNop()

	err := Run(context.Background(), &config.Config{Targets: []config.Section{{"module": "scim"}}}, log)
	require.ErrorContains(t, err, "source config missing")

	err = Run(context.Background(), &config.Config{Source: config.Section{"module": "staticconfig"}}, log)
	require.ErrorContains(t, err, "targets config missing")
}
