// Package run wires configured source and target modules together and
// executes one reconciliation run. Both the CLI and the cloud function entry
// point go through here.
package run

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/identity-ops/lifecycle/internal/config"
	"github.com/identity-ops/lifecycle/internal/lifecycle"
	"github.com/identity-ops/lifecycle/internal/source/google"
	ldapsource "github.com/identity-ops/lifecycle/internal/source/ldap"
	"github.com/identity-ops/lifecycle/internal/source/static"
	"github.com/identity-ops/lifecycle/internal/target/scim"
	"github.com/identity-ops/lifecycle/internal/target/suitecrm"
)

// NewSource builds the source adapter a config section names.
func NewSource(section config.Section, log *zap.Logger) (lifecycle.Source, error) {
	module, err := section.Module()
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	switch module {
	case "staticconfig":
		return static.New(section)
	case "ldap":
		return ldapsource.New(section, log)
	case "google":
		return google.New(section, log)
	}
	return nil, fmt.Errorf("no module found for source %q", module)
}

// NewTarget builds the target adapter a config section names.
func NewTarget(section config.Section, log *zap.Logger) (lifecycle.Target, error) {
	module, err := section.Module()
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	switch module {
	case "suitecrm":
		return suitecrm.New(section, log)
	case "scim":
		return scim.New(section, log)
	}
	return nil, fmt.Errorf("no module found for target %q", module)
}

// stageConfigured is satisfied by every built-in target; it hands the
// runner the target's comparison surface.
type stageConfigured interface {
	StageConfig() lifecycle.StageConfig
}

// Run executes the configured reconciliation: fetch the source once, then
// process each target's stages in order. Each target gets its own runner
// and its own diff against a fresh view of that target.
func Run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.Source == nil {
		return fmt.Errorf("source config missing")
	}
	if len(cfg.Targets) == 0 {
		return fmt.Errorf("targets config missing")
	}

	source, err := NewSource(cfg.Source, log)
	if err != nil {
		return err
	}
	if _, err := source.FetchUsers(ctx, true); err != nil {
		return fmt.Errorf("fetching source users: %w", err)
	}

	for i, section := range cfg.Targets {
		target, err := NewTarget(section, log)
		if err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}

		runner := &lifecycle.Runner{
			Source: source,
			Target: target,
			Log:    log,
		}
		var scope []string
		if sc, ok := target.(stageConfigured); ok {
			stageCfg := sc.StageConfig()
			runner.Fields = stageCfg.Fields
			runner.GroupFields = stageCfg.GroupFields
			scope = stageCfg.GroupsPatterns
		}
		if err := runner.ProcessStages(ctx, scope); err != nil {
			return fmt.Errorf("target %s: %w", target.Name(), err)
		}
	}
	return nil
}
