package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/identity-ops/lifecycle/internal/diff"
	"github.com/identity-ops/lifecycle/internal/model"
)

// Runner sequences the reconciliation stages for one target against one
// source. It computes the Difference once per run and executes the enabled
// stages strictly in StageOrder. Runners against different targets are
// independent; nothing here is shared.
type Runner struct {
	Source Source
	Target Target
	Log    *zap.Logger

	// Fields are the user fields compared and merged. Empty means the
	// intersection of what the source and the target support.
	Fields []string

	// GroupFields are the group attributes compared when "groups" is among
	// Fields. Empty means every group attribute.
	GroupFields []string
}

// ProcessStages fetches both snapshots, computes the difference under the
// given group scope, and dispatches the target's enabled stages. A target
// stage returning ErrStageNotImplemented is warned about and skipped; any
// other stage error aborts the run and propagates unmodified.
func (r *Runner) ProcessStages(ctx context.Context, scopePatterns []string) error {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}

	stages := r.Target.Stages()
	if len(stages) == 0 {
		log.Warn("no stages configured, skipping target",
			zap.String("target", r.Target.Name()))
		return nil
	}
	enabled := make(map[string]bool, len(stages))
	for _, s := range stages {
		if !knownStage(s) {
			log.Warn("unknown stage configured, ignoring",
				zap.String("stage", s),
				zap.String("target", r.Target.Name()))
			continue
		}
		enabled[s] = true
	}

	d, err := r.calculateDifference(ctx, scopePatterns)
	if err != nil {
		return err
	}
	log.Info("difference computed",
		zap.String("target", r.Target.Name()),
		zap.Int("added", len(d.Added)),
		zap.Int("removed", len(d.Removed)),
		zap.Int("changed", len(d.Changed)),
		zap.Int("unchanged", len(d.Unchanged)))

	for _, stage := range StageOrder {
		if !enabled[stage] {
			continue
		}
		if err := r.runStage(ctx, stage, d); err != nil {
			if errors.Is(err, ErrStageNotImplemented) {
				log.Warn("stage not implemented, skipping",
					zap.String("stage", stage),
					zap.String("target", r.Target.Name()))
				continue
			}
			return err
		}
	}
	return nil
}

func (r *Runner) runStage(ctx context.Context, stage string, d *diff.Difference) error {
	switch stage {
	case StageUsersCreate:
		return r.Target.UsersCreate(ctx, d)
	case StageUsersCleanup:
		return r.Target.UsersCleanup(ctx, d)
	case StageUsersSync:
		return r.Target.UsersSync(ctx, d)
	}
	return fmt.Errorf("unknown stage %q", stage)
}

func knownStage(name string) bool {
	for _, s := range StageOrder {
		if s == name {
			return true
		}
	}
	return false
}

// calculateDifference builds the diff config and computes the Difference
// from fresh-enough snapshots of both sides.
func (r *Runner) calculateDifference(ctx context.Context, scopePatterns []string) (*diff.Difference, error) {
	cfg, err := diff.NewConfig(diff.RawConfig{
		Fields:         r.compareFields(),
		GroupsPatterns: r.effectiveScope(scopePatterns),
		GroupFields:    r.GroupFields,
	})
	if err != nil {
		return nil, err
	}

	sourceUsers, err := r.Source.FetchUsers(ctx, false)
	if err != nil {
		return nil, err
	}
	targetUsers, err := r.Target.FetchUsers(ctx, false)
	if err != nil {
		return nil, err
	}
	return diff.Calculate(sourceUsers, targetUsers, cfg), nil
}

// effectiveScope lets the source and the target each adjust the caller's
// group scope, then combines both adjusted sets, first occurrence wins.
func (r *Runner) effectiveScope(patterns []string) []string {
	sourceScope := adjustScope(r.Source, patterns)
	targetScope := adjustScope(r.Target, patterns)

	var combined []string
	seen := make(map[string]bool)
	for _, p := range append(sourceScope, targetScope...) {
		if seen[p] {
			continue
		}
		seen[p] = true
		combined = append(combined, p)
	}
	return combined
}

func adjustScope(v any, patterns []string) []string {
	if a, ok := v.(ScopeAdjuster); ok {
		return a.AdjustScope(patterns)
	}
	return patterns
}

// compareFields resolves the user fields in play: an explicit list wins,
// otherwise the intersection of what both sides support, in model order.
func (r *Runner) compareFields() []string {
	if len(r.Fields) > 0 {
		return r.Fields
	}

	sourceFields := supportedFields(r.Source)
	targetFields := supportedFields(r.Target)
	inTarget := make(map[string]bool, len(targetFields))
	for _, f := range targetFields {
		inTarget[f] = true
	}

	var fields []string
	for _, f := range sourceFields {
		if inTarget[f] {
			fields = append(fields, f)
		}
	}
	return fields
}

func supportedFields(v any) []string {
	if s, ok := v.(SupportedFieldsReporter); ok {
		return s.SupportedUserFields()
	}
	return model.UserFields()
}
