package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/identity-ops/lifecycle/internal/diff"
	"github.com/identity-ops/lifecycle/internal/model"
)

type fakeSource struct {
	users   model.Users
	fetches int
}

func (s *fakeSource) FetchUsers(context.Context, bool) (model.Users, error) {
	s.fetches++
	return s.users, nil
}

// fakeTarget implements every stage; the errs map overrides individual
// stages with a failure or ErrStageNotImplemented.
type fakeTarget struct {
	users   model.Users
	stages  []string
	errs    map[string]error
	calls   []string
	fetches int
}

func (t *fakeTarget) Name() string     { return "faketarget" }
func (t *fakeTarget) Stages() []string { return t.stages }

func (t *fakeTarget) FetchUsers(context.Context, bool) (model.Users, error) {
	t.fetches++
	return t.users, nil
}

func (t *fakeTarget) stage(name string) error {
	if err := t.errs[name]; err != nil {
		return err
	}
	t.calls = append(t.calls, name)
	return nil
}

func (t *fakeTarget) UsersCreate(context.Context, *diff.Difference) error {
	return t.stage(StageUsersCreate)
}
func (t *fakeTarget) UsersCleanup(context.Context, *diff.Difference) error {
	return t.stage(StageUsersCleanup)
}
func (t *fakeTarget) UsersSync(context.Context, *diff.Difference) error {
	return t.stage(StageUsersSync)
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.WarnLevel)
	return zap.New(core), logs
}

func allStages() []string {
	return []string{StageUsersCreate, StageUsersCleanup, StageUsersSync}
}

func TestProcessStagesRunsInOrder(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{
		// Configured out of order on purpose.
		stages: []string{StageUsersSync, StageUsersCreate, StageUsersCleanup},
	}
	r := &Runner{Source: &fakeSource{}, Target: target, Log: zap.NewNop()}

	require.NoError(t, r.ProcessStages(context.Background(), nil))
	require.Equal(t, allStages(), target.calls)
	require.Equal(t, 1, target.fetches, "the difference is computed once per run")
}

func TestProcessStagesNoStagesConfigured(t *testing.T) {
	t.Parallel()

	log, logs := observedLogger()
	source := &fakeSource{}
	target := &fakeTarget{}
	r := &Runner{Source: source, Target: target, Log: log}

	require.NoError(t, r.ProcessStages(context.Background(), nil))
	require.Zero(t, source.fetches, "no diff may be computed without stages")
	require.Empty(t, target.calls)

	warnings := logs.FilterMessage("no stages configured, skipping target").All()
	require.Len(t, warnings, 1)
	require.Equal(t, "faketarget", warnings[0].ContextMap()["target"])
}

func TestProcessStagesSkipsUnimplemented(t *testing.T) {
	t.Parallel()

	log, logs := observedLogger()
	target := &fakeTarget{
		stages: allStages(),
		errs: map[string]error{
			StageUsersCleanup: ErrStageNotImplemented,
			StageUsersSync:    ErrStageNotImplemented,
		},
	}
	r := &Runner{Source: &fakeSource{}, Target: target, Log: log}

	require.NoError(t, r.ProcessStages(context.Background(), nil))
	require.Equal(t, []string{StageUsersCreate}, target.calls)

	warnings := logs.FilterMessage("stage not implemented, skipping").All()
	require.Len(t, warnings, 2)
	require.Equal(t, StageUsersCleanup, warnings[0].ContextMap()["stage"])
	require.Equal(t, "faketarget", warnings[0].ContextMap()["target"])
	require.Equal(t, StageUsersSync, warnings[1].ContextMap()["stage"])
}

func TestProcessStagesAbortsOnStageError(t *testing.T) {
	t.Parallel()

	boom := errors.New("crm exploded")
	target := &fakeTarget{
		stages: allStages(),
		errs:   map[string]error{StageUsersCleanup: boom},
	}
	r := &Runner{Source: &fakeSource{}, Target: target, Log: zap.NewNop()}

	err := r.ProcessStages(context.Background(), nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{StageUsersCreate}, target.calls,
		"sync must not run after cleanup failed")
}

func TestProcessStagesWarnsOnUnknownStage(t *testing.T) {
	t.Parallel()

	log, logs := observedLogger()
	target := &fakeTarget{stages: []string{"users_discombobulate", StageUsersCreate}}
	r := &Runner{Source: &fakeSource{}, Target: target, Log: log}

	require.NoError(t, r.ProcessStages(context.Background(), nil))
	require.Equal(t, []string{StageUsersCreate}, target.calls)
	require.Len(t, logs.FilterMessage("unknown stage configured, ignoring").All(), 1)
}

func TestProcessStagesInvalidScopePattern(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{stages: allStages()}
	r := &Runner{Source: &fakeSource{}, Target: target, Log: zap.NewNop()}

	err := r.ProcessStages(context.Background(), []string{"**"})
	var patternErr *diff.InvalidPatternError
	require.ErrorAs(t, err, &patternErr)
	require.Empty(t, target.calls)
}

type adjustingSource struct {
	fakeSource
	add []string
}

func (s *adjustingSource) AdjustScope(patterns []string) []string {
	return append(append([]string(nil), patterns...), s.add...)
}

type adjustingTarget struct {
	fakeTarget
	add []string
}

func (t *adjustingTarget) AdjustScope(patterns []string) []string {
	return append(append([]string(nil), patterns...), t.add...)
}

func TestEffectiveScopeCombinesAdjustments(t *testing.T) {
	t.Parallel()

	source := &adjustingSource{add: []string{"^hr-.*"}}
	target := &adjustingTarget{add: []string{"^crm-.*", "^hr-.*"}}
	r := &Runner{Source: source, Target: target, Log: zap.NewNop()}

	scope := r.effectiveScope([]string{"^proj.*"})
	require.Equal(t, []string{"^proj.*", "^hr-.*", "^crm-.*"}, scope)
}

type narrowSource struct {
	fakeSource
}

func (s *narrowSource) SupportedUserFields() []string {
	return []string{"username", "email", "locked"}
}

type narrowTarget struct {
	fakeTarget
}

func (t *narrowTarget) SupportedUserFields() []string {
	return []string{"username", "forename", "surname", "email"}
}

func TestCompareFieldsIntersection(t *testing.T) {
	t.Parallel()

	r := &Runner{
		Source: &narrowSource{},
		Target: &narrowTarget{fakeTarget: fakeTarget{stages: allStages()}},
	}
	require.Equal(t, []string{"username", "email"}, r.compareFields())

	r.Fields = []string{"username"}
	require.Equal(t, []string{"username"}, r.compareFields(), "an explicit list wins")
}

func TestCompareFieldsDefaultsToFullModel(t *testing.T) {
	t.Parallel()

	r := &Runner{Source: &fakeSource{}, Target: &fakeTarget{}}
	require.Equal(t, model.UserFields(), r.compareFields())
}
