// Package lifecycle defines the contracts between the reconciliation core
// and the source/target adapters, and the orchestrator that sequences the
// reconciliation stages against a target.
package lifecycle

import (
	"context"
	"errors"

	"github.com/identity-ops/lifecycle/internal/diff"
	"github.com/identity-ops/lifecycle/internal/model"
)

// ErrStageNotImplemented is returned (possibly wrapped) by a target stage
// method the target does not support. The orchestrator warns and moves on;
// any other stage error aborts the run.
var ErrStageNotImplemented = errors.New("stage not implemented")

// Canonical stage names, in the order they run.
const (
	StageUsersCreate  = "users_create"
	StageUsersCleanup = "users_cleanup"
	StageUsersSync    = "users_sync"
)

// StageOrder is the fixed sequence stages execute in. Create runs first
// because sync and cleanup may depend on identities it creates; cleanup runs
// before sync so sync never patches records about to disappear.
var StageOrder = []string{StageUsersCreate, StageUsersCleanup, StageUsersSync}

// Source is a system treated as authoritative for identity data.
type Source interface {
	// FetchUsers returns the full current snapshot keyed by username. With
	// refresh=false a snapshot cached from an earlier call may be returned;
	// refresh=true forces a re-fetch.
	FetchUsers(ctx context.Context, refresh bool) (model.Users, error)
}

// Target is a system to be reconciled to match a source.
type Target interface {
	Source

	// Name identifies the target in logs and warnings.
	Name() string

	// Stages lists the stage names enabled for this target.
	Stages() []string

	// UsersCreate creates the Difference's added users on the target.
	UsersCreate(ctx context.Context, d *diff.Difference) error
	// UsersCleanup removes the Difference's removed users from the target.
	UsersCleanup(ctx context.Context, d *diff.Difference) error
	// UsersSync applies the Difference's changed users to the target.
	UsersSync(ctx context.Context, d *diff.Difference) error
}

// ScopeAdjuster may be implemented by a source or target that needs to widen
// or narrow the caller-supplied group scope before the diff is computed.
type ScopeAdjuster interface {
	AdjustScope(patterns []string) []string
}

// SupportedFieldsReporter may be implemented by a source or target that only
// carries a subset of the user model. Unimplemented means the full model.
type SupportedFieldsReporter interface {
	SupportedUserFields() []string
}
