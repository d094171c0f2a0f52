package domain

import (
	"context"
	"time"
)

// QuotaCommit describes the single atomic write of the usage increment
// flow: a version-checked counter bump (when the decision allows) plus the
// idempotency record, committed together or not at all.
type QuotaCommit struct {
	UserID         string
	FeatureID      FeatureID
	PeriodKey      string
	ExpectVersion  int64
	Increment      bool
	IdempotencyKey string
	Decision       Decision
	Now            time.Time
}

// QuotaLedger is the server-authoritative store of usage counters and
// idempotency records.
type QuotaLedger interface {
	// GetUserEntitlements reads the user's current plan and per-user
	// overrides. Returns ErrNotFound for unknown users.
	GetUserEntitlements(ctx context.Context, userID string) (Plan, map[FeatureID]UserOverride, error)
	// GetBucket reads the current usage bucket. A missing bucket comes
	// back zero-valued with Version 0.
	GetBucket(ctx context.Context, userID string, featureID FeatureID, periodKey string) (UsageBucket, error)
	// GetIdempotency returns the Decision stored for an unexpired key, or
	// ErrNotFound.
	GetIdempotency(ctx context.Context, userID string, featureID FeatureID, key string) (*Decision, error)
	// Commit applies a QuotaCommit atomically. Returns ErrVersionConflict
	// when the bucket moved underneath the caller and ErrDuplicateOperation
	// when the idempotency key was committed concurrently. An expired,
	// not-yet-purged idempotency record is reclaimed as a fresh commit.
	Commit(ctx context.Context, commit QuotaCommit) error
	// PurgeExpiredIdempotency removes records past their expiry and
	// reports how many were deleted.
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

// LegacySource is progress data written by an older schema or a
// pre-consolidation store, used only during reconciler repair.
type LegacySource struct {
	Name           string
	Dates          []string
	CurrentStreak  int
	BestStreak     int
	XPTotal        int64
	AchievementIDs []string
	TotalSessions  int
	ItemsReviewed  int
	StudyMinutes   int
}

// ProgressStore is the server-authoritative store of consolidated progress
// records.
type ProgressStore interface {
	// Get returns the record and its optimistic version. ErrNotFound when
	// the user has no record yet.
	Get(ctx context.Context, userID string) (*ProgressRecord, int64, error)
	// Put writes the record if the stored version still equals
	// expectVersion. expectVersion 0 inserts a new record. Returns
	// ErrVersionConflict on a lost race.
	Put(ctx context.Context, userID string, rec *ProgressRecord, expectVersion int64) error
	// ListLegacySources returns all alternate data sources known for the
	// user, oldest first.
	ListLegacySources(ctx context.Context, userID string) ([]LegacySource, error)
	// ListUnhealthy returns ids of users whose records need repair, for
	// the background sweep.
	ListUnhealthy(ctx context.Context, limit int) ([]string, error)
}

// UserRepository exposes the slice of the user record the progress ledger
// needs: the current plan, read fresh per update.
type UserRepository interface {
	GetPlan(ctx context.Context, userID string) (Plan, error)
}
