package domain

import (
	"fmt"
	"strings"
	"time"
)

// FeatureID names a quota-gated feature.
type FeatureID string

// Granularity selects the time bucket a feature's usage is counted in.
type Granularity string

const (
	GranularityDaily   Granularity = "daily"
	GranularityMonthly Granularity = "monthly"
)

// DecisionReason explains an allow/deny verdict.
type DecisionReason string

const (
	ReasonOK               DecisionReason = "ok"
	ReasonLimitReached     DecisionReason = "limit_reached"
	ReasonNoPermission     DecisionReason = "no_permission"
	ReasonLifecycleBlocked DecisionReason = "lifecycle_blocked"
)

// UnlimitedLimit marks a feature with no cap for the plan.
const UnlimitedLimit = -1

// Decision is the evaluator's verdict plus quota metadata. It is immutable
// once produced and is persisted verbatim for idempotent replay.
type Decision struct {
	Allow         bool           `json:"allow"`
	Limit         int            `json:"limit"`
	Remaining     int            `json:"remaining"`
	UsageBefore   int            `json:"usage_before"`
	Reason        DecisionReason `json:"reason"`
	ResetAtUTC    time.Time      `json:"reset_at_utc"`
	PolicyVersion int            `json:"policy_version"`
}

// UsageBucket is the time-scoped counter for one (user, feature, period).
// An absent bucket means zero usage; Count only increases within a period.
type UsageBucket struct {
	UserID      string
	FeatureID   FeatureID
	PeriodKey   string
	Count       int
	LastUpdated time.Time
	// Version is the optimistic-concurrency token. Zero means the bucket
	// does not exist yet.
	Version int64
}

// IdempotencyTTL bounds how long a caller-supplied key replays its stored
// Decision.
const IdempotencyTTL = 24 * time.Hour

// UserOverride carries per-user entitlement adjustments that take
// precedence over plan defaults.
type UserOverride struct {
	FeatureID FeatureID `json:"feature_id"`
	// LifecycleBlocked denies the feature irrespective of usage.
	LifecycleBlocked bool `json:"lifecycle_blocked,omitempty"`
	// GrantUnlimited lifts the plan cap entirely.
	GrantUnlimited bool `json:"grant_unlimited,omitempty"`
	// LimitOverride replaces the plan limit when non-nil.
	LimitOverride *int `json:"limit_override,omitempty"`
}

// PeriodKey derives the deterministic bucket key for a granularity from a
// UTC instant: "2006-01-02" for daily buckets, "2006-01" for monthly.
func PeriodKey(g Granularity, now time.Time) string {
	now = now.UTC()
	if g == GranularityMonthly {
		return now.Format("2006-01")
	}
	return now.Format("2006-01-02")
}

// NextReset returns when the current bucket rolls over: the next UTC
// midnight for daily features, the first of the next UTC month for monthly.
func NextReset(g Granularity, now time.Time) time.Time {
	now = now.UTC()
	if g == GranularityMonthly {
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// ValidateIdempotencyKey rejects keys that cannot serve as stable replay
// tokens before any ledger access happens.
func ValidateIdempotencyKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}
	if len(key) > 128 {
		return fmt.Errorf("%w: idempotency key exceeds 128 characters", ErrValidation)
	}
	return nil
}
