package domain

import (
	"fmt"
	"sort"
	"time"
)

// ProgressSchemaVersion is stamped into every record written by this
// codebase. Older versions are upgraded by the reconciler.
const ProgressSchemaVersion = 3

// DataHealth describes whether a progress record can be trusted as-is.
type DataHealth string

const (
	HealthHealthy     DataHealth = "healthy"
	HealthNeedsRepair DataHealth = "needs_repair"
	HealthCorrupted   DataHealth = "corrupted"
)

// ISODate is the calendar-date layout used throughout the progress model.
const ISODate = "2006-01-02"

// StreakState tracks consecutive-day activity.
type StreakState struct {
	Current             int      `json:"current"`
	Best                int      `json:"best"`
	Dates               []string `json:"dates"`
	LastActivityDate    string   `json:"last_activity_date"`
	IsActiveToday       bool     `json:"is_active_today"`
	AtRisk              bool     `json:"at_risk"`
	HoursRemainingToday int      `json:"hours_remaining_today"`
}

// XPState tracks experience totals and the derived level.
type XPState struct {
	Total         int64  `json:"total"`
	Level         int    `json:"level"`
	LevelTitle    string `json:"level_title"`
	WeeklyXP      int64  `json:"weekly_xp"`
	MonthlyXP     int64  `json:"monthly_xp"`
	XPToNextLevel int64  `json:"xp_to_next_level"`
	XPGainedToday int64  `json:"xp_gained_today"`
}

// AchievementState tracks unlocked achievements. Unlocks are irreversible
// and the id set never contains duplicates.
type AchievementState struct {
	TotalPoints          int            `json:"total_points"`
	UnlockedIDs          []string       `json:"unlocked_ids"`
	CompletionPercentage float64        `json:"completion_percentage"`
	ByCategory           map[string]int `json:"by_category"`
}

// SessionStats aggregates review-session counters.
type SessionStats struct {
	TotalSessions         int     `json:"total_sessions"`
	TotalItemsReviewed    int     `json:"total_items_reviewed"`
	AverageAccuracy       float64 `json:"average_accuracy"`
	TotalStudyTimeMinutes int     `json:"total_study_time_minutes"`
	SessionsToday         int     `json:"sessions_today"`
	SessionsThisWeek      int     `json:"sessions_this_week"`
	SessionsThisMonth     int     `json:"sessions_this_month"`
}

// Metadata describes the record itself rather than the user's progress.
type Metadata struct {
	SchemaVersion int        `json:"schema_version"`
	LastUpdated   time.Time  `json:"last_updated"`
	DataHealth    DataHealth `json:"data_health"`
	MigratedFrom  []string   `json:"migrated_from,omitempty"`
	// AppliedOpKeys is a bounded window of recently applied operation
	// idempotency keys, so an exactly-once operation retried after an
	// ambiguous timeout is not applied twice.
	AppliedOpKeys []string `json:"applied_op_keys,omitempty"`
}

// ProgressRecord is the single authoritative progress document per user.
type ProgressRecord struct {
	UserID       string           `json:"user_id"`
	Streak       StreakState      `json:"streak"`
	XP           XPState          `json:"xp"`
	Achievements AchievementState `json:"achievements"`
	Sessions     SessionStats     `json:"sessions"`
	// Profile is an open extensible map. Only keys listed in
	// AllowedProfileKeys are accepted at the boundary.
	Profile  map[string]any `json:"profile,omitempty"`
	Metadata Metadata       `json:"metadata"`

	// LeveledUp flags a level boundary crossed by the update that produced
	// this snapshot. Returned for caller notification, never persisted.
	LeveledUp bool `json:"leveled_up,omitempty"`
}

// NewProgressRecord returns the zeroed record created lazily on a user's
// first activity.
func NewProgressRecord(userID string, now time.Time) *ProgressRecord {
	return &ProgressRecord{
		UserID: userID,
		XP:     XPState{Level: 1},
		Achievements: AchievementState{
			UnlockedIDs: []string{},
			ByCategory:  map[string]int{},
		},
		Streak: StreakState{Dates: []string{}},
		Metadata: Metadata{
			SchemaVersion: ProgressSchemaVersion,
			LastUpdated:   now.UTC(),
			DataHealth:    HealthHealthy,
		},
	}
}

// Validate checks the structural invariants every stored record must hold.
// A violation means the record was written by a buggy or older writer and
// should go through reconciler repair.
func (r *ProgressRecord) Validate(now time.Time) error {
	if r.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrCorruptedState)
	}
	if r.Streak.Current > r.Streak.Best {
		return fmt.Errorf("%w: streak current %d exceeds best %d", ErrCorruptedState, r.Streak.Current, r.Streak.Best)
	}
	if r.XP.Total < 0 || r.XP.Level < 1 {
		return fmt.Errorf("%w: xp total %d level %d", ErrCorruptedState, r.XP.Total, r.XP.Level)
	}
	today := now.UTC().Format(ISODate)
	seen := make(map[string]struct{}, len(r.Streak.Dates))
	for _, d := range r.Streak.Dates {
		if _, err := time.Parse(ISODate, d); err != nil {
			return fmt.Errorf("%w: invalid streak date %q", ErrCorruptedState, d)
		}
		if d > today {
			return fmt.Errorf("%w: future streak date %q", ErrCorruptedState, d)
		}
		if _, dup := seen[d]; dup {
			return fmt.Errorf("%w: duplicate streak date %q", ErrCorruptedState, d)
		}
		seen[d] = struct{}{}
	}
	unlocked := make(map[string]struct{}, len(r.Achievements.UnlockedIDs))
	for _, id := range r.Achievements.UnlockedIDs {
		if _, dup := unlocked[id]; dup {
			return fmt.Errorf("%w: duplicate achievement %q", ErrCorruptedState, id)
		}
		unlocked[id] = struct{}{}
	}
	return nil
}

// HasDate reports whether the streak date set contains the given ISO date.
func (s StreakState) HasDate(date string) bool {
	for _, d := range s.Dates {
		if d == date {
			return true
		}
	}
	return false
}

// AddDate inserts an ISO date into the sorted date set, ignoring duplicates.
func (s *StreakState) AddDate(date string) {
	if s.HasDate(date) {
		return
	}
	s.Dates = append(s.Dates, date)
	sort.Strings(s.Dates)
}
