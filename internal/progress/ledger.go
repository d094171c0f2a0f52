// Package progress maintains the single authoritative progress record per
// user: streaks, XP, achievements and session aggregates.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
)

// maxPutAttempts bounds the optimistic read-modify-write loop.
const maxPutAttempts = 5

// appliedKeyWindow caps how many recent operation idempotency keys are kept
// on the record for exactly-once replay protection.
const appliedKeyWindow = 50

// Ledger applies semantic operations to progress records through a
// version-checked read-modify-write cycle, so near-simultaneous updates
// (a session granting XP and unlocking an achievement) never lose writes.
type Ledger struct {
	store  domain.ProgressStore
	users  domain.UserRepository
	logger zerolog.Logger
	now    func() time.Time
}

// NewLedger wires the progress ledger.
func NewLedger(store domain.ProgressStore, users domain.UserRepository, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		users:  users,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// ApplyUpdate validates and applies one operation, returning the updated
// record. The record is created lazily on first activity. Records that
// fail structural invariants surface ErrCorruptedState so the caller can
// run reconciliation first.
func (l *Ledger) ApplyUpdate(ctx context.Context, userID string, op domain.Operation) (*domain.ProgressRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	now := l.now().UTC()
	if err := op.Validate(now); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxPutAttempts; attempt++ {
		rec, version, err := l.store.Get(ctx, userID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			rec = domain.NewProgressRecord(userID, now)
			version = 0
		case err != nil:
			return nil, err
		default:
			if rec.Metadata.DataHealth == domain.HealthCorrupted {
				return nil, fmt.Errorf("record for %s: %w", userID, domain.ErrCorruptedState)
			}
			if verr := rec.Validate(now); verr != nil {
				return nil, verr
			}
		}

		if op.IdempotencyKey != "" && containsKey(rec.Metadata.AppliedOpKeys, op.IdempotencyKey) {
			// Retried exactly-once operation: already applied, no write.
			return rec, nil
		}

		changed, err := l.apply(ctx, rec, op, now)
		if err != nil {
			return nil, err
		}
		if !changed {
			return rec, nil
		}

		rec.Metadata.LastUpdated = now
		if op.IdempotencyKey != "" {
			rec.Metadata.AppliedOpKeys = appendKey(rec.Metadata.AppliedOpKeys, op.IdempotencyKey)
		}

		err = l.store.Put(ctx, userID, rec, version)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, err
		}
		l.logger.Debug().
			Str("user_id", userID).
			Str("op", string(op.Kind)).
			Int("attempt", attempt).
			Msg("progress update lost version race, retrying")
	}

	return nil, fmt.Errorf("apply %s for %s: %w", op.Kind, userID, domain.ErrConflictRetryExhausted)
}

// apply mutates rec in place and reports whether anything changed.
func (l *Ledger) apply(ctx context.Context, rec *domain.ProgressRecord, op domain.Operation, now time.Time) (bool, error) {
	rolloverCounters(rec, now)

	switch op.Kind {
	case domain.OpStreakActivity:
		date := op.Date
		if date == "" {
			date = now.Format(domain.ISODate)
		}
		rec.Streak.AddDate(date)
		rec.Streak = ComputeStreak(rec.Streak.Dates, rec.Streak.Best, now)
		return true, nil

	case domain.OpXPGain:
		// The multiplier is fixed by the pre-update level so one gain
		// event cannot change its own rate mid-flight.
		plan, err := l.users.GetPlan(ctx, rec.UserID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				return false, err
			}
			plan = domain.FallbackPlan
		}
		preLevel := rec.XP.Level
		gained := int64(float64(op.Amount) * PremiumMultiplier(plan, preLevel))
		rec.XP.Total += gained

		newLevel := LevelForTotal(rec.XP.Total)
		if newLevel > preLevel {
			bonus := LevelUpBonus(newLevel)
			rec.XP.Total += bonus
			gained += bonus
			newLevel = LevelForTotal(rec.XP.Total)
			rec.LeveledUp = true
		}
		rec.XP.Level = newLevel
		rec.XP.LevelTitle = LevelTitle(newLevel)
		rec.XP.XPToNextLevel = XPToNextLevel(rec.XP.Total)
		rec.XP.XPGainedToday += gained
		rec.XP.WeeklyXP += gained
		rec.XP.MonthlyXP += gained
		return true, nil

	case domain.OpAchievementUnlock:
		for _, id := range rec.Achievements.UnlockedIDs {
			if id == op.AchievementID {
				// Unlock is idempotent and irreversible.
				return false, nil
			}
		}
		rec.Achievements.UnlockedIDs = append(rec.Achievements.UnlockedIDs, op.AchievementID)
		rec.Achievements.TotalPoints += PointsFor(op.AchievementID)
		if rec.Achievements.ByCategory == nil {
			rec.Achievements.ByCategory = map[string]int{}
		}
		rec.Achievements.ByCategory[CategoryFor(op.AchievementID)]++
		rec.Achievements.CompletionPercentage = completionPercentage(len(rec.Achievements.UnlockedIDs))
		return true, nil

	case domain.OpSessionComplete:
		s := op.Session
		n := rec.Sessions.TotalSessions + 1
		// Incremental mean keeps the update O(1) regardless of history.
		rec.Sessions.AverageAccuracy = (rec.Sessions.AverageAccuracy*float64(n-1) + s.Accuracy) / float64(n)
		rec.Sessions.TotalSessions = n
		rec.Sessions.TotalItemsReviewed += s.ItemsReviewed
		rec.Sessions.TotalStudyTimeMinutes += s.DurationMinutes
		rec.Sessions.SessionsToday++
		rec.Sessions.SessionsThisWeek++
		rec.Sessions.SessionsThisMonth++
		return true, nil

	case domain.OpProfilePatch:
		if rec.Profile == nil {
			rec.Profile = map[string]any{}
		}
		for key, value := range op.Patch {
			rec.Profile[key] = value
		}
		return true, nil
	}

	return false, fmt.Errorf("%w: unknown operation kind %q", domain.ErrValidation, op.Kind)
}

// rolloverCounters resets the today/week/month aggregates when the clock
// crossed a boundary since the record was last written.
func rolloverCounters(rec *domain.ProgressRecord, now time.Time) {
	last := rec.Metadata.LastUpdated.UTC()
	if last.IsZero() {
		return
	}

	if last.Format(domain.ISODate) != now.Format(domain.ISODate) {
		rec.XP.XPGainedToday = 0
		rec.Sessions.SessionsToday = 0
	}
	ly, lw := last.ISOWeek()
	ny, nw := now.ISOWeek()
	if ly != ny || lw != nw {
		rec.XP.WeeklyXP = 0
		rec.Sessions.SessionsThisWeek = 0
	}
	if last.Year() != now.Year() || last.Month() != now.Month() {
		rec.XP.MonthlyXP = 0
		rec.Sessions.SessionsThisMonth = 0
	}
}

func completionPercentage(unlocked int) float64 {
	size := CatalogueSize()
	if size == 0 {
		return 0
	}
	return float64(unlocked) / float64(size) * 100
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func appendKey(keys []string, key string) []string {
	keys = append(keys, key)
	if len(keys) > appliedKeyWindow {
		keys = keys[len(keys)-appliedKeyWindow:]
	}
	return keys
}
