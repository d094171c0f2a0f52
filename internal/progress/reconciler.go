package progress

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
)

// Reconciler repairs missing, unhealthy or corrupted progress records and
// merges device-local state back into the authoritative ledger.
type Reconciler struct {
	store  domain.ProgressStore
	ledger *Ledger
	logger zerolog.Logger
	now    func() time.Time
}

// NewReconciler wires the reconciler over the same store and ledger the
// live update path uses, so repaired records obey the same rules.
func NewReconciler(store domain.ProgressStore, ledger *Ledger, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		ledger: ledger,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Reconcile returns a healthy record for the user, rebuilding it from all
// known legacy sources when the authoritative record is missing or failed
// its invariants. Running it again with no new activity changes nothing.
func (r *Reconciler) Reconcile(ctx context.Context, userID string) (*domain.ProgressRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	now := r.now().UTC()

	for attempt := 1; attempt <= maxPutAttempts; attempt++ {
		rec, version, err := r.store.Get(ctx, userID)
		missing := errors.Is(err, domain.ErrNotFound)
		if err != nil && !missing {
			return nil, err
		}

		if !missing && rec.Metadata.DataHealth == domain.HealthHealthy && rec.Validate(now) == nil {
			// Already healthy: no write, so a second run is a no-op.
			return rec, nil
		}

		sources, err := r.store.ListLegacySources(ctx, userID)
		if err != nil {
			return nil, err
		}

		rebuilt := r.rebuild(userID, rec, sources, now)
		if err := r.store.Put(ctx, userID, rebuilt, version); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		r.logger.Info().
			Str("user_id", userID).
			Int("sources", len(sources)).
			Bool("was_missing", missing).
			Msg("progress record repaired")
		return rebuilt, nil
	}

	return nil, fmt.Errorf("reconcile %s: %w", userID, domain.ErrConflictRetryExhausted)
}

// rebuild merges the (possibly damaged) authoritative record with every
// legacy source. Dates and achievement sets are unioned, best streak and
// XP totals take the maximum seen anywhere, and the streak is recomputed
// from the union with the same pure function live updates use.
func (r *Reconciler) rebuild(userID string, damaged *domain.ProgressRecord, sources []domain.LegacySource, now time.Time) *domain.ProgressRecord {
	rebuilt := domain.NewProgressRecord(userID, now)

	var dates []string
	bestStreak := 0
	var xpTotal int64
	unlocked := map[string]struct{}{}
	migrated := []string{}

	if damaged != nil {
		dates = append(dates, damaged.Streak.Dates...)
		bestStreak = damaged.Streak.Best
		xpTotal = damaged.XP.Total
		for _, id := range damaged.Achievements.UnlockedIDs {
			unlocked[id] = struct{}{}
		}
		rebuilt.Sessions = damaged.Sessions
		rebuilt.Profile = damaged.Profile
		migrated = append(migrated, damaged.Metadata.MigratedFrom...)
		rebuilt.Metadata.AppliedOpKeys = damaged.Metadata.AppliedOpKeys
	}

	for _, src := range sources {
		dates = append(dates, src.Dates...)
		if src.BestStreak > bestStreak {
			bestStreak = src.BestStreak
		}
		if src.CurrentStreak > bestStreak {
			bestStreak = src.CurrentStreak
		}
		if src.XPTotal > xpTotal {
			xpTotal = src.XPTotal
		}
		for _, id := range src.AchievementIDs {
			unlocked[id] = struct{}{}
		}
		if src.TotalSessions > rebuilt.Sessions.TotalSessions {
			rebuilt.Sessions.TotalSessions = src.TotalSessions
		}
		if src.ItemsReviewed > rebuilt.Sessions.TotalItemsReviewed {
			rebuilt.Sessions.TotalItemsReviewed = src.ItemsReviewed
		}
		if src.StudyMinutes > rebuilt.Sessions.TotalStudyTimeMinutes {
			rebuilt.Sessions.TotalStudyTimeMinutes = src.StudyMinutes
		}
		migrated = append(migrated, src.Name)
	}

	rebuilt.Streak = ComputeStreak(dates, bestStreak, now)

	if xpTotal < 0 {
		xpTotal = 0
	}
	rebuilt.XP.Total = xpTotal
	rebuilt.XP.Level = LevelForTotal(xpTotal)
	rebuilt.XP.LevelTitle = LevelTitle(rebuilt.XP.Level)
	rebuilt.XP.XPToNextLevel = XPToNextLevel(xpTotal)

	for id := range unlocked {
		rebuilt.Achievements.UnlockedIDs = append(rebuilt.Achievements.UnlockedIDs, id)
	}
	sort.Strings(rebuilt.Achievements.UnlockedIDs)
	for _, id := range rebuilt.Achievements.UnlockedIDs {
		rebuilt.Achievements.TotalPoints += PointsFor(id)
		rebuilt.Achievements.ByCategory[CategoryFor(id)]++
	}
	rebuilt.Achievements.CompletionPercentage = completionPercentage(len(rebuilt.Achievements.UnlockedIDs))

	rebuilt.Metadata.MigratedFrom = dedupStrings(migrated)
	rebuilt.Metadata.DataHealth = domain.HealthHealthy
	rebuilt.Metadata.LastUpdated = now

	return rebuilt
}

// SyncDevice replays a device's pending outbox through the normal update
// path and merges its local mirror with the authoritative record. Returns
// the merged record and the ids of the pending operations now confirmed.
func (r *Reconciler) SyncDevice(ctx context.Context, userID string, local *domain.LocalCacheRecord) (*domain.ProgressRecord, []string, error) {
	if local == nil {
		rec, err := r.Get(ctx, userID)
		return rec, nil, err
	}

	confirmed := make([]string, 0, len(local.Outbox))
	for _, pending := range local.Outbox {
		if _, err := r.ledger.ApplyUpdate(ctx, userID, pending.Operation); err != nil {
			if errors.Is(err, domain.ErrValidation) {
				// Malformed queued entry: confirm it so the device stops
				// retrying something that can never apply.
				r.logger.Warn().
					Str("user_id", userID).
					Str("op", string(pending.Operation.Kind)).
					Err(err).
					Msg("dropping invalid outbox operation")
				confirmed = append(confirmed, pending.ID)
				continue
			}
			// Transient failure: stop here, the device retries the rest.
			return nil, confirmed, err
		}
		confirmed = append(confirmed, pending.ID)
	}

	cloud, err := r.Get(ctx, userID)
	if err != nil {
		return nil, confirmed, err
	}

	// Activity dates known locally but absent in the cloud are replayed as
	// normal streak activity so the union recomputes the streak.
	for _, date := range local.Record.Streak.Dates {
		if !cloud.Streak.HasDate(date) {
			cloud, err = r.ledger.ApplyUpdate(ctx, userID, domain.Operation{
				Kind: domain.OpStreakActivity,
				Date: date,
			})
			if err != nil {
				return nil, confirmed, err
			}
		}
	}

	// Boolean profile flags resolve true-wins: marking something done or
	// pinned is not reversible by a sync.
	patch := map[string]any{}
	for key, value := range local.Record.Profile {
		if domain.AllowedProfileKeys[key] != "bool" {
			continue
		}
		if flag, ok := value.(bool); ok && flag {
			if current, ok := cloud.Profile[key].(bool); !ok || !current {
				patch[key] = true
			}
		}
	}
	if len(patch) > 0 {
		cloud, err = r.ledger.ApplyUpdate(ctx, userID, domain.Operation{
			Kind:  domain.OpProfilePatch,
			Patch: patch,
		})
		if err != nil {
			return nil, confirmed, err
		}
	}

	return cloud, confirmed, nil
}

// Get is the reconciling read path: unhealthy or missing records are
// repaired before they are returned.
func (r *Reconciler) Get(ctx context.Context, userID string) (*domain.ProgressRecord, error) {
	now := r.now().UTC()
	rec, _, err := r.store.Get(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return r.Reconcile(ctx, userID)
	case err != nil:
		return nil, err
	}
	if rec.Metadata.DataHealth != domain.HealthHealthy || rec.Validate(now) != nil {
		return r.Reconcile(ctx, userID)
	}
	// Stale today/week/month counters roll over on read too, so a record
	// untouched since yesterday never reports yesterday's daily totals.
	// Nothing is persisted; the next write runs the same rollover.
	rolloverCounters(rec, now)
	return rec, nil
}

// RepairSweep reconciles up to limit users whose records are flagged
// unhealthy. Used by the background worker.
func (r *Reconciler) RepairSweep(ctx context.Context, limit int) (int, error) {
	ids, err := r.store.ListUnhealthy(ctx, limit)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, id := range ids {
		if _, err := r.Reconcile(ctx, id); err != nil {
			r.logger.Error().Str("user_id", id).Err(err).Msg("repair sweep failed for user")
			continue
		}
		repaired++
	}
	return repaired, nil
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
