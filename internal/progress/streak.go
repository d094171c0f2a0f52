package progress

import (
	"sort"
	"time"

	"server/internal/domain"
)

// streakGraceHours is how close to the UTC day rollover a yesterday-only
// streak is flagged as at risk.
const streakGraceHours = 6

// ComputeStreak derives the full streak state from the raw date set and
// the previously recorded best. It is a pure function of its inputs; the
// ledger and the reconciler both use it so repaired records agree with
// live updates. Best only moves upward.
func ComputeStreak(dates []string, prevBest int, now time.Time) domain.StreakState {
	now = now.UTC()
	today := now.Format(domain.ISODate)
	yesterday := now.AddDate(0, 0, -1).Format(domain.ISODate)

	valid := dedupSorted(dates, today)

	state := domain.StreakState{
		Dates:               valid,
		Best:                prevBest,
		HoursRemainingToday: hoursUntilMidnight(now),
	}
	if len(valid) == 0 {
		return state
	}

	last := valid[len(valid)-1]
	state.LastActivityDate = last
	state.IsActiveToday = last == today

	longest, ending := runs(valid)
	if longest > state.Best {
		state.Best = longest
	}

	// The current streak is the run ending today, or the run ending
	// yesterday while today is still open.
	if last == today || last == yesterday {
		state.Current = ending
	}
	if state.Current > state.Best {
		state.Best = state.Current
	}

	state.AtRisk = !state.IsActiveToday &&
		last == yesterday &&
		state.HoursRemainingToday <= streakGraceHours

	return state
}

// dedupSorted returns the unique, parseable, non-future dates in ascending
// order. Invalid entries are dropped rather than failing the computation;
// the validator flags them separately.
func dedupSorted(dates []string, today string) []string {
	seen := make(map[string]struct{}, len(dates))
	out := make([]string, 0, len(dates))
	for _, d := range dates {
		if _, dup := seen[d]; dup {
			continue
		}
		if _, err := time.Parse(domain.ISODate, d); err != nil {
			continue
		}
		if d > today {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// runs returns the longest consecutive-day run anywhere in the sorted set
// and the length of the run ending at the final date.
func runs(sorted []string) (longest, ending int) {
	run := 0
	var prev time.Time
	for i, d := range sorted {
		day, _ := time.Parse(domain.ISODate, d)
		if i == 0 || day.Sub(prev) != 24*time.Hour {
			run = 1
		} else {
			run++
		}
		if run > longest {
			longest = run
		}
		prev = day
	}
	return longest, run
}

func hoursUntilMidnight(now time.Time) int {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return int(midnight.Sub(now).Hours())
}
