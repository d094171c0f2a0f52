package domain

import (
	"fmt"
	"time"
)

// OperationKind enumerates the semantic updates the progress ledger accepts.
// Collaborators pass the operation, not raw deltas, so business rules stay
// centralized in one place.
type OperationKind string

const (
	OpStreakActivity    OperationKind = "streak_activity"
	OpXPGain            OperationKind = "xp_gain"
	OpAchievementUnlock OperationKind = "achievement_unlock"
	OpSessionComplete   OperationKind = "session_complete"
	OpProfilePatch      OperationKind = "profile_patch"
)

// SessionDelta describes one completed review session.
type SessionDelta struct {
	ItemsReviewed   int     `json:"items_reviewed"`
	Accuracy        float64 `json:"accuracy"`
	DurationMinutes int     `json:"duration_minutes"`
}

// Operation is one progress mutation. Exactly the fields relevant to Kind
// are read; the rest stay zero.
type Operation struct {
	Kind OperationKind `json:"kind"`
	// Date is the ISO calendar date for streak activity. Empty means
	// "today in UTC".
	Date string `json:"date,omitempty"`
	// Amount is the raw XP amount for xp_gain, before plan multipliers.
	Amount int64 `json:"amount,omitempty"`
	// AchievementID names the achievement for achievement_unlock.
	AchievementID string `json:"achievement_id,omitempty"`
	// Session carries the deltas for session_complete.
	Session *SessionDelta `json:"session,omitempty"`
	// Patch carries the allowed profile keys for profile_patch.
	Patch map[string]any `json:"patch,omitempty"`
	// IdempotencyKey makes retried exactly-once operations (xp_gain) safe
	// after an ambiguous timeout. Optional for naturally idempotent kinds.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// AllowedProfileKeys is the documented minimal subset accepted by
// profile_patch. Values outside this set are rejected at the boundary.
var AllowedProfileKeys = map[string]string{
	"display_name":     "string",
	"reminder_hour":    "number",
	"dashboard_pinned": "bool",
	"public_profile":   "bool",
}

// Validate rejects malformed operations before any ledger access.
func (op Operation) Validate(now time.Time) error {
	switch op.Kind {
	case OpStreakActivity:
		if op.Date == "" {
			return nil
		}
		d, err := time.Parse(ISODate, op.Date)
		if err != nil {
			return fmt.Errorf("%w: invalid activity date %q", ErrValidation, op.Date)
		}
		if d.After(now.UTC()) {
			return fmt.Errorf("%w: activity date %q is in the future", ErrValidation, op.Date)
		}
	case OpXPGain:
		if op.Amount <= 0 {
			return fmt.Errorf("%w: xp amount must be positive", ErrValidation)
		}
	case OpAchievementUnlock:
		if op.AchievementID == "" {
			return fmt.Errorf("%w: achievement id is required", ErrValidation)
		}
	case OpSessionComplete:
		if op.Session == nil {
			return fmt.Errorf("%w: session payload is required", ErrValidation)
		}
		if op.Session.ItemsReviewed < 0 || op.Session.DurationMinutes < 0 {
			return fmt.Errorf("%w: negative session counters", ErrValidation)
		}
		if op.Session.Accuracy < 0 || op.Session.Accuracy > 100 {
			return fmt.Errorf("%w: accuracy %.2f out of range", ErrValidation, op.Session.Accuracy)
		}
	case OpProfilePatch:
		if len(op.Patch) == 0 {
			return fmt.Errorf("%w: empty profile patch", ErrValidation)
		}
		for key, value := range op.Patch {
			kind, ok := AllowedProfileKeys[key]
			if !ok {
				return fmt.Errorf("%w: unknown profile key %q", ErrValidation, key)
			}
			switch kind {
			case "string":
				if _, ok := value.(string); !ok {
					return fmt.Errorf("%w: profile key %q expects a string", ErrValidation, key)
				}
			case "number":
				switch value.(type) {
				case int, int64, float64:
				default:
					return fmt.Errorf("%w: profile key %q expects a number", ErrValidation, key)
				}
			case "bool":
				if _, ok := value.(bool); !ok {
					return fmt.Errorf("%w: profile key %q expects a bool", ErrValidation, key)
				}
			}
		}
	default:
		return fmt.Errorf("%w: unknown operation kind %q", ErrValidation, op.Kind)
	}
	return nil
}
