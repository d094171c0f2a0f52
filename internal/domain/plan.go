package domain

// Plan enumerates subscription tiers. The plan controls quota limits and
// XP multipliers and is always read fresh from the user record for quota
// decisions, never from a cached session token.
type Plan string

const (
	PlanGuest           Plan = "guest"
	PlanFree            Plan = "free"
	PlanPremiumMonthly  Plan = "premium_monthly"
	PlanPremiumYearly   Plan = "premium_yearly"
	PlanPremiumLifetime Plan = "premium_lifetime"
)

// FallbackPlan is the tier applied when a user record carries an absent or
// unknown plan string. Fail-closed: the most restrictive tier, not "free".
const FallbackPlan = PlanGuest

// ParsePlan maps a stored plan string onto a known tier. Unknown values
// resolve to FallbackPlan.
func ParsePlan(s string) Plan {
	switch Plan(s) {
	case PlanGuest, PlanFree, PlanPremiumMonthly, PlanPremiumYearly, PlanPremiumLifetime:
		return Plan(s)
	default:
		return FallbackPlan
	}
}

// IsPremium reports whether the plan is one of the paid tiers.
func (p Plan) IsPremium() bool {
	switch p {
	case PlanPremiumMonthly, PlanPremiumYearly, PlanPremiumLifetime:
		return true
	default:
		return false
	}
}
