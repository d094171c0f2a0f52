package entitlement

import "server/internal/domain"

// PolicyVersion is stamped into every Decision so audit logs can tie a
// verdict back to the limit table that produced it.
const PolicyVersion = 3

// FeaturePolicy configures one quota-gated feature: how usage is bucketed
// and the per-plan caps. domain.UnlimitedLimit lifts the cap; a missing
// plan entry falls back to the guest cap (fail-closed).
type FeaturePolicy struct {
	Granularity domain.Granularity
	Limits      map[domain.Plan]int
}

// PolicyTable maps feature ids onto their policies.
type PolicyTable map[domain.FeatureID]FeaturePolicy

// DefaultPolicies returns the production limit table. Premium tiers share
// one entry set since they differ in billing, not entitlements.
func DefaultPolicies() PolicyTable {
	return PolicyTable{
		"drill": {
			Granularity: domain.GranularityDaily,
			Limits: map[domain.Plan]int{
				domain.PlanGuest:           3,
				domain.PlanFree:            10,
				domain.PlanPremiumMonthly:  domain.UnlimitedLimit,
				domain.PlanPremiumYearly:   domain.UnlimitedLimit,
				domain.PlanPremiumLifetime: domain.UnlimitedLimit,
			},
		},
		"quiz": {
			Granularity: domain.GranularityDaily,
			Limits: map[domain.Plan]int{
				domain.PlanGuest:           1,
				domain.PlanFree:            5,
				domain.PlanPremiumMonthly:  domain.UnlimitedLimit,
				domain.PlanPremiumYearly:   domain.UnlimitedLimit,
				domain.PlanPremiumLifetime: domain.UnlimitedLimit,
			},
		},
		"mock_exam": {
			Granularity: domain.GranularityMonthly,
			Limits: map[domain.Plan]int{
				domain.PlanGuest:           0,
				domain.PlanFree:            2,
				domain.PlanPremiumMonthly:  domain.UnlimitedLimit,
				domain.PlanPremiumYearly:   domain.UnlimitedLimit,
				domain.PlanPremiumLifetime: domain.UnlimitedLimit,
			},
		},
		"custom_deck": {
			Granularity: domain.GranularityMonthly,
			Limits: map[domain.Plan]int{
				domain.PlanGuest:           0,
				domain.PlanFree:            1,
				domain.PlanPremiumMonthly:  20,
				domain.PlanPremiumYearly:   20,
				domain.PlanPremiumLifetime: 20,
			},
		},
		"audio_synthesis": {
			Granularity: domain.GranularityDaily,
			Limits: map[domain.Plan]int{
				domain.PlanGuest:           5,
				domain.PlanFree:            20,
				domain.PlanPremiumMonthly:  domain.UnlimitedLimit,
				domain.PlanPremiumYearly:   domain.UnlimitedLimit,
				domain.PlanPremiumLifetime: domain.UnlimitedLimit,
			},
		},
	}
}
