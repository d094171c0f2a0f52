package entitlement

import (
	"time"

	"server/internal/domain"
)

// EvalContext carries everything a quota decision depends on. Plan and
// usage must be read fresh from the ledger by the caller; the evaluator
// itself never touches a store.
type EvalContext struct {
	UserID    string
	Plan      domain.Plan
	Usage     map[domain.FeatureID]int
	Now       time.Time
	Overrides map[domain.FeatureID]domain.UserOverride
}

// Evaluator is the pure decision function for quota-gated features. It is
// deterministic and side-effect-free, which makes it safe to call inside a
// retryable transaction: identical inputs always yield identical output.
type Evaluator struct {
	policies PolicyTable
}

// NewEvaluator builds an evaluator over the given policy table.
func NewEvaluator(policies PolicyTable) *Evaluator {
	return &Evaluator{policies: policies}
}

// Evaluate maps (feature, plan, usage, now) onto an allow/deny Decision.
// Denial is a normal Decision, never an error.
func (e *Evaluator) Evaluate(featureID domain.FeatureID, ctx EvalContext) domain.Decision {
	policy, known := e.policies[featureID]
	if !known {
		// Unknown feature: fail closed with a daily reset so clients can
		// still render a retry time.
		return domain.Decision{
			Allow:         false,
			Limit:         0,
			Remaining:     0,
			UsageBefore:   ctx.Usage[featureID],
			Reason:        domain.ReasonNoPermission,
			ResetAtUTC:    domain.NextReset(domain.GranularityDaily, ctx.Now),
			PolicyVersion: PolicyVersion,
		}
	}

	usage := ctx.Usage[featureID]
	resetAt := domain.NextReset(policy.Granularity, ctx.Now)
	limit := e.limitFor(policy, ctx.Plan)

	if override, ok := ctx.Overrides[featureID]; ok {
		if override.LifecycleBlocked {
			return domain.Decision{
				Allow:         false,
				Limit:         limit,
				Remaining:     0,
				UsageBefore:   usage,
				Reason:        domain.ReasonLifecycleBlocked,
				ResetAtUTC:    resetAt,
				PolicyVersion: PolicyVersion,
			}
		}
		if override.GrantUnlimited {
			limit = domain.UnlimitedLimit
		} else if override.LimitOverride != nil {
			limit = *override.LimitOverride
		}
	}

	switch {
	case limit == domain.UnlimitedLimit:
		return domain.Decision{
			Allow:         true,
			Limit:         domain.UnlimitedLimit,
			Remaining:     domain.UnlimitedLimit,
			UsageBefore:   usage,
			Reason:        domain.ReasonOK,
			ResetAtUTC:    resetAt,
			PolicyVersion: PolicyVersion,
		}
	case limit <= 0:
		return domain.Decision{
			Allow:         false,
			Limit:         limit,
			Remaining:     0,
			UsageBefore:   usage,
			Reason:        domain.ReasonNoPermission,
			ResetAtUTC:    resetAt,
			PolicyVersion: PolicyVersion,
		}
	case usage >= limit:
		return domain.Decision{
			Allow:         false,
			Limit:         limit,
			Remaining:     0,
			UsageBefore:   usage,
			Reason:        domain.ReasonLimitReached,
			ResetAtUTC:    resetAt,
			PolicyVersion: PolicyVersion,
		}
	default:
		// Remaining counts slots available before any increment; the
		// increment service adjusts it once the slot is consumed.
		return domain.Decision{
			Allow:         true,
			Limit:         limit,
			Remaining:     limit - usage,
			UsageBefore:   usage,
			Reason:        domain.ReasonOK,
			ResetAtUTC:    resetAt,
			PolicyVersion: PolicyVersion,
		}
	}
}

// Granularity exposes the bucket granularity for a feature so the
// increment service can derive period keys. Unknown features count daily.
func (e *Evaluator) Granularity(featureID domain.FeatureID) domain.Granularity {
	if policy, ok := e.policies[featureID]; ok {
		return policy.Granularity
	}
	return domain.GranularityDaily
}

// Known reports whether the feature has a configured policy.
func (e *Evaluator) Known(featureID domain.FeatureID) bool {
	_, ok := e.policies[featureID]
	return ok
}

func (e *Evaluator) limitFor(policy FeaturePolicy, plan domain.Plan) int {
	if limit, ok := policy.Limits[plan]; ok {
		return limit
	}
	// Unknown plan entry: most restrictive tier, never unlimited.
	if limit, ok := policy.Limits[domain.FallbackPlan]; ok {
		return limit
	}
	return 0
}
