package entitlement

import (
	"testing"
	"time"

	"server/internal/domain"
)

var testNow = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

func evalCtx(plan domain.Plan, usage int) EvalContext {
	return EvalContext{
		UserID: "user-1",
		Plan:   plan,
		Usage:  map[domain.FeatureID]int{"drill": usage},
		Now:    testNow,
	}
}

func TestEvaluateLimits(t *testing.T) {
	e := NewEvaluator(DefaultPolicies())

	tests := []struct {
		name          string
		plan          domain.Plan
		usage         int
		wantAllow     bool
		wantRemaining int
		wantReason    domain.DecisionReason
	}{
		{
			name:          "guest under limit",
			plan:          domain.PlanGuest,
			usage:         0,
			wantAllow:     true,
			wantRemaining: 3,
			wantReason:    domain.ReasonOK,
		},
		{
			name:          "guest at limit",
			plan:          domain.PlanGuest,
			usage:         3,
			wantAllow:     false,
			wantRemaining: 0,
			wantReason:    domain.ReasonLimitReached,
		},
		{
			name:          "free has its own limit",
			plan:          domain.PlanFree,
			usage:         3,
			wantAllow:     true,
			wantRemaining: 7,
			wantReason:    domain.ReasonOK,
		},
		{
			name:          "premium unlimited ignores usage",
			plan:          domain.PlanPremiumYearly,
			usage:         100000,
			wantAllow:     true,
			wantRemaining: domain.UnlimitedLimit,
			wantReason:    domain.ReasonOK,
		},
		{
			name:          "unknown plan falls back to guest",
			plan:          domain.ParsePlan("enterprise"),
			usage:         3,
			wantAllow:     false,
			wantRemaining: 0,
			wantReason:    domain.ReasonLimitReached,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dec := e.Evaluate("drill", evalCtx(tc.plan, tc.usage))
			if dec.Allow != tc.wantAllow {
				t.Fatalf("Allow = %v, want %v", dec.Allow, tc.wantAllow)
			}
			if dec.Remaining != tc.wantRemaining {
				t.Fatalf("Remaining = %d, want %d", dec.Remaining, tc.wantRemaining)
			}
			if dec.Reason != tc.wantReason {
				t.Fatalf("Reason = %q, want %q", dec.Reason, tc.wantReason)
			}
			if dec.UsageBefore != tc.usage {
				t.Fatalf("UsageBefore = %d, want %d", dec.UsageBefore, tc.usage)
			}
			if dec.PolicyVersion != PolicyVersion {
				t.Fatalf("PolicyVersion = %d, want %d", dec.PolicyVersion, PolicyVersion)
			}
		})
	}
}

func TestEvaluateZeroLimitIsNoPermission(t *testing.T) {
	e := NewEvaluator(DefaultPolicies())

	ctx := EvalContext{
		UserID: "user-1",
		Plan:   domain.PlanGuest,
		Usage:  map[domain.FeatureID]int{},
		Now:    testNow,
	}
	dec := e.Evaluate("mock_exam", ctx)
	if dec.Allow {
		t.Fatal("expected deny for zero-limit plan")
	}
	if dec.Reason != domain.ReasonNoPermission {
		t.Fatalf("Reason = %q, want %q", dec.Reason, domain.ReasonNoPermission)
	}
}

func TestEvaluateUnknownFeatureFailsClosed(t *testing.T) {
	e := NewEvaluator(DefaultPolicies())

	dec := e.Evaluate("time_travel", evalCtx(domain.PlanPremiumLifetime, 0))
	if dec.Allow {
		t.Fatal("expected deny for unknown feature")
	}
	if dec.Reason != domain.ReasonNoPermission {
		t.Fatalf("Reason = %q, want %q", dec.Reason, domain.ReasonNoPermission)
	}
}

func TestEvaluateResetTimes(t *testing.T) {
	e := NewEvaluator(DefaultPolicies())

	daily := e.Evaluate("drill", evalCtx(domain.PlanFree, 0))
	wantDaily := time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC)
	if !daily.ResetAtUTC.Equal(wantDaily) {
		t.Fatalf("daily ResetAtUTC = %v, want %v", daily.ResetAtUTC, wantDaily)
	}

	ctx := EvalContext{
		UserID: "user-1",
		Plan:   domain.PlanFree,
		Usage:  map[domain.FeatureID]int{},
		Now:    testNow,
	}
	monthly := e.Evaluate("mock_exam", ctx)
	wantMonthly := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	if !monthly.ResetAtUTC.Equal(wantMonthly) {
		t.Fatalf("monthly ResetAtUTC = %v, want %v", monthly.ResetAtUTC, wantMonthly)
	}
}

func TestEvaluateOverrides(t *testing.T) {
	e := NewEvaluator(DefaultPolicies())
	five := 5

	tests := []struct {
		name       string
		override   domain.UserOverride
		wantAllow  bool
		wantReason domain.DecisionReason
		wantLimit  int
	}{
		{
			name:       "lifecycle block beats everything",
			override:   domain.UserOverride{FeatureID: "drill", LifecycleBlocked: true},
			wantAllow:  false,
			wantReason: domain.ReasonLifecycleBlocked,
			wantLimit:  3,
		},
		{
			name:       "grant unlimited",
			override:   domain.UserOverride{FeatureID: "drill", GrantUnlimited: true},
			wantAllow:  true,
			wantReason: domain.ReasonOK,
			wantLimit:  domain.UnlimitedLimit,
		},
		{
			name:       "limit override",
			override:   domain.UserOverride{FeatureID: "drill", LimitOverride: &five},
			wantAllow:  true,
			wantReason: domain.ReasonOK,
			wantLimit:  5,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := evalCtx(domain.PlanGuest, 3)
			ctx.Overrides = map[domain.FeatureID]domain.UserOverride{"drill": tc.override}
			dec := e.Evaluate("drill", ctx)
			if dec.Allow != tc.wantAllow {
				t.Fatalf("Allow = %v, want %v", dec.Allow, tc.wantAllow)
			}
			if dec.Reason != tc.wantReason {
				t.Fatalf("Reason = %q, want %q", dec.Reason, tc.wantReason)
			}
			if dec.Limit != tc.wantLimit {
				t.Fatalf("Limit = %d, want %d", dec.Limit, tc.wantLimit)
			}
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	e := NewEvaluator(DefaultPolicies())
	ctx := evalCtx(domain.PlanFree, 4)

	first := e.Evaluate("drill", ctx)
	second := e.Evaluate("drill", ctx)
	if first != second {
		t.Fatalf("evaluator not deterministic: %+v vs %+v", first, second)
	}
}
