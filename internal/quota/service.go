// Package quota orchestrates entitlement evaluation and usage accounting
// against the server-authoritative quota ledger.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/entitlement"
)

// maxCommitAttempts bounds the optimistic retry loop before the call is
// surfaced as a transient conflict error.
const maxCommitAttempts = 5

// DecisionCache is an optional read-through cache for persisted Decisions.
// The authoritative copy always lives in the ledger; a cache miss or cache
// failure only costs a ledger round trip.
type DecisionCache interface {
	Get(ctx context.Context, userID string, featureID domain.FeatureID, key string) (*domain.Decision, bool)
	Set(ctx context.Context, userID string, featureID domain.FeatureID, key string, dec domain.Decision)
}

// Service is the usage increment service. It owns the only write path into
// the quota ledger and never fails open: any error leaves the counter and
// the caller's access unchanged.
type Service struct {
	ledger    domain.QuotaLedger
	evaluator *entitlement.Evaluator
	cache     DecisionCache
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService wires the increment service. cache may be nil.
func NewService(ledger domain.QuotaLedger, evaluator *entitlement.Evaluator, cache DecisionCache, logger zerolog.Logger) *Service {
	return &Service{
		ledger:    ledger,
		evaluator: evaluator,
		cache:     cache,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IncrementAndEvaluate checks the caller's entitlement for featureID and,
// when allowed, records the usage exactly once. Replaying the same
// idempotency key within its validity window returns the stored Decision
// without touching the counter.
func (s *Service) IncrementAndEvaluate(ctx context.Context, userID string, featureID domain.FeatureID, idempotencyKey string) (domain.Decision, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Decision{}, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	if featureID == "" {
		return domain.Decision{}, fmt.Errorf("%w: feature id is required", domain.ErrValidation)
	}
	if err := domain.ValidateIdempotencyKey(idempotencyKey); err != nil {
		return domain.Decision{}, err
	}

	if s.cache != nil {
		if dec, ok := s.cache.Get(ctx, userID, featureID, idempotencyKey); ok {
			return *dec, nil
		}
	}
	if dec, err := s.ledger.GetIdempotency(ctx, userID, featureID, idempotencyKey); err == nil {
		s.cacheDecision(ctx, userID, featureID, idempotencyKey, *dec)
		return *dec, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Decision{}, err
	}

	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		dec, err := s.tryCommit(ctx, userID, featureID, idempotencyKey)
		switch {
		case err == nil:
			s.cacheDecision(ctx, userID, featureID, idempotencyKey, dec)
			return dec, nil
		case errors.Is(err, domain.ErrVersionConflict):
			s.logger.Debug().
				Str("user_id", userID).
				Str("feature_id", string(featureID)).
				Int("attempt", attempt).
				Msg("quota commit lost version race, retrying")
			continue
		case errors.Is(err, domain.ErrDuplicateOperation):
			// Another request committed our key first; its Decision is
			// authoritative for this key.
			stored, getErr := s.ledger.GetIdempotency(ctx, userID, featureID, idempotencyKey)
			if getErr != nil {
				return domain.Decision{}, getErr
			}
			s.cacheDecision(ctx, userID, featureID, idempotencyKey, *stored)
			return *stored, nil
		default:
			return domain.Decision{}, err
		}
	}

	return domain.Decision{}, fmt.Errorf("increment %s/%s: %w", userID, featureID, domain.ErrConflictRetryExhausted)
}

// Peek evaluates the caller's current entitlement without consuming a slot
// or writing anything.
func (s *Service) Peek(ctx context.Context, userID string, featureID domain.FeatureID) (domain.Decision, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Decision{}, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	if featureID == "" {
		return domain.Decision{}, fmt.Errorf("%w: feature id is required", domain.ErrValidation)
	}

	now := s.now().UTC()
	plan, overrides, err := s.ledger.GetUserEntitlements(ctx, userID)
	if err != nil {
		return domain.Decision{}, err
	}
	periodKey := domain.PeriodKey(s.evaluator.Granularity(featureID), now)
	bucket, err := s.ledger.GetBucket(ctx, userID, featureID, periodKey)
	if err != nil {
		return domain.Decision{}, err
	}

	return s.evaluator.Evaluate(featureID, entitlement.EvalContext{
		UserID:    userID,
		Plan:      plan,
		Usage:     map[domain.FeatureID]int{featureID: bucket.Count},
		Now:       now,
		Overrides: overrides,
	}), nil
}

// tryCommit performs one read-evaluate-write pass. The plan is read fresh
// on every attempt so a mid-flight plan change is honored immediately.
func (s *Service) tryCommit(ctx context.Context, userID string, featureID domain.FeatureID, idempotencyKey string) (domain.Decision, error) {
	now := s.now().UTC()

	plan, overrides, err := s.ledger.GetUserEntitlements(ctx, userID)
	if err != nil {
		return domain.Decision{}, err
	}

	periodKey := domain.PeriodKey(s.evaluator.Granularity(featureID), now)
	bucket, err := s.ledger.GetBucket(ctx, userID, featureID, periodKey)
	if err != nil {
		return domain.Decision{}, err
	}

	dec := s.evaluator.Evaluate(featureID, entitlement.EvalContext{
		UserID:    userID,
		Plan:      plan,
		Usage:     map[domain.FeatureID]int{featureID: bucket.Count},
		Now:       now,
		Overrides: overrides,
	})
	if dec.Allow && dec.Limit != domain.UnlimitedLimit {
		// The stored Decision reflects the state after this call's slot
		// is consumed, so idempotent replays report the same remainder.
		dec.Remaining = dec.Limit - dec.UsageBefore - 1
	}

	err = s.ledger.Commit(ctx, domain.QuotaCommit{
		UserID:         userID,
		FeatureID:      featureID,
		PeriodKey:      periodKey,
		ExpectVersion:  bucket.Version,
		Increment:      dec.Allow,
		IdempotencyKey: idempotencyKey,
		Decision:       dec,
		Now:            now,
	})
	if err != nil {
		return domain.Decision{}, err
	}
	return dec, nil
}

func (s *Service) cacheDecision(ctx context.Context, userID string, featureID domain.FeatureID, key string, dec domain.Decision) {
	if s.cache == nil {
		return
	}
	s.cache.Set(ctx, userID, featureID, key, dec)
}
