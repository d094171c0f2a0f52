package quota

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"server/internal/domain"
	"server/internal/entitlement"
)

var fixedNow = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

type memUser struct {
	plan      domain.Plan
	overrides map[domain.FeatureID]domain.UserOverride
}

type memBucket struct {
	count   int
	version int64
}

type storedDecision struct {
	decision  domain.Decision
	expiresAt time.Time
}

// memLedger implements domain.QuotaLedger with the same version-checked
// commit contract as the Postgres adapter.
type memLedger struct {
	mu    sync.Mutex
	users map[string]memUser
	// keyed "user|feature|period"
	buckets map[string]*memBucket
	// keyed "user|feature|key"
	idempotency map[string]storedDecision

	// forceConflicts makes the next N commits fail with ErrVersionConflict.
	forceConflicts int
	commitCalls    int
}

func newMemLedger() *memLedger {
	return &memLedger{
		users:       make(map[string]memUser),
		buckets:     make(map[string]*memBucket),
		idempotency: make(map[string]storedDecision),
	}
}

func (m *memLedger) addUser(id string, plan domain.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = memUser{plan: plan, overrides: map[domain.FeatureID]domain.UserOverride{}}
}

func (m *memLedger) bucketCount(userID string, featureID domain.FeatureID, periodKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.buckets[fmt.Sprintf("%s|%s|%s", userID, featureID, periodKey)]
	if b == nil {
		return 0
	}
	return b.count
}

func (m *memLedger) GetUserEntitlements(_ context.Context, userID string) (domain.Plan, map[domain.FeatureID]domain.UserOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return "", nil, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	return u.plan, u.overrides, nil
}

func (m *memLedger) GetBucket(_ context.Context, userID string, featureID domain.FeatureID, periodKey string) (domain.UsageBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := domain.UsageBucket{UserID: userID, FeatureID: featureID, PeriodKey: periodKey}
	if b, ok := m.buckets[fmt.Sprintf("%s|%s|%s", userID, featureID, periodKey)]; ok {
		bucket.Count = b.count
		bucket.Version = b.version
	}
	return bucket, nil
}

func (m *memLedger) GetIdempotency(_ context.Context, userID string, featureID domain.FeatureID, key string) (*domain.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.idempotency[fmt.Sprintf("%s|%s|%s", userID, featureID, key)]
	if !ok || stored.expiresAt.Before(fixedNow) {
		return nil, domain.ErrNotFound
	}
	dec := stored.decision
	return &dec, nil
}

func (m *memLedger) Commit(_ context.Context, commit domain.QuotaCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitCalls++

	if m.forceConflicts > 0 {
		m.forceConflicts--
		return domain.ErrVersionConflict
	}

	// Same contract as the Postgres adapter: only a live row is a
	// duplicate, an expired one is reclaimed by the new commit.
	idemKey := fmt.Sprintf("%s|%s|%s", commit.UserID, commit.FeatureID, commit.IdempotencyKey)
	if stored, ok := m.idempotency[idemKey]; ok && stored.expiresAt.After(commit.Now) {
		return domain.ErrDuplicateOperation
	}

	if commit.Increment {
		bucketKey := fmt.Sprintf("%s|%s|%s", commit.UserID, commit.FeatureID, commit.PeriodKey)
		b := m.buckets[bucketKey]
		var version int64
		if b != nil {
			version = b.version
		}
		if version != commit.ExpectVersion {
			return domain.ErrVersionConflict
		}
		if b == nil {
			b = &memBucket{}
			m.buckets[bucketKey] = b
		}
		b.count++
		b.version++
	}

	m.idempotency[idemKey] = storedDecision{
		decision:  commit.Decision,
		expiresAt: commit.Now.Add(domain.IdempotencyTTL),
	}
	return nil
}

func (m *memLedger) PurgeExpiredIdempotency(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for k, stored := range m.idempotency {
		if stored.expiresAt.Before(now) {
			delete(m.idempotency, k)
			purged++
		}
	}
	return purged, nil
}

func newTestService(ledger *memLedger) *Service {
	svc := NewService(ledger, entitlement.NewEvaluator(entitlement.DefaultPolicies()), nil, zerolog.Nop())
	return svc.WithClock(func() time.Time { return fixedNow })
}

func TestIncrementConcurrentRespectsLimit(t *testing.T) {
	ledger := newMemLedger()
	ledger.addUser("user-1", domain.PlanGuest) // drill limit 3/day
	svc := newTestService(ledger)

	const calls = 5
	decisions := make([]domain.Decision, calls)

	var g errgroup.Group
	for i := 0; i < calls; i++ {
		i := i
		g.Go(func() error {
			dec, err := svc.IncrementAndEvaluate(context.Background(), "user-1", "drill", fmt.Sprintf("key-%d", i))
			if err != nil {
				return err
			}
			decisions[i] = dec
			return nil
		})
	}
	require.NoError(t, g.Wait())

	allowed := 0
	remainders := map[int]bool{}
	for _, dec := range decisions {
		if dec.Allow {
			allowed++
			remainders[dec.Remaining] = true
		} else {
			require.Equal(t, domain.ReasonLimitReached, dec.Reason)
			require.Equal(t, 0, dec.Remaining)
		}
	}
	require.Equal(t, 3, allowed, "exactly limit allows")
	require.Equal(t, map[int]bool{2: true, 1: true, 0: true}, remainders)

	periodKey := domain.PeriodKey(domain.GranularityDaily, fixedNow)
	require.Equal(t, 3, ledger.bucketCount("user-1", "drill", periodKey), "counter never exceeds the limit")
}

func TestIncrementReplaySameKey(t *testing.T) {
	ledger := newMemLedger()
	ledger.addUser("user-1", domain.PlanGuest)
	svc := newTestService(ledger)

	first, err := svc.IncrementAndEvaluate(context.Background(), "user-1", "drill", "op-abc")
	require.NoError(t, err)
	require.True(t, first.Allow)
	require.Equal(t, 2, first.Remaining)

	second, err := svc.IncrementAndEvaluate(context.Background(), "user-1", "drill", "op-abc")
	require.NoError(t, err)
	require.Equal(t, first, second, "replay returns the stored decision verbatim")

	periodKey := domain.PeriodKey(domain.GranularityDaily, fixedNow)
	require.Equal(t, 1, ledger.bucketCount("user-1", "drill", periodKey), "replay does not consume a second slot")
}

func TestIncrementReplayOfDeniedDecision(t *testing.T) {
	ledger := newMemLedger()
	ledger.addUser("user-1", domain.PlanGuest)
	svc := newTestService(ledger)

	for i := 0; i < 3; i++ {
		_, err := svc.IncrementAndEvaluate(context.Background(), "user-1", "drill", fmt.Sprintf("fill-%d", i))
		require.NoError(t, err)
	}

	denied, err := svc.IncrementAndEvaluate(context.Background(), "user-1", "drill", "op-denied")
	require.NoError(t, err)
	require.False(t, denied.Allow)

	replay, err := svc.IncrementAndEvaluate(context.Background(), "user-1", "drill", "op-denied")
	require.NoError(t, err)
	require.Equal(t, denied, replay, "denials replay too")
}

func TestIncrementReclaimsExpiredKey(t *testing.T) {
	ledger := newMemLedger()
	ledger.addUser("user-1", domain.PlanGuest)
	svc := newTestService(ledger)

	// A stale record the purge sweep has not removed yet.
	ledger.idempotency["user-1|drill|op-old"] = storedDecision{
		decision:  domain.Decision{Allow: false, Reason: domain.ReasonLimitReached},
		expiresAt: fixedNow.Add(-time.Hour),
	}

	dec, err := svc.IncrementAndEvaluate(context.Background(), "user-1", "drill", "op-old")
	require.NoError(t, err, "an expired key must behave like a new one")
	require.True(t, dec.Allow)
	require.Equal(t, 2, dec.Remaining)

	periodKey := domain.PeriodKey(domain.GranularityDaily, fixedNow)
	require.Equal(t, 1, ledger.bucketCount("user-1", "drill", periodKey))

	// The reclaimed record now replays the fresh decision.
	replay, err := svc.IncrementAndEvaluate(context.Background(), "user-1", "drill", "op-old")
	require.NoError(t, err)
	require.Equal(t, dec, replay)
	require.Equal(t, 1, ledger.bucketCount("user-1", "drill", periodKey))
}

func TestIncrementUnlimitedPlan(t *testing.T) {
	ledger := newMemLedger()
	ledger.addUser("user-1", domain.PlanPremiumMonthly)
	svc := newTestService(ledger)

	dec, err := svc.IncrementAndEvaluate(context.Background(), "user-1", "drill", "op-1")
	require.NoError(t, err)
	require.True(t, dec.Allow)
	require.Equal(t, domain.UnlimitedLimit, dec.Remaining)

	// Unlimited usage is still counted for reporting.
	periodKey := domain.PeriodKey(domain.GranularityDaily, fixedNow)
	require.Equal(t, 1, ledger.bucketCount("user-1", "drill", periodKey))
}

func TestIncrementUnknownUser(t *testing.T) {
	svc := newTestService(newMemLedger())

	_, err := svc.IncrementAndEvaluate(context.Background(), "ghost", "drill", "op-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIncrementValidation(t *testing.T) {
	svc := newTestService(newMemLedger())
	ctx := context.Background()

	tests := []struct {
		name    string
		userID  string
		feature domain.FeatureID
		key     string
	}{
		{name: "empty user", userID: "", feature: "drill", key: "op-1"},
		{name: "empty feature", userID: "user-1", feature: "", key: "op-1"},
		{name: "empty key", userID: "user-1", feature: "drill", key: ""},
		{name: "oversized key", userID: "user-1", feature: "drill", key: string(make([]byte, 200))},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.IncrementAndEvaluate(ctx, tc.userID, tc.feature, tc.key)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestIncrementRetriesVersionConflict(t *testing.T) {
	ledger := newMemLedger()
	ledger.addUser("user-1", domain.PlanFree)
	ledger.forceConflicts = 2
	svc := newTestService(ledger)

	dec, err := svc.IncrementAndEvaluate(context.Background(), "user-1", "drill", "op-1")
	require.NoError(t, err)
	require.True(t, dec.Allow)
	require.Equal(t, 3, ledger.commitCalls, "two lost races plus the winning commit")
}

func TestIncrementConflictRetryExhausted(t *testing.T) {
	ledger := newMemLedger()
	ledger.addUser("user-1", domain.PlanFree)
	ledger.forceConflicts = maxCommitAttempts + 1
	svc := newTestService(ledger)

	_, err := svc.IncrementAndEvaluate(context.Background(), "user-1", "drill", "op-1")
	require.ErrorIs(t, err, domain.ErrConflictRetryExhausted)

	periodKey := domain.PeriodKey(domain.GranularityDaily, fixedNow)
	require.Equal(t, 0, ledger.bucketCount("user-1", "drill", periodKey), "nothing committed")
}

func TestPeekDoesNotConsume(t *testing.T) {
	ledger := newMemLedger()
	ledger.addUser("user-1", domain.PlanGuest)
	svc := newTestService(ledger)

	for i := 0; i < 10; i++ {
		dec, err := svc.Peek(context.Background(), "user-1", "drill")
		require.NoError(t, err)
		require.True(t, dec.Allow)
		require.Equal(t, 3, dec.Remaining)
	}

	periodKey := domain.PeriodKey(domain.GranularityDaily, fixedNow)
	require.Equal(t, 0, ledger.bucketCount("user-1", "drill", periodKey))
	require.Equal(t, 0, ledger.commitCalls)
}

func TestPeekReflectsConsumedSlots(t *testing.T) {
	ledger := newMemLedger()
	ledger.addUser("user-1", domain.PlanGuest)
	svc := newTestService(ledger)

	_, err := svc.IncrementAndEvaluate(context.Background(), "user-1", "drill", "op-1")
	require.NoError(t, err)

	dec, err := svc.Peek(context.Background(), "user-1", "drill")
	require.NoError(t, err)
	require.Equal(t, 2, dec.Remaining)
	require.Equal(t, 1, dec.UsageBefore)
}
