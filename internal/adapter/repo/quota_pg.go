package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// QuotaLedgerPG implements domain.QuotaLedger backed by PostgreSQL.
//
// Linearizability per (user, feature, period) comes from two layers: the
// version column on usage_buckets rejects stale writers, and the commit
// runs under a serializable transaction so the idempotency insert and the
// counter bump land together or not at all.
type QuotaLedgerPG struct {
	pool *pgxpool.Pool
}

// NewQuotaLedger creates a new QuotaLedgerPG.
func NewQuotaLedger(pool *pgxpool.Pool) *QuotaLedgerPG {
	return &QuotaLedgerPG{pool: pool}
}

// GetUserEntitlements reads the user's plan and overrides fresh from the
// users table. Plan changes must take effect on the very next decision.
func (r *QuotaLedgerPG) GetUserEntitlements(ctx context.Context, userID string) (domain.Plan, map[domain.FeatureID]domain.UserOverride, error) {
	row := r.pool.QueryRow(ctx, `
SELECT plan, COALESCE(entitlement_overrides, '[]'::jsonb)
FROM users
WHERE id = $1;
`, userID)

	var planStr string
	var overridesRaw []byte
	if err := row.Scan(&planStr, &overridesRaw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
		}
		return "", nil, transient("read user entitlements", err)
	}

	var list []domain.UserOverride
	if err := json.Unmarshal(overridesRaw, &list); err != nil {
		return "", nil, fmt.Errorf("user %s overrides: %w", userID, domain.ErrCorruptedState)
	}
	overrides := make(map[domain.FeatureID]domain.UserOverride, len(list))
	for _, o := range list {
		overrides[o.FeatureID] = o
	}
	return domain.ParsePlan(planStr), overrides, nil
}

// GetBucket reads the current usage bucket; absent rows mean zero usage.
func (r *QuotaLedgerPG) GetBucket(ctx context.Context, userID string, featureID domain.FeatureID, periodKey string) (domain.UsageBucket, error) {
	bucket := domain.UsageBucket{
		UserID:    userID,
		FeatureID: featureID,
		PeriodKey: periodKey,
	}
	row := r.pool.QueryRow(ctx, `
SELECT count, version, last_updated
FROM usage_buckets
WHERE user_id = $1 AND feature_id = $2 AND period_key = $3;
`, userID, featureID, periodKey)

	if err := row.Scan(&bucket.Count, &bucket.Version, &bucket.LastUpdated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bucket, nil
		}
		return bucket, transient("read usage bucket", err)
	}
	return bucket, nil
}

// GetIdempotency returns the stored Decision for an unexpired key.
func (r *QuotaLedgerPG) GetIdempotency(ctx context.Context, userID string, featureID domain.FeatureID, key string) (*domain.Decision, error) {
	row := r.pool.QueryRow(ctx, `
SELECT decision
FROM idempotency_records
WHERE user_id = $1 AND feature_id = $2 AND idempotency_key = $3 AND expires_at > $4;
`, userID, featureID, key, time.Now().UTC())

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, transient("read idempotency record", err)
	}
	var dec domain.Decision
	if err := json.Unmarshal(raw, &dec); err != nil {
		return nil, fmt.Errorf("idempotency record for %s/%s: %w", userID, featureID, domain.ErrCorruptedState)
	}
	return &dec, nil
}

// Commit applies the counter bump and the idempotency record in one
// serializable transaction.
func (r *QuotaLedgerPG) Commit(ctx context.Context, commit domain.QuotaCommit) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return transient("begin quota commit", err)
	}
	defer tx.Rollback(ctx)

	if commit.Increment {
		if commit.ExpectVersion == 0 {
			tag, err := tx.Exec(ctx, `
INSERT INTO usage_buckets (user_id, feature_id, period_key, count, version, last_updated)
VALUES ($1, $2, $3, 1, 1, $4)
ON CONFLICT (user_id, feature_id, period_key) DO NOTHING;
`, commit.UserID, commit.FeatureID, commit.PeriodKey, commit.Now)
			if err != nil {
				return mapCommitError("insert usage bucket", err)
			}
			if tag.RowsAffected() == 0 {
				return domain.ErrVersionConflict
			}
		} else {
			tag, err := tx.Exec(ctx, `
UPDATE usage_buckets
SET count = count + 1,
    version = version + 1,
    last_updated = $4
WHERE user_id = $1 AND feature_id = $2 AND period_key = $3 AND version = $5;
`, commit.UserID, commit.FeatureID, commit.PeriodKey, commit.Now, commit.ExpectVersion)
			if err != nil {
				return mapCommitError("update usage bucket", err)
			}
			if tag.RowsAffected() == 0 {
				return domain.ErrVersionConflict
			}
		}
	}

	decisionJSON, err := json.Marshal(commit.Decision)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	// An expired row that the purge sweep has not removed yet is reclaimed
	// in place, so the key is usable again the moment its TTL lapses. Only
	// a conflict with a live row is a duplicate.
	tag, err := tx.Exec(ctx, `
INSERT INTO idempotency_records (user_id, feature_id, idempotency_key, decision, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, feature_id, idempotency_key) DO UPDATE
SET decision = EXCLUDED.decision,
    expires_at = EXCLUDED.expires_at,
    created_at = now()
WHERE idempotency_records.expires_at <= $6;
`, commit.UserID, commit.FeatureID, commit.IdempotencyKey, decisionJSON, commit.Now.Add(domain.IdempotencyTTL), commit.Now)
	if err != nil {
		return mapCommitError("insert idempotency record", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDuplicateOperation
	}

	if err := tx.Commit(ctx); err != nil {
		return mapCommitError("commit quota transaction", err)
	}
	return nil
}

// PurgeExpiredIdempotency deletes records past their expiry.
func (r *QuotaLedgerPG) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1;`, now.UTC())
	if err != nil {
		return 0, transient("purge idempotency records", err)
	}
	return tag.RowsAffected(), nil
}

// mapCommitError classifies transaction failures: serialization failures
// re-enter the retry loop, everything else is transient for the caller.
func mapCommitError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return domain.ErrVersionConflict
	}
	return transient(op, err)
}

func transient(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, domain.ErrTransient)
}
