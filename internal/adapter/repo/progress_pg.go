package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// ProgressStorePG implements domain.ProgressStore backed by PostgreSQL.
// The full record lives in one jsonb column guarded by a version counter,
// so every update is a single-document read-modify-write.
type ProgressStorePG struct {
	pool *pgxpool.Pool
}

// NewProgressStore creates a new ProgressStorePG.
func NewProgressStore(pool *pgxpool.Pool) *ProgressStorePG {
	return &ProgressStorePG{pool: pool}
}

// Get fetches the record and its version. A row whose payload no longer
// decodes comes back flagged corrupted instead of erroring, so the
// reconciler can rebuild it.
func (r *ProgressStorePG) Get(ctx context.Context, userID string) (*domain.ProgressRecord, int64, error) {
	row := r.pool.QueryRow(ctx, `
SELECT record, version
FROM progress_records
WHERE user_id = $1;
`, userID)

	var raw []byte
	var version int64
	if err := row.Scan(&raw, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, fmt.Errorf("progress record for %s: %w", userID, domain.ErrNotFound)
		}
		return nil, 0, transient("read progress record", err)
	}

	var rec domain.ProgressRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		rec = domain.ProgressRecord{UserID: userID}
		rec.Metadata.DataHealth = domain.HealthCorrupted
		return &rec, version, nil
	}
	if rec.UserID == "" {
		rec.UserID = userID
	}
	return &rec, version, nil
}

// Put writes the record when the stored version still matches.
func (r *ProgressStorePG) Put(ctx context.Context, userID string, rec *domain.ProgressRecord, expectVersion int64) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode progress record: %w", err)
	}

	if expectVersion == 0 {
		tag, err := r.pool.Exec(ctx, `
INSERT INTO progress_records (user_id, record, data_health, version, updated_at)
VALUES ($1, $2, $3, 1, $4)
ON CONFLICT (user_id) DO NOTHING;
`, userID, payload, rec.Metadata.DataHealth, rec.Metadata.LastUpdated)
		if err != nil {
			return transient("insert progress record", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrVersionConflict
		}
		return nil
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE progress_records
SET record = $2,
    data_health = $3,
    version = version + 1,
    updated_at = $4
WHERE user_id = $1 AND version = $5;
`, userID, payload, rec.Metadata.DataHealth, rec.Metadata.LastUpdated, expectVersion)
	if err != nil {
		return transient("update progress record", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

// legacyPayload is the wire shape of progress_legacy_sources.payload.
type legacyPayload struct {
	Dates          []string `json:"dates"`
	CurrentStreak  int      `json:"current_streak"`
	BestStreak     int      `json:"best_streak"`
	XPTotal        int64    `json:"xp_total"`
	AchievementIDs []string `json:"achievement_ids"`
	TotalSessions  int      `json:"total_sessions"`
	ItemsReviewed  int      `json:"items_reviewed"`
	StudyMinutes   int      `json:"study_minutes"`
}

// ListLegacySources returns all alternate progress sources for the user,
// oldest first. Sources with undecodable payloads are skipped; repair
// works with whatever is readable.
func (r *ProgressStorePG) ListLegacySources(ctx context.Context, userID string) ([]domain.LegacySource, error) {
	rows, err := r.pool.Query(ctx, `
SELECT source_name, payload
FROM progress_legacy_sources
WHERE user_id = $1
ORDER BY created_at;
`, userID)
	if err != nil {
		return nil, transient("list legacy sources", err)
	}
	defer rows.Close()

	var sources []domain.LegacySource
	for rows.Next() {
		var name string
		var raw []byte
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, transient("scan legacy source", err)
		}
		var p legacyPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		sources = append(sources, domain.LegacySource{
			Name:           name,
			Dates:          p.Dates,
			CurrentStreak:  p.CurrentStreak,
			BestStreak:     p.BestStreak,
			XPTotal:        p.XPTotal,
			AchievementIDs: p.AchievementIDs,
			TotalSessions:  p.TotalSessions,
			ItemsReviewed:  p.ItemsReviewed,
			StudyMinutes:   p.StudyMinutes,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, transient("iterate legacy sources", err)
	}
	return sources, nil
}

// ListUnhealthy returns ids of users whose records are flagged for repair.
func (r *ProgressStorePG) ListUnhealthy(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
SELECT user_id
FROM progress_records
WHERE data_health <> 'healthy'
ORDER BY updated_at
LIMIT $1;
`, limit)
	if err != nil {
		return nil, transient("list unhealthy records", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, transient("scan unhealthy record", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("iterate unhealthy records", err)
	}
	return ids, nil
}
