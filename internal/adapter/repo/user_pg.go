package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// UserRepositoryPG implements domain.UserRepository backed by PostgreSQL.
type UserRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepositoryPG.
func NewUserRepository(pool *pgxpool.Pool) *UserRepositoryPG {
	return &UserRepositoryPG{pool: pool}
}

// GetPlan reads the user's current plan. Always a fresh read: stale plan
// data on quota or XP decisions is the failure class this design guards
// against.
func (r *UserRepositoryPG) GetPlan(ctx context.Context, userID string) (domain.Plan, error) {
	row := r.pool.QueryRow(ctx, `SELECT plan FROM users WHERE id = $1;`, userID)

	var planStr string
	if err := row.Scan(&planStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
		}
		return "", transient("read user plan", err)
	}
	return domain.ParsePlan(planStr), nil
}
