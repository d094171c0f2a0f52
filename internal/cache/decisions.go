// Package cache holds the redis read-through cache for persisted quota
// Decisions. The authoritative copy always lives in the ledger; the cache
// only short-circuits idempotent replays.
package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"server/internal/domain"
)

const decisionKeyPrefix = "decision:"

// DecisionCache stores Decisions under their idempotency key with the same
// 24h TTL as the ledger record. A nil *DecisionCache is a valid no-op.
type DecisionCache struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewDecisionCache wraps a redis client. Returns nil when the client is
// nil, which callers treat as "cache disabled".
func NewDecisionCache(client *redis.Client, logger zerolog.Logger) *DecisionCache {
	if client == nil {
		return nil
	}
	return &DecisionCache{client: client, logger: logger}
}

// Get returns a cached Decision for the key, if present.
func (c *DecisionCache) Get(ctx context.Context, userID string, featureID domain.FeatureID, key string) (*domain.Decision, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, cacheKey(userID, featureID, key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug().Err(err).Msg("decision cache read failed")
		}
		return nil, false
	}
	var dec domain.Decision
	if err := json.Unmarshal(raw, &dec); err != nil {
		return nil, false
	}
	return &dec, true
}

// Set stores a committed Decision. Failures are logged and ignored; the
// ledger record answers the next replay instead.
func (c *DecisionCache) Set(ctx context.Context, userID string, featureID domain.FeatureID, key string, dec domain.Decision) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(dec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(userID, featureID, key), raw, domain.IdempotencyTTL).Err(); err != nil {
		c.logger.Debug().Err(err).Msg("decision cache write failed")
	}
}

func cacheKey(userID string, featureID domain.FeatureID, key string) string {
	return fmt.Sprintf("%s%s:%s:%s", decisionKeyPrefix, userID, featureID, key)
}
