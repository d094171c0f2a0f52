package localstore

import (
	"context"
	"fmt"
	"time"

	"server/internal/domain"
)

// ProgressClient is the slice of the server the syncer talks to. In-process
// it is the progress service; on a real device it is the HTTP client.
type ProgressClient interface {
	SyncDevice(ctx context.Context, userID string, local *domain.LocalCacheRecord) (*domain.ProgressRecord, []string, error)
}

// Syncer pushes the outbox to the server and refreshes the local mirror
// from the merged authoritative record.
type Syncer struct {
	store  *Store
	client ProgressClient
}

// NewSyncer wires a syncer over a local store and a progress client.
func NewSyncer(store *Store, client ProgressClient) *Syncer {
	return &Syncer{store: store, client: client}
}

// Sync performs one push/pull cycle. Safe to call repeatedly: confirmed
// outbox entries are removed, unconfirmed ones stay queued for the next
// attempt, and the mirror is replaced by the merged server record.
func (s *Syncer) Sync(ctx context.Context, userID string) (*domain.LocalCacheRecord, error) {
	local, err := s.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}

	merged, confirmedIDs, err := s.client.SyncDevice(ctx, userID, local)
	if cerr := s.store.Confirm(ctx, userID, confirmedIDs); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		// The activity stays in the outbox; the device retries later.
		return nil, fmt.Errorf("sync push: %w", err)
	}

	local, err = s.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	local.Record = *merged
	local.LastUpdated = time.Now().UTC()
	if err := s.store.Save(ctx, local); err != nil {
		return nil, err
	}
	return local, nil
}
