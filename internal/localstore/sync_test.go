package localstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"server/internal/domain"
)

// fakeClient records what the syncer pushed and answers with a canned
// merged record.
type fakeClient struct {
	merged    *domain.ProgressRecord
	confirm   func(local *domain.LocalCacheRecord) []string
	err       error
	lastLocal *domain.LocalCacheRecord
}

func (f *fakeClient) SyncDevice(_ context.Context, _ string, local *domain.LocalCacheRecord) (*domain.ProgressRecord, []string, error) {
	f.lastLocal = local
	var confirmed []string
	if f.confirm != nil {
		confirmed = f.confirm(local)
	}
	if f.err != nil {
		return nil, confirmed, f.err
	}
	return f.merged, confirmed, nil
}

func allIDs(local *domain.LocalCacheRecord) []string {
	ids := make([]string, 0, len(local.Outbox))
	for _, p := range local.Outbox {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestSyncDrainsOutboxAndRefreshesMirror(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "user-1", domain.Operation{Kind: domain.OpXPGain, Amount: 30}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	merged := domain.NewProgressRecord("user-1", time.Now())
	merged.XP.Total = 30
	client := &fakeClient{merged: merged, confirm: allIDs}

	local, err := NewSyncer(store, client).Sync(ctx, "user-1")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if len(client.lastLocal.Outbox) != 1 {
		t.Fatalf("pushed %d outbox entries, want 1", len(client.lastLocal.Outbox))
	}
	if len(local.Outbox) != 0 {
		t.Fatalf("outbox not drained: %d entries left", len(local.Outbox))
	}
	if local.Record.XP.Total != 30 {
		t.Fatalf("mirror XP.Total = %d, want 30", local.Record.XP.Total)
	}
	if local.LastUpdated.IsZero() {
		t.Fatal("LastUpdated not stamped")
	}

	// The refreshed mirror is durable, not just in memory.
	reloaded, err := store.Load(ctx, "user-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Record.XP.Total != 30 || len(reloaded.Outbox) != 0 {
		t.Fatalf("persisted mirror wrong: %+v", reloaded)
	}
}

func TestSyncKeepsOutboxOnTransientFailure(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "user-1", domain.Operation{Kind: domain.OpXPGain, Amount: 30}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	client := &fakeClient{err: domain.ErrTransient}
	if _, err := NewSyncer(store, client).Sync(ctx, "user-1"); !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("Sync error = %v, want ErrTransient", err)
	}

	rec, err := store.Load(ctx, "user-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rec.Outbox) != 1 {
		t.Fatalf("outbox length = %d, want 1 (queued for retry)", len(rec.Outbox))
	}
}

func TestSyncPartialConfirmation(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "user-1", domain.Operation{Kind: domain.OpXPGain, Amount: 10}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := store.Enqueue(ctx, "user-1", domain.Operation{Kind: domain.OpXPGain, Amount: 20}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The server applied the first entry, then hit a transient failure.
	client := &fakeClient{
		err:     domain.ErrTransient,
		confirm: func(local *domain.LocalCacheRecord) []string { return allIDs(local)[:1] },
	}
	if _, err := NewSyncer(store, client).Sync(ctx, "user-1"); err == nil {
		t.Fatal("expected sync error")
	}

	rec, err := store.Load(ctx, "user-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rec.Outbox) != 1 {
		t.Fatalf("outbox length = %d, want 1", len(rec.Outbox))
	}
	if rec.Outbox[0].Operation.Amount != 20 {
		t.Fatalf("kept amount = %d, want 20 (confirmed entry removed)", rec.Outbox[0].Operation.Amount)
	}
}
