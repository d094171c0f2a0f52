package progress

import (
	"context"
	"errors"

	"server/internal/domain"
)

// Service is the entry point collaborators use. It pairs the ledger with
// the reconciler so corrupted records are repaired in-band instead of
// failing the caller's update.
type Service struct {
	ledger     *Ledger
	reconciler *Reconciler
}

// NewService wires the progress service.
func NewService(ledger *Ledger, reconciler *Reconciler) *Service {
	return &Service{ledger: ledger, reconciler: reconciler}
}

// ApplyUpdate applies one semantic operation. When the stored record fails
// its invariants the reconciler rebuilds it first and the operation is
// applied to the repaired record.
func (s *Service) ApplyUpdate(ctx context.Context, userID string, op domain.Operation) (*domain.ProgressRecord, error) {
	rec, err := s.ledger.ApplyUpdate(ctx, userID, op)
	if err == nil || !errors.Is(err, domain.ErrCorruptedState) {
		return rec, err
	}
	if _, rerr := s.reconciler.Reconcile(ctx, userID); rerr != nil {
		return nil, rerr
	}
	return s.ledger.ApplyUpdate(ctx, userID, op)
}

// Get returns the user's record, reconciling first when it is unhealthy.
func (s *Service) Get(ctx context.Context, userID string) (*domain.ProgressRecord, error) {
	return s.reconciler.Get(ctx, userID)
}

// Reconcile forces a repair/merge pass for the user.
func (s *Service) Reconcile(ctx context.Context, userID string) (*domain.ProgressRecord, error) {
	return s.reconciler.Reconcile(ctx, userID)
}

// SyncDevice merges a device's local cache into the authoritative record.
func (s *Service) SyncDevice(ctx context.Context, userID string, local *domain.LocalCacheRecord) (*domain.ProgressRecord, []string, error) {
	return s.reconciler.SyncDevice(ctx, userID, local)
}
