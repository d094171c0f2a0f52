// Package localstore is the per-device progress cache: a durable mirror of
// the authoritative record plus a write-ahead outbox for mutations made
// while offline. It is owned exclusively by its device and is never
// authoritative; the server-side ledgers settle cross-device state.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"server/internal/domain"
)

// Store persists one LocalCacheRecord per user as a JSON file under a base
// directory.
type Store struct {
	basePath string
}

// NewStore initializes a Store rooted at basePath.
func NewStore(basePath string) (*Store, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("localstore: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("localstore: ensure base path: %w", err)
	}
	return &Store{basePath: basePath}, nil
}

// Load reads the cached record for a user. A missing file yields an empty
// cache record rather than an error: a fresh device simply has no state.
func (s *Store) Load(ctx context.Context, userID string) (*domain.LocalCacheRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.pathFor(userID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &domain.LocalCacheRecord{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localstore: read cache: %w", err)
	}
	var rec domain.LocalCacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// A damaged cache file is recoverable: the next sync pulls the
		// authoritative record again. Start over instead of failing.
		return &domain.LocalCacheRecord{UserID: userID}, nil
	}
	return &rec, nil
}

// Save writes the cache record durably. The write goes through a temp file
// and rename so a crash never leaves a half-written cache.
func (s *Store) Save(ctx context.Context, rec *domain.LocalCacheRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("%w: cache record needs a user id", domain.ErrValidation)
	}
	path, err := s.pathFor(rec.UserID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("localstore: encode cache: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("localstore: write cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("localstore: replace cache: %w", err)
	}
	return nil
}

// Enqueue appends an operation to the outbox and persists immediately, so
// the activity record survives a crash before the next sync.
func (s *Store) Enqueue(ctx context.Context, userID string, op domain.Operation) (*domain.LocalCacheRecord, error) {
	rec, err := s.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	rec.Outbox = append(rec.Outbox, domain.PendingOp{
		ID:        uuid.NewString(),
		Operation: op,
		QueuedAt:  time.Now().UTC(),
	})
	if err := s.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Confirm removes the outbox entries whose ids the server acknowledged.
func (s *Store) Confirm(ctx context.Context, userID string, confirmedIDs []string) error {
	if len(confirmedIDs) == 0 {
		return nil
	}
	rec, err := s.Load(ctx, userID)
	if err != nil {
		return err
	}
	confirmed := make(map[string]struct{}, len(confirmedIDs))
	for _, id := range confirmedIDs {
		confirmed[id] = struct{}{}
	}
	kept := rec.Outbox[:0]
	for _, pending := range rec.Outbox {
		if _, ok := confirmed[pending.ID]; !ok {
			kept = append(kept, pending)
		}
	}
	rec.Outbox = kept
	return s.Save(ctx, rec)
}

// pathFor sanitizes the user id into a cache file path, preventing
// directory traversal the same way asset keys are cleaned.
func (s *Store) pathFor(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	cleaned := filepath.Clean(strings.ReplaceAll(userID, "\\", "/"))
	if cleaned == "." || strings.Contains(cleaned, "/") || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("%w: invalid user id %q", domain.ErrValidation, userID)
	}
	return filepath.Join(s.basePath, cleaned+".json"), nil
}
