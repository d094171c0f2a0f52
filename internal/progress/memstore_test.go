package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"server/internal/domain"
)

var testNow = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

// memProgressStore implements domain.ProgressStore with the same
// version-checked Put contract as the Postgres adapter. Records are deep
// copied across the boundary so tests observe only committed state.
type memProgressStore struct {
	mu       sync.Mutex
	records  map[string]*domain.ProgressRecord
	versions map[string]int64
	legacy   map[string][]domain.LegacySource

	forceConflicts int
	putCalls       int
}

func newMemProgressStore() *memProgressStore {
	return &memProgressStore{
		records:  make(map[string]*domain.ProgressRecord),
		versions: make(map[string]int64),
		legacy:   make(map[string][]domain.LegacySource),
	}
}

func copyRecord(rec *domain.ProgressRecord) *domain.ProgressRecord {
	raw, err := json.Marshal(rec)
	if err != nil {
		panic(err)
	}
	var out domain.ProgressRecord
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

func (m *memProgressStore) seed(rec *domain.ProgressRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.UserID] = copyRecord(rec)
	m.versions[rec.UserID] = 1
}

func (m *memProgressStore) Get(_ context.Context, userID string) (*domain.ProgressRecord, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[userID]
	if !ok {
		return nil, 0, fmt.Errorf("progress for %s: %w", userID, domain.ErrNotFound)
	}
	return copyRecord(rec), m.versions[userID], nil
}

func (m *memProgressStore) Put(_ context.Context, userID string, rec *domain.ProgressRecord, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.forceConflicts > 0 {
		m.forceConflicts--
		return domain.ErrVersionConflict
	}
	if m.versions[userID] != expectVersion {
		return domain.ErrVersionConflict
	}
	m.records[userID] = copyRecord(rec)
	m.versions[userID] = expectVersion + 1
	return nil
}

func (m *memProgressStore) ListLegacySources(_ context.Context, userID string) ([]domain.LegacySource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.legacy[userID], nil
}

func (m *memProgressStore) ListUnhealthy(_ context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0)
	for id, rec := range m.records {
		if rec.Metadata.DataHealth != domain.HealthHealthy {
			ids = append(ids, id)
			if len(ids) == limit {
				break
			}
		}
	}
	return ids, nil
}

// memUsers implements domain.UserRepository.
type memUsers struct {
	plans map[string]domain.Plan
}

func newMemUsers() *memUsers {
	return &memUsers{plans: make(map[string]domain.Plan)}
}

func (m *memUsers) GetPlan(_ context.Context, userID string) (domain.Plan, error) {
	plan, ok := m.plans[userID]
	if !ok {
		return "", fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	return plan, nil
}
