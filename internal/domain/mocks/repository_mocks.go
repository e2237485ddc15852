package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
)

// MockBatchQueue is a mock implementation of domain.BatchQueue for testing.
type MockBatchQueue struct {
	mu              sync.Mutex
	BufferedBatches []domain.Batch
	AckedMessageIDs []string
	DLQBatches      []domain.Batch
	DLQCauses       []string
	ReadBatchResult []domain.Batch
	BufferErr       error
	ReadErr         error
	AckErr          error
	DLQErr          error
}

func (m *MockBatchQueue) BufferBatch(ctx context.Context, batch domain.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BufferErr != nil {
		return m.BufferErr
	}
	m.BufferedBatches = append(m.BufferedBatches, batch)
	return nil
}

func (m *MockBatchQueue) ReadBatches(ctx context.Context, group, consumer string, count int) ([]domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	out := m.ReadBatchResult
	m.ReadBatchResult = nil
	return out, nil
}

func (m *MockBatchQueue) AcknowledgeBatches(ctx context.Context, group string, messageIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AckErr != nil {
		return m.AckErr
	}
	m.AckedMessageIDs = append(m.AckedMessageIDs, messageIDs...)
	return nil
}

func (m *MockBatchQueue) MoveToDLQ(ctx context.Context, batches []domain.Batch, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DLQErr != nil {
		return m.DLQErr
	}
	m.DLQBatches = append(m.DLQBatches, batches...)
	m.DLQCauses = append(m.DLQCauses, cause)
	return nil
}

// MockHistoryStore keeps entries in a slice.
type MockHistoryStore struct {
	mu        sync.Mutex
	Entries   []domain.HistoryEntry
	LookupErr error
	RecordErr error
	PruneErr  error
}

func (m *MockHistoryStore) Lookup(ctx context.Context, emails []string) (domain.HistorySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LookupErr != nil {
		return nil, m.LookupErr
	}
	want := make(map[string]bool, len(emails))
	for _, e := range emails {
		want[e] = true
	}
	snap := make(domain.HistorySnapshot)
	for _, e := range m.Entries {
		if want[e.Email] {
			snap.Add(e)
		}
	}
	return snap, nil
}

func (m *MockHistoryStore) Seen(ctx context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LookupErr != nil {
		return false, m.LookupErr
	}
	for _, e := range m.Entries {
		if e.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockHistoryStore) Record(ctx context.Context, entries []domain.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecordErr != nil {
		return m.RecordErr
	}
	m.Entries = append(m.Entries, entries...)
	return nil
}

func (m *MockHistoryStore) Prune(ctx context.Context, sharedBefore, exclusiveBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PruneErr != nil {
		return 0, m.PruneErr
	}
	kept := m.Entries[:0]
	var removed int64
	for _, e := range m.Entries {
		cutoff := sharedBefore
		if e.Exclusive {
			cutoff = exclusiveBefore
		}
		if e.DeliveredAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.Entries = kept
	return removed, nil
}

func (m *MockHistoryStore) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.Entries)), nil
}

// Snapshot returns a copy of the recorded entries.
func (m *MockHistoryStore) Snapshot() []domain.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.HistoryEntry(nil), m.Entries...)
}

// MockClientRepository holds clients in a map. ConflictsLeft makes the next
// N commits fail with ErrQuotaConflict.
type MockClientRepository struct {
	mu            sync.Mutex
	Clients       map[string]domain.Client
	Committed     map[string]map[string]int
	ConflictsLeft int
	ListErr       error
	CommitErr     error
	ListCalls     int
}

// NewMockClientRepository seeds the mock with clients.
func NewMockClientRepository(clients ...domain.Client) *MockClientRepository {
	m := &MockClientRepository{Clients: make(map[string]domain.Client), Committed: make(map[string]map[string]int)}
	for _, c := range clients {
		m.Clients[c.ID] = c
	}
	return m
}

func (m *MockClientRepository) List(ctx context.Context) ([]domain.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls++
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := make([]domain.Client, 0, len(m.Clients))
	for _, c := range m.Clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockClientRepository) Get(ctx context.Context, id string) (domain.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Clients[id]
	if !ok {
		return domain.Client{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *MockClientRepository) Create(ctx context.Context, client domain.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Clients[client.ID] = client
	return nil
}

func (m *MockClientRepository) CommitAllocation(ctx context.Context, batchID string, counts map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CommitErr != nil {
		return m.CommitErr
	}
	if _, done := m.Committed[batchID]; done {
		return nil
	}
	if m.ConflictsLeft > 0 {
		m.ConflictsLeft--
		return domain.ErrQuotaConflict
	}
	for id, n := range counts {
		if m.Clients[id].RemainingQuota < n {
			return domain.ErrQuotaConflict
		}
	}
	for id, n := range counts {
		c := m.Clients[id]
		c.RemainingQuota -= n
		m.Clients[id] = c
	}
	m.Committed[batchID] = counts
	return nil
}

func (m *MockClientRepository) SavePeriod(ctx context.Context, id string, periodStart time.Time, remaining int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Clients[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.PeriodStart = periodStart
	c.RemainingQuota = remaining
	m.Clients[id] = c
	return nil
}

func (m *MockClientRepository) ResetQuota(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Clients[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.RemainingQuota = c.PlanQuota
	m.Clients[id] = c
	return nil
}

// Remaining returns the stored remaining quota of a client.
func (m *MockClientRepository) Remaining(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Clients[id].RemainingQuota
}

// SetRemaining overwrites a client's remaining quota, simulating a concurrent writer.
func (m *MockClientRepository) SetRemaining(id string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.Clients[id]
	c.RemainingQuota = n
	m.Clients[id] = c
}

// MockAPIKeyRepository accepts the keys in ValidKeys.
type MockAPIKeyRepository struct {
	mu        sync.Mutex
	ValidKeys map[string]bool
	Err       error
	Calls     int
}

func (m *MockAPIKeyRepository) IsValid(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return false, m.Err
	}
	return m.ValidKeys[key], nil
}

// MockWALRepository is a mock implementation of domain.WALRepository.
type MockWALRepository struct {
	mu       sync.Mutex
	Batches  []domain.Batch
	WriteErr error
}

func (m *MockWALRepository) Write(ctx context.Context, batch domain.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.Batches = append(m.Batches, batch)
	return nil
}

func (m *MockWALRepository) Replay(ctx context.Context, handler func(batch domain.Batch) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.Batches {
		if err := handler(b); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockWALRepository) Truncate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Batches = nil
	return nil
}
