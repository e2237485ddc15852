package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/V4T54L/leadflow/internal/domain"
)

// MockPersonalizer returns canned AI content. FailEmails maps a normalized
// email to the error returned for it.
type MockPersonalizer struct {
	mu         sync.Mutex
	FailEmails map[string]error
	Err        error
	Calls      int
}

func (m *MockPersonalizer) Generate(ctx context.Context, lead domain.Lead) (domain.PersonalizedContent, error) {
	m.mu.Lock()
	m.Calls++
	err := m.Err
	if e, ok := m.FailEmails[lead.NormalizedEmail]; ok {
		err = e
	}
	m.mu.Unlock()
	if err != nil {
		return domain.PersonalizedContent{}, err
	}
	if ctx.Err() != nil {
		return domain.PersonalizedContent{}, ctx.Err()
	}
	return domain.PersonalizedContent{
		ColdEmail:  "ai email for " + lead.NormalizedEmail,
		Icebreaker: "ai icebreaker for " + lead.Company,
		Source:     domain.ContentSourceAI,
	}, nil
}

// CallCount returns how many times Generate ran.
func (m *MockPersonalizer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// MockDeliverySink records deliveries per client. FailClients maps a client
// ID to the error its delivery returns.
type MockDeliverySink struct {
	mu          sync.Mutex
	Delivered   map[string][]domain.Lead
	Content     map[string]domain.PersonalizedContent
	FailClients map[string]error
	Calls       map[string]int
}

func (m *MockDeliverySink) Deliver(ctx context.Context, client domain.Client, leads []domain.Lead, content map[string]domain.PersonalizedContent) (domain.DeliveryReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Calls == nil {
		m.Calls = make(map[string]int)
	}
	m.Calls[client.ID]++
	if err, ok := m.FailClients[client.ID]; ok && err != nil {
		return domain.DeliveryReceipt{}, err
	}
	if m.Delivered == nil {
		m.Delivered = make(map[string][]domain.Lead)
	}
	if m.Content == nil {
		m.Content = make(map[string]domain.PersonalizedContent)
	}
	m.Delivered[client.ID] = append(m.Delivered[client.ID], leads...)
	for id, c := range content {
		m.Content[id] = c
	}
	return domain.DeliveryReceipt{
		DeliveryID: client.ID + "-delivery",
		ClientID:   client.ID,
		ClientName: client.Name,
		LeadCount:  len(leads),
		Notified:   true,
	}, nil
}

// DeliveredTo returns what client id received.
func (m *MockDeliverySink) DeliveredTo(id string) []domain.Lead {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Lead(nil), m.Delivered[id]...)
}

// CallsFor returns the number of Deliver calls for client id.
func (m *MockDeliverySink) CallsFor(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[id]
}

// MockCrmLogger records receipts.
type MockCrmLogger struct {
	mu       sync.Mutex
	Receipts []domain.DeliveryReceipt
	Err      error
}

func (m *MockCrmLogger) Log(ctx context.Context, receipt domain.DeliveryReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Receipts = append(m.Receipts, receipt)
	return nil
}

// MockCheckpointStore keeps checkpoints in memory. SaveErrAt fails the save
// of the given stage.
type MockCheckpointStore struct {
	mu          sync.Mutex
	Checkpoints map[string]domain.Checkpoint
	SaveErrAt   domain.Stage
	SaveErr     error
	Saves       []domain.Stage
}

func (m *MockCheckpointStore) Load(ctx context.Context, batchID string) (*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.Checkpoints[batchID]
	if !ok {
		return nil, domain.ErrCheckpointNotFound
	}
	return &cp, nil
}

func (m *MockCheckpointStore) Save(ctx context.Context, cp *domain.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil && (m.SaveErrAt == "" || m.SaveErrAt == cp.Stage) {
		return m.SaveErr
	}
	if m.Checkpoints == nil {
		m.Checkpoints = make(map[string]domain.Checkpoint)
	}
	m.Saves = append(m.Saves, cp.Stage)
	m.Checkpoints[cp.BatchID] = *cp
	return nil
}

// MockRunLocker is a single-holder lock.
type MockRunLocker struct {
	mu   sync.Mutex
	Held bool
	Err  error
}

func (m *MockRunLocker) Acquire(ctx context.Context, owner string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Held {
		return nil, domain.ErrRunInProgress
	}
	m.Held = true
	return func() {
		m.mu.Lock()
		m.Held = false
		m.mu.Unlock()
	}, nil
}

// MockLeftoverQueue records deferred leads.
type MockLeftoverQueue struct {
	mu       sync.Mutex
	Deferred []domain.Lead
	Err      error
}

func (m *MockLeftoverQueue) Defer(ctx context.Context, batchID string, leads []domain.Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Deferred = append(m.Deferred, leads...)
	return nil
}

func (m *MockLeftoverQueue) Drain(ctx context.Context, max int) ([]domain.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if max <= 0 || max > len(m.Deferred) {
		max = len(m.Deferred)
	}
	out := append([]domain.Lead(nil), m.Deferred[:max]...)
	m.Deferred = m.Deferred[max:]
	return out, nil
}

// ErrMock is a generic failure for tests.
var ErrMock = errors.New("mock failure")
