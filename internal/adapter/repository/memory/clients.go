package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
)

// ClientRepository is an in-process domain.ClientRepository. Quota commits
// are atomic across all clients of a batch.
type ClientRepository struct {
	mu        sync.Mutex
	clients   map[string]domain.Client
	committed map[string]struct{}
}

// NewClientRepository seeds the repository with clients.
func NewClientRepository(clients ...domain.Client) *ClientRepository {
	r := &ClientRepository{
		clients:   make(map[string]domain.Client, len(clients)),
		committed: make(map[string]struct{}),
	}
	for _, c := range clients {
		r.clients[c.ID] = c
	}
	return r
}

func (r *ClientRepository) List(ctx context.Context) ([]domain.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *ClientRepository) Get(ctx context.Context, id string) (domain.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return domain.Client{}, fmt.Errorf("client %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

func (r *ClientRepository) Create(ctx context.Context, c domain.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[c.ID]; exists {
		return &domain.ValidationError{Field: "id", Message: "already exists"}
	}
	r.clients[c.ID] = c
	return nil
}

func (r *ClientRepository) CommitAllocation(ctx context.Context, batchID string, counts map[string]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.committed[batchID]; done {
		return nil
	}
	for id, n := range counts {
		c, ok := r.clients[id]
		if !ok {
			return fmt.Errorf("client %s: %w", id, domain.ErrNotFound)
		}
		if c.RemainingQuota < n {
			return fmt.Errorf("client %s has %d left, needs %d: %w", id, c.RemainingQuota, n, domain.ErrQuotaConflict)
		}
	}
	for id, n := range counts {
		c := r.clients[id]
		c.RemainingQuota -= n
		r.clients[id] = c
	}
	r.committed[batchID] = struct{}{}
	return nil
}

func (r *ClientRepository) SavePeriod(ctx context.Context, id string, periodStart time.Time, remaining int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return fmt.Errorf("client %s: %w", id, domain.ErrNotFound)
	}
	if !c.PeriodStart.Before(periodStart) {
		return nil
	}
	c.PeriodStart = periodStart
	c.RemainingQuota = min(remaining, c.PlanQuota)
	r.clients[id] = c
	return nil
}

func (r *ClientRepository) ResetQuota(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return fmt.Errorf("client %s: %w", id, domain.ErrNotFound)
	}
	c.RemainingQuota = c.PlanQuota
	r.clients[id] = c
	return nil
}
