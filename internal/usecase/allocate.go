package usecase

import (
	"fmt"
	"strings"

	"github.com/V4T54L/leadflow/internal/domain"
)

// AllocationStrategy decides how leads are spread over ordered clients.
type AllocationStrategy string

const (
	// StrategyFill gives every lead to the highest-priority client that still
	// has quota.
	StrategyFill AllocationStrategy = "fill"
	// StrategyRoundRobin lets clients take turns in priority order.
	StrategyRoundRobin AllocationStrategy = "round_robin"
)

// ParseAllocationStrategy maps a config string to a strategy; empty means fill.
func ParseAllocationStrategy(s string) (AllocationStrategy, error) {
	switch AllocationStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyFill, "":
		return StrategyFill, nil
	case StrategyRoundRobin:
		return StrategyRoundRobin, nil
	}
	return "", fmt.Errorf("unknown allocation strategy %q", s)
}

// AllocatorConfig selects ordering and spreading.
type AllocatorConfig struct {
	Policy   PriorityPolicy
	Strategy AllocationStrategy
}

// AllocationResult is a proposed assignment, not yet committed.
type AllocationResult struct {
	Assignments map[string][]domain.Lead
	Order       []string
	Leftover    []domain.Lead
	Remaining   map[string]int
}

// Counts returns the number of leads per client.
func (r AllocationResult) Counts() map[string]int {
	out := make(map[string]int, len(r.Assignments))
	for id, leads := range r.Assignments {
		out[id] = len(leads)
	}
	return out
}

// Allocator assigns unique leads to clients within remaining quota.
type Allocator struct {
	cfg AllocatorConfig
}

// NewAllocator creates an Allocator.
func NewAllocator(cfg AllocatorConfig) *Allocator {
	if cfg.Policy == "" {
		cfg.Policy = PriorityByPlan
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyFill
	}
	return &Allocator{cfg: cfg}
}

// Allocate works on copies; the given clients are not modified. No client is
// assigned more leads than its remaining quota, and every lead ends up either
// assigned exactly once or in Leftover.
func (a *Allocator) Allocate(leads []domain.Lead, clients []domain.Client) AllocationResult {
	ordered := OrderClients(clients, a.cfg.Policy)
	res := AllocationResult{
		Assignments: make(map[string][]domain.Lead),
		Order:       make([]string, 0, len(ordered)),
		Remaining:   make(map[string]int, len(ordered)),
	}
	for _, c := range ordered {
		res.Order = append(res.Order, c.ID)
		res.Remaining[c.ID] = max(c.RemainingQuota, 0)
	}

	cursor := 0
	for _, lead := range leads {
		idx := a.pick(res, cursor)
		if idx < 0 {
			res.Leftover = append(res.Leftover, lead)
			continue
		}
		id := res.Order[idx]
		lead.ClientID = id
		res.Assignments[id] = append(res.Assignments[id], lead)
		res.Remaining[id]--
		if a.cfg.Strategy == StrategyRoundRobin {
			cursor = (idx + 1) % len(res.Order)
		}
	}
	return res
}

// pick returns the index of the first client from start (wrapping) with quota left.
func (a *Allocator) pick(res AllocationResult, start int) int {
	n := len(res.Order)
	for k := 0; k < n; k++ {
		idx := (start + k) % n
		if res.Remaining[res.Order[idx]] > 0 {
			return idx
		}
	}
	return -1
}
