package usecase

import (
	"fmt"
	"sort"
	"strings"

	"github.com/V4T54L/leadflow/internal/domain"
)

// PriorityPolicy decides the order in which clients are offered leads.
type PriorityPolicy string

const (
	PriorityByPlan      PriorityPolicy = "plan"
	PriorityByRemaining PriorityPolicy = "remaining"
	PriorityExplicit    PriorityPolicy = "explicit"
)

// ParsePriorityPolicy maps a config string to a policy; empty means plan.
func ParsePriorityPolicy(s string) (PriorityPolicy, error) {
	switch PriorityPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityByPlan, "":
		return PriorityByPlan, nil
	case PriorityByRemaining:
		return PriorityByRemaining, nil
	case PriorityExplicit:
		return PriorityExplicit, nil
	}
	return "", fmt.Errorf("unknown priority policy %q", s)
}

// OrderClients sorts active clients by policy. Ties always fall back to
// client ID ascending so the order is deterministic.
func OrderClients(clients []domain.Client, policy PriorityPolicy) []domain.Client {
	out := make([]domain.Client, 0, len(clients))
	for _, c := range clients {
		if c.Active {
			out = append(out, c)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch policy {
		case PriorityByRemaining:
			if a.RemainingQuota != b.RemainingQuota {
				return a.RemainingQuota > b.RemainingQuota
			}
		case PriorityExplicit:
			pa, pb := explicitRank(a), explicitRank(b)
			if pa != pb {
				return pa < pb
			}
		default:
			if a.EffectivePriority() != b.EffectivePriority() {
				return a.EffectivePriority() < b.EffectivePriority()
			}
			if a.RemainingQuota != b.RemainingQuota {
				return a.RemainingQuota > b.RemainingQuota
			}
		}
		return a.ID < b.ID
	})
	return out
}

// explicitRank sorts unset priorities after every set one.
func explicitRank(c domain.Client) int {
	if c.Priority <= 0 {
		return int(^uint(0) >> 1)
	}
	return c.Priority
}
