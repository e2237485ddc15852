package memory

import (
	"context"
	"sync"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
)

type historyKey struct {
	email, clientID, batchID string
}

// HistoryStore is an in-process domain.HistoryStore.
type HistoryStore struct {
	mu      sync.RWMutex
	entries []domain.HistoryEntry
	index   map[historyKey]struct{}
}

func NewHistoryStore() *HistoryStore {
	return &HistoryStore{index: make(map[historyKey]struct{})}
}

func (s *HistoryStore) Lookup(ctx context.Context, emails []string) (domain.HistorySnapshot, error) {
	want := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		want[e] = struct{}{}
	}
	snap := make(domain.HistorySnapshot)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if _, ok := want[e.Email]; ok {
			snap.Add(e)
		}
	}
	return snap, nil
}

func (s *HistoryStore) Seen(ctx context.Context, email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (s *HistoryStore) Record(ctx context.Context, entries []domain.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		k := historyKey{e.Email, e.ClientID, e.BatchID}
		if _, dup := s.index[k]; dup {
			continue
		}
		s.index[k] = struct{}{}
		s.entries = append(s.entries, e)
	}
	return nil
}

func (s *HistoryStore) Prune(ctx context.Context, sharedBefore, exclusiveBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	var removed int64
	for _, e := range s.entries {
		cutoff := sharedBefore
		if e.Exclusive {
			cutoff = exclusiveBefore
		}
		if e.DeliveredAt.Before(cutoff) {
			delete(s.index, historyKey{e.Email, e.ClientID, e.BatchID})
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

func (s *HistoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}
