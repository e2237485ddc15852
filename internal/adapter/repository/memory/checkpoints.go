package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/V4T54L/leadflow/internal/domain"
)

// CheckpointStore keeps checkpoints in process. Values are stored encoded so
// callers never share maps with the store.
type CheckpointStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{data: make(map[string][]byte)}
}

func (s *CheckpointStore) Load(ctx context.Context, batchID string) (*domain.Checkpoint, error) {
	s.mu.Lock()
	raw, ok := s.data[batchID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, domain.ErrCheckpointNotFound)
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *CheckpointStore) Save(ctx context.Context, cp *domain.Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[cp.BatchID] = raw
	s.mu.Unlock()
	return nil
}

// RunLocker is a process-local run lock. Acquire blocks until the lock is
// free or ctx is done.
type RunLocker struct {
	sem chan struct{}
}

func NewRunLocker() *RunLocker {
	return &RunLocker{sem: make(chan struct{}, 1)}
}

func (l *RunLocker) Acquire(ctx context.Context, owner string) (func(), error) {
	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-l.sem }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", domain.ErrRunInProgress, ctx.Err())
	}
}
