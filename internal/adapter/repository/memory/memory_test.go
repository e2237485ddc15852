package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewHistoryStore()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, []domain.HistoryEntry{
		{Email: "a@x.com", ClientID: "c1", BatchID: "b1", DeliveredAt: old},
		{Email: "a@x.com", ClientID: "c2", BatchID: "b2", DeliveredAt: recent},
		{Email: "b@x.com", ClientID: "c1", BatchID: "b1", DeliveredAt: old, Exclusive: true},
	}))

	t.Run("record is idempotent", func(t *testing.T) {
		require.NoError(t, s.Record(ctx, []domain.HistoryEntry{{Email: "a@x.com", ClientID: "c1", BatchID: "b1", DeliveredAt: old}}))
		n, _ := s.Count(ctx)
		assert.Equal(t, int64(3), n)
	})

	t.Run("lookup returns latest per email", func(t *testing.T) {
		snap, err := s.Lookup(ctx, []string{"a@x.com", "b@x.com", "z@x.com"})
		require.NoError(t, err)
		assert.Len(t, snap, 2)
		e, ok := snap.Delivered("a@x.com")
		require.True(t, ok)
		assert.Equal(t, "c2", e.ClientID)
	})

	t.Run("prune keeps exclusive entries longer", func(t *testing.T) {
		cutoff := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
		removed, err := s.Prune(ctx, cutoff, old.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)
		seen, _ := s.Seen(ctx, "b@x.com")
		assert.True(t, seen)
	})
}

func TestClientRepository_CommitAllocation(t *testing.T) {
	ctx := context.Background()
	repo := NewClientRepository(
		domain.Client{ID: "c1", PlanQuota: 10, RemainingQuota: 5},
		domain.Client{ID: "c2", PlanQuota: 10, RemainingQuota: 2},
	)

	err := repo.CommitAllocation(ctx, "b1", map[string]int{"c1": 3, "c2": 3})
	require.ErrorIs(t, err, domain.ErrQuotaConflict)
	c1, _ := repo.Get(ctx, "c1")
	assert.Equal(t, 5, c1.RemainingQuota, "a failed commit must not apply partially")

	require.NoError(t, repo.CommitAllocation(ctx, "b1", map[string]int{"c1": 3, "c2": 2}))
	require.NoError(t, repo.CommitAllocation(ctx, "b1", map[string]int{"c1": 3, "c2": 2}))
	c1, _ = repo.Get(ctx, "c1")
	c2, _ := repo.Get(ctx, "c2")
	assert.Equal(t, 2, c1.RemainingQuota)
	assert.Equal(t, 0, c2.RemainingQuota)

	require.NoError(t, repo.ResetQuota(ctx, "c2"))
	c2, _ = repo.Get(ctx, "c2")
	assert.Equal(t, 10, c2.RemainingQuota)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClientRepository_ConcurrentCommitsNeverOversell(t *testing.T) {
	ctx := context.Background()
	repo := NewClientRepository(domain.Client{ID: "c1", PlanQuota: 10, RemainingQuota: 10})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := repo.CommitAllocation(ctx, string(rune('a'+i)), map[string]int{"c1": 3}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	c1, _ := repo.Get(ctx, "c1")
	assert.Equal(t, 3, ok)
	assert.Equal(t, 1, c1.RemainingQuota)
}

func TestCheckpointStoreAndLocker(t *testing.T) {
	ctx := context.Background()
	store := NewCheckpointStore()

	_, err := store.Load(ctx, "b1")
	require.ErrorIs(t, err, domain.ErrCheckpointNotFound)

	cp := &domain.Checkpoint{BatchID: "b1", Stage: domain.StageAllocated, Logged: map[string]bool{"c1": true}}
	require.NoError(t, store.Save(ctx, cp))
	cp.Logged["c2"] = true

	got, err := store.Load(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageAllocated, got.Stage)
	assert.Len(t, got.Logged, 1)

	locker := NewRunLocker()
	release, err := locker.Acquire(ctx, "b1")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(short, "b2")
	assert.True(t, errors.Is(err, domain.ErrRunInProgress))

	release()
	release()
	release2, err := locker.Acquire(ctx, "b2")
	require.NoError(t, err)
	release2()
}
