package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/V4T54L/leadflow/internal/domain/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientUseCase(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewMockClientRepository()
	history := &mocks.MockHistoryStore{Entries: []domain.HistoryEntry{{Email: "a@x.io"}}}
	uc := NewClientUseCase(repo, history, domain.DefaultPlans(), domain.PeriodMonthly, discardLogger)
	uc.now = clock

	t.Run("create from plan", func(t *testing.T) {
		c, err := uc.Create(ctx, NewClientInput{ID: "acme", Name: "Acme", Email: "ops@acme.io", Plan: "Pro", Exclusive: true})
		require.NoError(t, err)
		assert.Equal(t, 250, c.PlanQuota)
		assert.Equal(t, 250, c.RemainingQuota)
		assert.True(t, c.Plan.AIPersonalization)
		assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), c.PeriodStart)
		assert.True(t, c.Active)
	})

	t.Run("unknown plan", func(t *testing.T) {
		_, err := uc.Create(ctx, NewClientInput{Name: "X", Email: "x@x.io", Plan: "gold"})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("exclusive needs plan support", func(t *testing.T) {
		_, err := uc.Create(ctx, NewClientInput{Name: "X", Email: "x@x.io", Plan: "basic", Exclusive: true})
		var ve *domain.ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "exclusive", ve.Field)
	})

	t.Run("reset quota", func(t *testing.T) {
		repo.SetRemaining("acme", 10)
		c, err := uc.ResetQuota(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, 250, c.RemainingQuota)

		_, err = uc.ResetQuota(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := uc.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Clients)
		assert.Equal(t, 1, stats.ActiveClients)
		assert.Equal(t, 250, stats.RemainingQuota["acme"])
		assert.Equal(t, int64(1), stats.HistoryEntries)
	})
}

func TestPruneHistoryUseCase(t *testing.T) {
	history := &mocks.MockHistoryStore{Entries: []domain.HistoryEntry{
		{Email: "fresh@x.io", DeliveredAt: fixedNow.AddDate(0, 0, -10)},
		{Email: "stale@x.io", DeliveredAt: fixedNow.AddDate(0, 0, -61)},
		{Email: "excl-kept@x.io", Exclusive: true, DeliveredAt: fixedNow.AddDate(0, 0, -80)},
		{Email: "excl-gone@x.io", Exclusive: true, DeliveredAt: fixedNow.AddDate(0, 0, -91)},
	}}
	uc := NewPruneHistoryUseCase(history, DedupConfig{WindowDays: 30, Now: clock}, DefaultExclusiveRetention, discardLogger)

	n, err := uc.Prune(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	var left []string
	for _, e := range history.Snapshot() {
		left = append(left, e.Email)
	}
	assert.Equal(t, []string{"fresh@x.io", "excl-kept@x.io"}, left)

	unbounded := NewPruneHistoryUseCase(history, DedupConfig{Now: clock}, DefaultExclusiveRetention, discardLogger)
	n, err = unbounded.Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestValidateRows(t *testing.T) {
	v := NewLeadValidator([]string{"company"}, false, clock)
	leads, rejected := v.Validate(domain.Batch{ID: "b1", Rows: []domain.RawRow{
		{Row: 1, Fields: map[string]string{"email": "Jane@Acme.io", "company": "Acme", "linkedin": "https://linkedin.com/in/jr"}},
		{Row: 2, Fields: map[string]string{"email": "", "company": "Acme"}},
		{Row: 3, Fields: map[string]string{"email": "x@y.io"}},
		{Row: 4, Fields: map[string]string{"email": "not-an-email", "company": "Acme"}},
	}})

	require.Len(t, leads, 1)
	assert.Equal(t, "jane@acme.io", leads[0].NormalizedEmail)
	assert.Equal(t, "b1", leads[0].BatchID)
	assert.Equal(t, "https://linkedin.com/in/jr", leads[0].LinkedIn)
	assert.NotEmpty(t, leads[0].ID)
	require.Len(t, rejected, 3)
	for _, r := range rejected {
		assert.Equal(t, domain.ReasonInvalidRow, r.Reason)
	}
	assert.Contains(t, rejected[0].Detail, "row 2: email")
	assert.Contains(t, rejected[1].Detail, "company")
	assert.Contains(t, rejected[2].Detail, "not a valid address")
}
