package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/V4T54L/leadflow/internal/domain/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	history   *mocks.MockHistoryStore
	clients   *mocks.MockClientRepository
	ai        *mocks.MockPersonalizer
	sink      *mocks.MockDeliverySink
	crm       *mocks.MockCrmLogger
	cps       *mocks.MockCheckpointStore
	lock      *mocks.MockRunLocker
	leftovers *mocks.MockLeftoverQueue
}

func newHarness(clients ...domain.Client) *harness {
	for i := range clients {
		if clients[i].PeriodStart.IsZero() {
			clients[i].PeriodStart = domain.PeriodMonthly.Start(fixedNow)
		}
	}
	return &harness{
		history:   &mocks.MockHistoryStore{},
		clients:   mocks.NewMockClientRepository(clients...),
		ai:        &mocks.MockPersonalizer{},
		sink:      &mocks.MockDeliverySink{},
		crm:       &mocks.MockCrmLogger{},
		cps:       &mocks.MockCheckpointStore{},
		lock:      &mocks.MockRunLocker{},
		leftovers: &mocks.MockLeftoverQueue{},
	}
}

func (h *harness) orchestrator() *Orchestrator {
	return NewOrchestrator(OrchestratorDeps{
		History:         h.history,
		Clients:         h.clients,
		Personalization: h.ai,
		Sink:            h.sink,
		Crm:             h.crm,
		Checkpoints:     h.cps,
		Locker:          h.lock,
		Leftovers:       h.leftovers,
	}, testConfig(), discardLogger)
}

func testConfig() PipelineConfig {
	cfg := DefaultPipelineConfig()
	cfg.Now = clock
	cfg.Workers = 2
	cfg.ExternalCallTimeout = time.Second
	cfg.Retry = RetryPolicy{Attempts: 1, Backoff: time.Millisecond}
	return cfg
}

func batchOf(id string, emails ...string) domain.Batch {
	rows := make([]domain.RawRow, len(emails))
	for i, e := range emails {
		rows[i] = domain.RawRow{Row: i + 1, Fields: map[string]string{
			"first_name": fmt.Sprintf("First%d", i),
			"last_name":  "Last",
			"company":    "Co" + e,
			"title":      "CTO",
			"email":      e,
		}}
	}
	return domain.Batch{ID: id, Rows: rows}
}

func assignedEmails(res *domain.BatchResult, clientID string) []string {
	var out []string
	for _, l := range res.Allocations[clientID] {
		out = append(out, l.NormalizedEmail)
	}
	return out
}

func TestOrchestrator_Run(t *testing.T) {
	t.Run("full run", func(t *testing.T) {
		h := newHarness(testClient("prem", "premium", 2), testClient("basic", "basic", 2))
		h.history.Entries = []domain.HistoryEntry{{Email: "hist@x.io", ClientID: "old", DeliveredAt: fixedNow.AddDate(0, 0, -3)}}
		o := h.orchestrator()

		res, err := o.Run(context.Background(), batchOf("b1",
			"a@x.io", "b@x.io", "c@x.io", "d@x.io", "e@x.io", "bad-email", "A@x.io", "hist@x.io"))

		require.NoError(t, err)
		assert.Equal(t, domain.StatusComplete, res.Status)
		assert.Equal(t, domain.StageComplete, res.Stage)
		assert.Equal(t, domain.Summary{
			Received: 8, Invalid: 1, DuplicateInBatch: 1, DuplicateHistorical: 1,
			Accepted: 5, Allocated: 4, Leftover: 1, Delivered: 4, AIPersonalized: 5,
		}, res.Summary)
		assert.Equal(t, []string{"a@x.io", "b@x.io"}, assignedEmails(res, "prem"))
		assert.Equal(t, []string{"c@x.io", "d@x.io"}, assignedEmails(res, "basic"))
		require.Len(t, res.Leftover, 1)
		assert.Equal(t, "e@x.io", res.Leftover[0].NormalizedEmail)
		assert.Empty(t, res.Pending)

		assert.Equal(t, 0, h.clients.Remaining("prem"))
		assert.Equal(t, 0, h.clients.Remaining("basic"))
		assert.Len(t, h.leftovers.Deferred, 1)
		assert.Len(t, h.history.Snapshot(), 1+4)
		assert.Len(t, h.crm.Receipts, 2)

		for _, l := range h.sink.DeliveredTo("prem") {
			assert.Equal(t, domain.ContentSourceAI, l.Personalization.Source)
		}
		for _, l := range h.sink.DeliveredTo("basic") {
			assert.Equal(t, domain.ContentSourceTemplate, l.Personalization.Source, "basic plan gets template copy")
		}

		cp, err := h.cps.Load(context.Background(), "b1")
		require.NoError(t, err)
		assert.Equal(t, domain.StageComplete, cp.Stage)
	})

	t.Run("missing wiring is fatal", func(t *testing.T) {
		h := newHarness()
		o := NewOrchestrator(OrchestratorDeps{History: h.history, Clients: h.clients}, testConfig(), discardLogger)

		res, err := o.Run(context.Background(), batchOf("b1", "a@x.io"))

		assert.Nil(t, res)
		assert.ErrorIs(t, err, domain.ErrFatalConfiguration)
		assert.Empty(t, h.cps.Saves)
	})

	t.Run("lock held", func(t *testing.T) {
		h := newHarness(testClient("c1", "pro", 5))
		h.lock.Held = true
		_, err := h.orchestrator().Run(context.Background(), batchOf("b1", "a@x.io"))
		assert.ErrorIs(t, err, domain.ErrRunInProgress)
	})

	t.Run("history outage fails at dedup", func(t *testing.T) {
		h := newHarness(testClient("c1", "pro", 5))
		h.history.LookupErr = errors.New("connection refused")

		res, err := h.orchestrator().Run(context.Background(), batchOf("b1", "a@x.io"))

		var stageErr *domain.StageError
		require.True(t, errors.As(err, &stageErr))
		assert.Equal(t, domain.StageDeduplicated, stageErr.Stage)
		assert.Equal(t, domain.StatusFailed, res.Status)
		assert.Equal(t, domain.StageDeduplicated, res.FailedStage)
		assert.Contains(t, res.Cause, "connection refused")
		assert.Equal(t, 5, h.clients.Remaining("c1"))
	})

	t.Run("cancelled before start", func(t *testing.T) {
		h := newHarness(testClient("c1", "pro", 5))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res, err := h.orchestrator().Run(ctx, batchOf("b1", "a@x.io"))

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, domain.StatusFailed, res.Status)
		assert.Zero(t, h.sink.CallsFor("c1"))
	})

	t.Run("quota conflict re-allocates", func(t *testing.T) {
		h := newHarness(testClient("c1", "pro", 5))
		h.clients.ConflictsLeft = 1

		res, err := h.orchestrator().Run(context.Background(), batchOf("b1", "a@x.io", "b@x.io"))

		require.NoError(t, err)
		assert.Equal(t, domain.StatusComplete, res.Status)
		assert.Equal(t, 3, h.clients.Remaining("c1"))
		assert.GreaterOrEqual(t, h.clients.ListCalls, 2)
	})

	t.Run("persistent quota conflict fails without decrement", func(t *testing.T) {
		h := newHarness(testClient("c1", "pro", 5))
		h.clients.ConflictsLeft = 10

		res, err := h.orchestrator().Run(context.Background(), batchOf("b1", "a@x.io"))

		assert.ErrorIs(t, err, domain.ErrQuotaConflict)
		assert.Equal(t, domain.StageAllocated, res.FailedStage)
		assert.Equal(t, 5, h.clients.Remaining("c1"))
		assert.Zero(t, h.sink.CallsFor("c1"))
	})

	t.Run("crm failure downgrades status", func(t *testing.T) {
		h := newHarness(testClient("c1", "pro", 5))
		h.crm.Err = errors.New("notion 500")

		res, err := h.orchestrator().Run(context.Background(), batchOf("b1", "a@x.io"))

		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleteWithWarnings, res.Status)
		assert.Len(t, res.Receipts, 1)
		assert.NotEmpty(t, res.Warnings)
	})

	t.Run("leftover deferral failure is a warning", func(t *testing.T) {
		h := newHarness(testClient("c1", "pro", 1))
		h.leftovers.Err = errors.New("amqp closed")

		res, err := h.orchestrator().Run(context.Background(), batchOf("b1", "a@x.io", "b@x.io"))

		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleteWithWarnings, res.Status)
		assert.Len(t, res.Leftover, 1)
	})

	t.Run("exclusive client history", func(t *testing.T) {
		c := testClient("c1", "premium", 5)
		c.Exclusive = true
		h := newHarness(c)

		_, err := h.orchestrator().Run(context.Background(), batchOf("b1", "a@x.io"))

		require.NoError(t, err)
		entries := h.history.Snapshot()
		require.Len(t, entries, 1)
		assert.True(t, entries[0].Exclusive)
		assert.Equal(t, "c1", entries[0].ClientID)
	})

	t.Run("new period restores quota", func(t *testing.T) {
		c := testClient("c1", "basic", 0)
		c.PeriodStart = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
		h := newHarness(c)

		res, err := h.orchestrator().Run(context.Background(), batchOf("b1", "a@x.io"))

		require.NoError(t, err)
		assert.Equal(t, 1, res.Summary.Delivered)
		assert.Equal(t, 99, h.clients.Remaining("c1"))
	})
}

func TestOrchestrator_PartialDeliveryAndResume(t *testing.T) {
	h := newHarness(testClient("prem", "premium", 2), testClient("pro", "pro", 2))
	h.sink.FailClients = map[string]error{"pro": domain.NewExternalError("drive", "upload", domain.ErrDelivery, errors.New("403"), false)}
	o := h.orchestrator()

	first, err := o.Run(context.Background(), batchOf("b1", "a@x.io", "b@x.io", "c@x.io", "d@x.io"))

	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleteWithWarnings, first.Status)
	assert.Contains(t, first.ClientErrors, "pro")
	assert.ElementsMatch(t, []string{"c@x.io", "d@x.io"}, first.Pending)
	assert.Equal(t, 2, first.Summary.Delivered)
	assert.Len(t, h.history.Snapshot(), 2)

	h.sink.FailClients = nil
	second, err := o.Resume(context.Background(), "b1")

	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, second.Status)
	assert.Empty(t, second.Pending)
	assert.Equal(t, assignedEmails(first, "prem"), assignedEmails(second, "prem"))
	assert.Equal(t, assignedEmails(first, "pro"), assignedEmails(second, "pro"))
	assert.Equal(t, 1, h.sink.CallsFor("prem"), "delivered client is not redelivered")
	assert.Equal(t, 2, h.sink.CallsFor("pro"))
	assert.Len(t, h.history.Snapshot(), 4)
	assert.Equal(t, 0, h.clients.Remaining("prem"))
	assert.Equal(t, 0, h.clients.Remaining("pro"))

	third, err := o.Resume(context.Background(), "b1")
	require.NoError(t, err)
	assert.Same(t, second, third)
}

func TestOrchestrator_ResumeAfterFailedStage(t *testing.T) {
	h := newHarness(testClient("c1", "pro", 3))
	h.history.RecordErr = errors.New("disk full")
	o := h.orchestrator()

	first, err := o.Run(context.Background(), batchOf("b1", "a@x.io", "b@x.io"))

	require.Error(t, err)
	assert.Equal(t, domain.StageDelivered, first.FailedStage)
	assert.Equal(t, 1, h.clients.Remaining("c1"))

	// A concurrent writer changes quota; the committed allocation must not be redone.
	h.clients.SetRemaining("c1", 0)
	h.history.RecordErr = nil
	ai := h.ai.CallCount()

	second, err := o.Resume(context.Background(), "b1")

	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, second.Status)
	assert.Equal(t, assignedEmails(first, "c1"), assignedEmails(second, "c1"))
	assert.Equal(t, ai, h.ai.CallCount(), "personalization is not repeated")
	assert.Equal(t, 0, h.clients.Remaining("c1"))
}

func TestOrchestrator_ResumeUnknownBatch(t *testing.T) {
	h := newHarness()
	_, err := h.orchestrator().Resume(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)
}

func TestOrchestrator_RequeuedBatch(t *testing.T) {
	t.Run("continues from checkpoint", func(t *testing.T) {
		h := newHarness(testClient("c1", "pro", 3))
		h.history.RecordErr = errors.New("disk full")
		o := h.orchestrator()

		batch := batchOf("b1", "a@x.io", "b@x.io")
		first, err := o.Run(context.Background(), batch)
		require.Error(t, err)

		h.history.RecordErr = nil
		ai := h.ai.CallCount()
		batch.Requeued = true

		second, err := o.Run(context.Background(), batch)

		require.NoError(t, err)
		assert.Equal(t, domain.StatusComplete, second.Status)
		assert.Equal(t, assignedEmails(first, "c1"), assignedEmails(second, "c1"))
		assert.Equal(t, ai, h.ai.CallCount())
		assert.Equal(t, 1, h.clients.Remaining("c1"))
	})

	t.Run("without checkpoint starts fresh", func(t *testing.T) {
		h := newHarness(testClient("c1", "pro", 3))
		batch := batchOf("b2", "a@x.io")
		batch.Requeued = true

		res, err := h.orchestrator().Run(context.Background(), batch)

		require.NoError(t, err)
		assert.Equal(t, domain.StatusComplete, res.Status)
		assert.Equal(t, []string{"a@x.io"}, assignedEmails(res, "c1"))
	})
}

func TestOrchestrator_ResumeKeepsCommittedAllocation(t *testing.T) {
	h := newHarness(testClient("c1", "premium", 1), testClient("c2", "basic", 5))
	h.cps.SaveErrAt = domain.StageAllocated
	h.cps.SaveErr = errors.New("redis timeout")
	o := h.orchestrator()

	first, err := o.Run(context.Background(), batchOf("b1", "a@x.io", "b@x.io"))

	require.Error(t, err)
	assert.Equal(t, domain.StageAllocated, first.FailedStage)
	assert.Equal(t, 0, h.clients.Remaining("c1"))
	assert.Equal(t, 4, h.clients.Remaining("c2"))

	h.cps.SaveErr = nil
	second, err := o.Resume(context.Background(), "b1")

	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, second.Status)
	assert.Equal(t, []string{"a@x.io"}, assignedEmails(second, "c1"))
	assert.Equal(t, []string{"b@x.io"}, assignedEmails(second, "c2"))
	assert.Len(t, h.sink.DeliveredTo("c1"), 1)
	assert.Len(t, h.sink.DeliveredTo("c2"), 1)
	assert.Equal(t, 0, h.clients.Remaining("c1"), "quota is decremented once")
	assert.Equal(t, 4, h.clients.Remaining("c2"), "quota is decremented once")
}

func TestOrchestrator_DefaultDedupChecksAllHistory(t *testing.T) {
	h := newHarness(testClient("c1", "basic", 5))
	h.history.Entries = []domain.HistoryEntry{{Email: "old@x.io", ClientID: "c1", DeliveredAt: fixedNow.AddDate(-1, 0, -31)}}

	res, err := h.orchestrator().Run(context.Background(), batchOf("b1", "old@x.io", "new@x.io"))

	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.DuplicateHistorical)
	assert.Equal(t, []string{"new@x.io"}, assignedEmails(res, "c1"))
}
