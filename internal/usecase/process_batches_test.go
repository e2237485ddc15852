package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/V4T54L/leadflow/internal/domain/mocks"
)

type stubRunner struct {
	mu   sync.Mutex
	errs map[string]error
	fail error // returned for every batch
	runs []domain.Batch
}

func (s *stubRunner) Run(ctx context.Context, batch domain.Batch) (*domain.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, batch)
	err := s.errs[batch.ID]
	if err == nil {
		err = s.fail
	}
	if err != nil {
		return &domain.BatchResult{BatchID: batch.ID, Status: domain.StatusFailed}, err
	}
	return &domain.BatchResult{BatchID: batch.ID, Status: domain.StatusComplete}, nil
}

func TestProcessBatchesUseCase_ProcessBatches(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	testBatches := []domain.Batch{
		{ID: "b1", StreamMessageID: "msg1"},
		{ID: "b2", StreamMessageID: "msg2"},
	}

	t.Run("Successful Processing", func(t *testing.T) {
		queue := &mocks.MockBatchQueue{ReadBatchResult: testBatches}
		runner := &stubRunner{}
		uc := NewProcessBatchesUseCase(queue, runner, nil, logger, "group", "consumer")

		count, err := uc.ProcessBatches(context.Background())

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if count != 2 {
			t.Errorf("expected processed count to be 2, got %d", count)
		}
		if len(queue.AckedMessageIDs) != 2 {
			t.Errorf("expected 2 messages to be acked, got %d", len(queue.AckedMessageIDs))
		}
		if len(queue.DLQBatches) != 0 {
			t.Errorf("expected 0 batches in DLQ, got %d", len(queue.DLQBatches))
		}
	})

	t.Run("Run Failure goes to DLQ", func(t *testing.T) {
		queue := &mocks.MockBatchQueue{ReadBatchResult: testBatches}
		runner := &stubRunner{errs: map[string]error{"b2": &domain.StageError{Stage: domain.StageDeduplicated, Err: errors.New("database is down")}}}
		uc := NewProcessBatchesUseCase(queue, runner, nil, logger, "group", "consumer")

		count, err := uc.ProcessBatches(context.Background())

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if count != 1 {
			t.Errorf("expected processed count to be 1, got %d", count)
		}
		if len(queue.DLQBatches) != 1 || queue.DLQBatches[0].ID != "b2" {
			t.Errorf("expected b2 in DLQ, got %v", queue.DLQBatches)
		}
		// Messages should be acked even if they go to DLQ
		if len(queue.AckedMessageIDs) != 2 {
			t.Errorf("expected 2 messages to be acked, got %d", len(queue.AckedMessageIDs))
		}
	})

	t.Run("Busy Lock leaves batch pending", func(t *testing.T) {
		queue := &mocks.MockBatchQueue{ReadBatchResult: testBatches[:1]}
		runner := &stubRunner{errs: map[string]error{"b1": domain.ErrRunInProgress}}
		uc := NewProcessBatchesUseCase(queue, runner, nil, logger, "group", "consumer")

		count, err := uc.ProcessBatches(context.Background())

		if err != nil || count != 0 {
			t.Fatalf("expected (0, nil), got (%d, %v)", count, err)
		}
		if len(queue.AckedMessageIDs) != 0 || len(queue.DLQBatches) != 0 {
			t.Error("busy batch must be neither acked nor dead-lettered")
		}
	})

	t.Run("Buffer Read Error", func(t *testing.T) {
		queue := &mocks.MockBatchQueue{ReadErr: errors.New("redis connection failed")}
		uc := NewProcessBatchesUseCase(queue, &stubRunner{}, nil, logger, "group", "consumer")

		count, err := uc.ProcessBatches(context.Background())

		if err == nil {
			t.Fatal("expected an error, got nil")
		}
		if count != 0 {
			t.Errorf("expected processed count to be 0, got %d", count)
		}
	})

	t.Run("No Batches to Process", func(t *testing.T) {
		queue := &mocks.MockBatchQueue{}
		runner := &stubRunner{}
		uc := NewProcessBatchesUseCase(queue, runner, nil, logger, "group", "consumer")

		count, err := uc.ProcessBatches(context.Background())

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if count != 0 || len(runner.runs) != 0 {
			t.Error("runner should not be called with no batches")
		}
	})
}

func TestProcessBatchesUseCase_DrainLeftovers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("Builds carry-over batch", func(t *testing.T) {
		leftovers := &mocks.MockLeftoverQueue{Deferred: []domain.Lead{
			{Email: "a@x.io", FirstName: "A", LastName: "One", Company: "X", Title: "CTO"},
			{Email: "b@x.io", FirstName: "B", LastName: "Two", Company: "Y", Title: "CEO"},
		}}
		runner := &stubRunner{}
		uc := NewProcessBatchesUseCase(&mocks.MockBatchQueue{}, runner, leftovers, logger, "group", "consumer")

		res, err := uc.DrainLeftovers(context.Background())

		if err != nil || res == nil {
			t.Fatalf("expected a result, got (%v, %v)", res, err)
		}
		if len(runner.runs) != 1 {
			t.Fatalf("expected 1 run, got %d", len(runner.runs))
		}
		batch := runner.runs[0]
		if !batch.CarryOver || len(batch.Rows) != 2 {
			t.Errorf("unexpected carry-over batch: %+v", batch)
		}
		if batch.Rows[1].Fields["email"] != "b@x.io" {
			t.Errorf("expected email to be carried over, got %q", batch.Rows[1].Fields["email"])
		}
	})

	t.Run("Failed run defers leads again", func(t *testing.T) {
		leftovers := &mocks.MockLeftoverQueue{Deferred: []domain.Lead{
			{Email: "a@x.io", FirstName: "A"},
			{Email: "b@x.io", FirstName: "B"},
		}}
		runner := &stubRunner{fail: &domain.StageError{Stage: domain.StageDeduplicated, Err: errors.New("history store down")}}
		uc := NewProcessBatchesUseCase(&mocks.MockBatchQueue{}, runner, leftovers, logger, "group", "consumer")

		res, err := uc.DrainLeftovers(context.Background())

		if err == nil {
			t.Fatal("expected the run error to be returned")
		}
		if res == nil || !strings.Contains(err.Error(), res.BatchID) {
			t.Errorf("expected error to name the carry-over batch, got %v", err)
		}
		if len(leftovers.Deferred) != 2 {
			t.Fatalf("expected 2 leads deferred again, got %d", len(leftovers.Deferred))
		}
		if leftovers.Deferred[0].Email != "a@x.io" || leftovers.Deferred[1].Email != "b@x.io" {
			t.Errorf("unexpected deferred leads: %+v", leftovers.Deferred)
		}
	})

	t.Run("Run failed after allocation is left to resume", func(t *testing.T) {
		leftovers := &mocks.MockLeftoverQueue{Deferred: []domain.Lead{{Email: "a@x.io"}, {Email: "b@x.io"}}}
		runner := &stubRunner{fail: &domain.StageError{Stage: domain.StageDelivered, Err: errors.New("sftp timeout")}}
		uc := NewProcessBatchesUseCase(&mocks.MockBatchQueue{}, runner, leftovers, logger, "group", "consumer")

		_, err := uc.DrainLeftovers(context.Background())

		if err == nil {
			t.Fatal("expected the run error to be returned")
		}
		if len(leftovers.Deferred) != 0 {
			t.Errorf("expected checkpointed leads not to be deferred again, got %d", len(leftovers.Deferred))
		}
	})

	t.Run("Nothing waiting", func(t *testing.T) {
		runner := &stubRunner{}
		uc := NewProcessBatchesUseCase(&mocks.MockBatchQueue{}, runner, &mocks.MockLeftoverQueue{}, logger, "group", "consumer")

		res, err := uc.DrainLeftovers(context.Background())

		if err != nil || res != nil || len(runner.runs) != 0 {
			t.Errorf("expected no run, got (%v, %v, %d runs)", res, err, len(runner.runs))
		}
	})
}
