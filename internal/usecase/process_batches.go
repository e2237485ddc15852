package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/V4T54L/leadflow/internal/pkg/leadcsv"
	"github.com/google/uuid"
)

const (
	defaultReadCount = 10
	defaultCarryOver = 1000
	carryOverSource  = "carry-over"
)

// BatchRunner runs a batch end to end. *Orchestrator implements it.
type BatchRunner interface {
	Run(ctx context.Context, batch domain.Batch) (*domain.BatchResult, error)
}

// ProcessBatchesUseCase reads buffered batches and runs each one. Batches
// whose run fails are parked in the dead-letter stream.
type ProcessBatchesUseCase struct {
	queue        domain.BatchQueue
	runner       BatchRunner
	leftovers    domain.LeftoverQueue
	logger       *slog.Logger
	group        string
	consumer     string
	readCount    int
	carryOverMax int
}

// NewProcessBatchesUseCase creates a new use case for processing batches.
// leftovers may be nil, in which case DrainLeftovers does nothing.
func NewProcessBatchesUseCase(queue domain.BatchQueue, runner BatchRunner, leftovers domain.LeftoverQueue, logger *slog.Logger, group, consumer string) *ProcessBatchesUseCase {
	return &ProcessBatchesUseCase{
		queue:        queue,
		runner:       runner,
		leftovers:    leftovers,
		logger:       logger,
		group:        group,
		consumer:     consumer,
		readCount:    defaultReadCount,
		carryOverMax: defaultCarryOver,
	}
}

// ProcessBatches reads pending batches, runs them and acknowledges them.
// It returns the number of batches that completed.
func (uc *ProcessBatchesUseCase) ProcessBatches(ctx context.Context) (int, error) {
	batches, err := uc.queue.ReadBatches(ctx, uc.group, uc.consumer, uc.readCount)
	if err != nil {
		uc.logger.Error("failed to read batches from buffer", "error", err)
		return 0, err
	}
	if len(batches) == 0 {
		return 0, nil
	}

	completed := 0
	for _, batch := range batches {
		res, err := uc.runner.Run(ctx, batch)
		switch {
		case err == nil:
			completed++
			uc.logger.Info("batch processed", "batch_id", batch.ID, "status", res.Status, "delivered", res.Summary.Delivered)
		case errors.Is(err, domain.ErrRunInProgress):
			// Left pending; it can be claimed through queue admin.
			uc.logger.Warn("run lock busy, leaving batch pending", "batch_id", batch.ID)
			continue
		case ctx.Err() != nil:
			return completed, ctx.Err()
		default:
			uc.logger.Error("batch run failed, moving to DLQ", "batch_id", batch.ID, "error", err)
			if dlqErr := uc.queue.MoveToDLQ(ctx, []domain.Batch{batch}, err.Error()); dlqErr != nil {
				uc.logger.Error("failed to move batch to DLQ", "batch_id", batch.ID, "error", dlqErr)
				return completed, dlqErr
			}
		}

		if err := uc.queue.AcknowledgeBatches(ctx, uc.group, batch.StreamMessageID); err != nil {
			uc.logger.Error("failed to acknowledge batch in buffer", "batch_id", batch.ID, "error", err)
			return completed, err
		}
	}
	return completed, nil
}

// DrainLeftovers turns deferred leads into a carry-over batch and runs it.
// It returns nil when nothing was waiting. Draining removes the leads from the
// queue, so a run that fails before allocation defers them again. Once the
// allocation stage was entered the batch checkpoint owns the leads and the run
// is resumed by its batch ID instead.
func (uc *ProcessBatchesUseCase) DrainLeftovers(ctx context.Context) (*domain.BatchResult, error) {
	if uc.leftovers == nil {
		return nil, nil
	}
	leads, err := uc.leftovers.Drain(ctx, uc.carryOverMax)
	if err != nil {
		return nil, err
	}
	if len(leads) == 0 {
		return nil, nil
	}
	batch := domain.Batch{
		ID:         uuid.NewString(),
		Source:     carryOverSource,
		UploadedAt: time.Now().UTC(),
		Rows:       leadcsv.ToRows(leads),
		CarryOver:  true,
	}
	log := uc.logger.With("batch_id", batch.ID)
	log.Info("running carry-over batch", "leads", len(leads))
	res, err := uc.runner.Run(ctx, batch)
	if err == nil {
		return res, nil
	}

	var stageErr *domain.StageError
	if errors.As(err, &stageErr) && stageErr.Stage.Reached(domain.StageAllocated) {
		log.Error("carry-over run failed after allocation, resume the batch", "stage", stageErr.Stage, "error", err)
		return res, fmt.Errorf("carry-over batch %s: %w", batch.ID, err)
	}
	if deferErr := uc.leftovers.Defer(ctx, batch.ID, leads); deferErr != nil {
		log.Error("failed to re-defer carry-over leads", "leads", len(leads), "error", deferErr)
		return res, fmt.Errorf("carry-over batch %s: %w", batch.ID, errors.Join(err, deferErr))
	}
	log.Warn("carry-over run failed, leads deferred again", "leads", len(leads), "error", err)
	return res, fmt.Errorf("carry-over batch %s: %w", batch.ID, err)
}
