package usecase

import (
	"context"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
)

const defaultPendingCount = 100

// QueueAdminUseCase lets operators inspect stuck batches, hand them to a live
// worker and replay dead letters.
type QueueAdminUseCase struct {
	repo domain.QueueAdminRepository
}

func NewQueueAdminUseCase(repo domain.QueueAdminRepository) *QueueAdminUseCase {
	return &QueueAdminUseCase{repo: repo}
}

func (uc *QueueAdminUseCase) Groups(ctx context.Context) ([]domain.ConsumerGroupInfo, error) {
	return uc.repo.Groups(ctx)
}

func (uc *QueueAdminUseCase) Consumers(ctx context.Context, group string) ([]domain.ConsumerInfo, error) {
	return uc.repo.Consumers(ctx, group)
}

func (uc *QueueAdminUseCase) PendingSummary(ctx context.Context, group string) (*domain.PendingSummary, error) {
	return uc.repo.PendingSummary(ctx, group)
}

// PendingBatches pages through unacknowledged batches from startID ("-" when
// empty), defaultPendingCount at a time unless count says otherwise.
func (uc *QueueAdminUseCase) PendingBatches(ctx context.Context, group, consumer, startID string, count int64) ([]domain.PendingBatch, error) {
	if startID == "" {
		startID = "-"
	}
	if count <= 0 {
		count = defaultPendingCount
	}
	return uc.repo.PendingBatches(ctx, group, consumer, startID, count)
}

// Claim moves batches stuck with a dead worker to consumer.
func (uc *QueueAdminUseCase) Claim(ctx context.Context, group, consumer string, minIdle time.Duration, messageIDs []string) ([]domain.Batch, error) {
	if consumer == "" {
		return nil, &domain.ValidationError{Field: "consumer", Message: "is required"}
	}
	if len(messageIDs) == 0 {
		return nil, &domain.ValidationError{Field: "message_ids", Message: "at least one message ID is required"}
	}
	return uc.repo.Claim(ctx, group, consumer, minIdle, messageIDs)
}

func (uc *QueueAdminUseCase) Acknowledge(ctx context.Context, group string, messageIDs ...string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, &domain.ValidationError{Field: "message_ids", Message: "at least one message ID is required"}
	}
	return uc.repo.Acknowledge(ctx, group, messageIDs...)
}

func (uc *QueueAdminUseCase) Trim(ctx context.Context, maxLen int64) (int64, error) {
	if maxLen < 0 {
		return 0, &domain.ValidationError{Field: "maxlen", Message: "must not be negative"}
	}
	return uc.repo.Trim(ctx, maxLen)
}

func (uc *QueueAdminUseCase) DeadLetters(ctx context.Context, count int64) ([]domain.DeadLetter, error) {
	if count <= 0 {
		count = defaultPendingCount
	}
	return uc.repo.DeadLetters(ctx, count)
}

// Requeue sends parked batches back through the workers. The orchestrator
// resumes each from its checkpoint, so delivered clients are not repeated.
func (uc *QueueAdminUseCase) Requeue(ctx context.Context, messageIDs ...string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, &domain.ValidationError{Field: "message_ids", Message: "at least one message ID is required"}
	}
	return uc.repo.Requeue(ctx, messageIDs...)
}
