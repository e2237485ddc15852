package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/V4T54L/leadflow/internal/adapter/pii"
	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/V4T54L/leadflow/internal/pkg/leadcsv"
	"github.com/google/uuid"
)

// IngestBatchUseCase handles the business logic for accepting an uploaded batch.
type IngestBatchUseCase struct {
	queue    domain.BatchQueue
	redactor *pii.Redactor
	required []string
	logger   *slog.Logger
}

// NewIngestBatchUseCase creates a new IngestBatchUseCase. required lists the
// columns every upload header must carry.
func NewIngestBatchUseCase(queue domain.BatchQueue, redactor *pii.Redactor, required []string, logger *slog.Logger) *IngestBatchUseCase {
	return &IngestBatchUseCase{
		queue:    queue,
		redactor: redactor,
		required: required,
		logger:   logger,
	}
}

// IngestCSV parses an upload into a batch and buffers it.
func (uc *IngestBatchUseCase) IngestCSV(ctx context.Context, source string, r io.Reader) (*domain.Batch, error) {
	rows, err := leadcsv.Read(r, uc.required)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ValidationError{Field: "file", Message: "contains no rows"}
	}
	batch := &domain.Batch{Source: source, Rows: rows}
	if err := uc.Ingest(ctx, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// Ingest enriches, redacts, and buffers a batch.
func (uc *IngestBatchUseCase) Ingest(ctx context.Context, batch *domain.Batch) error {
	batch.UploadedAt = time.Now().UTC()
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}

	if uc.redactor != nil {
		uc.redactor.Redact(batch)
	}

	if err := uc.queue.BufferBatch(ctx, *batch); err != nil {
		uc.logger.Error("failed to buffer batch", "error", err, "batch_id", batch.ID)
		return fmt.Errorf("buffer batch: %w", err)
	}

	uc.logger.Info("batch accepted", "batch_id", batch.ID, "rows", len(batch.Rows), "source", batch.Source)
	return nil
}
