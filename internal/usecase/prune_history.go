package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
)

// DefaultExclusiveRetention is how long exclusive deliveries block an email.
const DefaultExclusiveRetention = 90 * 24 * time.Hour

// PruneHistoryUseCase drops history entries that can no longer affect dedup.
type PruneHistoryUseCase struct {
	history   domain.HistoryStore
	dedup     *Deduplicator
	retention time.Duration
	logger    *slog.Logger
}

// NewPruneHistoryUseCase creates a PruneHistoryUseCase.
func NewPruneHistoryUseCase(history domain.HistoryStore, cfg DedupConfig, exclusiveRetention time.Duration, logger *slog.Logger) *PruneHistoryUseCase {
	return &PruneHistoryUseCase{
		history:   history,
		dedup:     NewDeduplicator(cfg),
		retention: exclusiveRetention,
		logger:    logger.With("component", "history_pruner"),
	}
}

// Prune removes shared entries older than twice the dedup window and
// exclusive entries older than the retention. With an unbounded window
// nothing is removed.
func (uc *PruneHistoryUseCase) Prune(ctx context.Context) (int64, error) {
	shared, exclusive := uc.dedup.PruneCutoffs(uc.retention)
	if shared.IsZero() {
		uc.logger.Info("dedup window is unbounded, keeping all history")
		return 0, nil
	}
	if exclusive.IsZero() || exclusive.After(shared) {
		exclusive = shared
	}
	n, err := uc.history.Prune(ctx, shared, exclusive)
	if err != nil {
		return 0, err
	}
	uc.logger.Info("pruned delivery history", "removed", n, "shared_before", shared, "exclusive_before", exclusive)
	return n, nil
}
