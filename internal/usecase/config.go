package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
)

// RetryPolicy bounds retries of external calls.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// do runs fn until it succeeds, returns a non-retryable error or attempts run
// out. The wait between attempts doubles each time and honors ctx.
func (p RetryPolicy) do(ctx context.Context, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	backoff := p.Backoff
	for i := 0; i < p.attempts(); i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !domain.IsRetryable(err) || i == p.attempts()-1 {
			break
		}
		logger.Warn("external call failed, retrying...", "op", op, "attempt", i+1, "error", err)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// PipelineConfig holds the tunables of a batch run.
type PipelineConfig struct {
	RequiredFields      []string
	Dedup               DedupConfig
	Allocator           AllocatorConfig
	QuotaPeriod         domain.QuotaPeriod
	Workers             int
	ExternalCallTimeout time.Duration
	Retry               RetryPolicy
	CommitAttempts      int
	Now                 func() time.Time
}

// DefaultPipelineConfig mirrors the defaults of the env config.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		RequiredFields:      []string{"first_name", "last_name", "company", "title"},
		Dedup:               DedupConfig{},
		Allocator:           AllocatorConfig{Policy: PriorityByPlan, Strategy: StrategyFill},
		QuotaPeriod:         domain.PeriodMonthly,
		Workers:             4,
		ExternalCallTimeout: 30 * time.Second,
		Retry:               RetryPolicy{Attempts: 3, Backoff: time.Second},
		CommitAttempts:      3,
		Now:                 time.Now,
	}
}

func (c PipelineConfig) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}
