package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"golang.org/x/sync/errgroup"
)

// PersonalizeStats counts how content was produced.
type PersonalizeStats struct {
	AI        int
	Fallbacks int
}

func countContent(content map[string]domain.PersonalizedContent) PersonalizeStats {
	var stats PersonalizeStats
	for _, c := range content {
		if c.Source == domain.ContentSourceAI {
			stats.AI++
		} else {
			stats.Fallbacks++
		}
	}
	return stats
}

// Personalizer fans lead personalization out over a bounded pool of workers.
type Personalizer struct {
	service  domain.PersonalizationService
	fallback TemplatePersonalizer
	workers  int
	timeout  time.Duration
	retry    RetryPolicy
	metrics  PipelineRecorder
	logger   *slog.Logger
}

// NewPersonalizer creates a Personalizer. A nil service means every lead gets
// template content.
func NewPersonalizer(service domain.PersonalizationService, workers int, timeout time.Duration, retry RetryPolicy, metrics PipelineRecorder, logger *slog.Logger) *Personalizer {
	if workers < 1 {
		workers = 1
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Personalizer{
		service: service,
		workers: workers,
		timeout: timeout,
		retry:   retry,
		metrics: metrics,
		logger:  logger.With("component", "personalizer"),
	}
}

// Personalize returns content keyed by lead ID for every lead. Unavailable or
// repeatedly failing generation falls back to templates; only cancellation of
// ctx aborts the whole call.
func (p *Personalizer) Personalize(ctx context.Context, leads []domain.Lead) (map[string]domain.PersonalizedContent, error) {
	out := make(map[string]domain.PersonalizedContent, len(leads))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, lead := range leads {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			content, err := p.generate(gctx, lead)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Warn("personalization failed, using template", "lead_id", lead.ID, "error", err)
				p.metrics.PersonalizationFallback()
				content = TemplateContent(lead)
			}

			mu.Lock()
			defer mu.Unlock()
			out[lead.ID] = content
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

func (p *Personalizer) generate(ctx context.Context, lead domain.Lead) (domain.PersonalizedContent, error) {
	if p.service == nil {
		return domain.PersonalizedContent{}, domain.ErrServiceUnavailable
	}
	var content domain.PersonalizedContent
	err := p.retry.do(ctx, p.logger, "personalize", func(ctx context.Context) error {
		callCtx, cancel := withTimeout(ctx, p.timeout)
		defer cancel()
		start := time.Now()
		c, err := p.service.Generate(callCtx, lead)
		p.metrics.ExternalCall("personalize", err, time.Since(start))
		if err != nil {
			return err
		}
		if c.Source == "" {
			c.Source = domain.ContentSourceAI
		}
		content = c
		return nil
	})
	return content, err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
