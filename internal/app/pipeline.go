// Package app wires the adapters shared by the api and worker binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/V4T54L/leadflow/internal/adapter/crm/notion"
	"github.com/V4T54L/leadflow/internal/adapter/delivery"
	"github.com/V4T54L/leadflow/internal/adapter/personalize/gemini"
	"github.com/V4T54L/leadflow/internal/adapter/queue/rabbitmq"
	"github.com/V4T54L/leadflow/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/leadflow/internal/adapter/repository/redis"
	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/V4T54L/leadflow/internal/pkg/config"
	"github.com/V4T54L/leadflow/internal/usecase"
	"github.com/redis/go-redis/v9"
)

// Pipeline is a wired orchestrator plus the stores it runs against.
type Pipeline struct {
	Orchestrator *usecase.Orchestrator
	Config       usecase.PipelineConfig
	History      *postgres.HistoryRepository
	Clients      *postgres.ClientRepository
	Checkpoints  *redisrepo.CheckpointStore
	Leftovers    domain.LeftoverQueue

	closers []func() error
}

// NewPipeline builds the run pipeline from cfg. Optional integrations are
// enabled by their settings: Gemini by GEMINI_API_KEY, Drive by
// DRIVE_CREDENTIALS_FILE, email by SMTP_HOST, Notion by NOTION_TOKEN and
// leftover deferral by AMQP_URL.
func NewPipeline(ctx context.Context, cfg *config.Config, db *sql.DB, rdb *redis.Client, recorder usecase.PipelineRecorder, logger *slog.Logger) (*Pipeline, error) {
	pcfg, err := cfg.Pipeline()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrFatalConfiguration, err)
	}

	p := &Pipeline{
		Config:      pcfg,
		History:     postgres.NewHistoryRepository(db, logger),
		Clients:     postgres.NewClientRepository(db, logger),
		Checkpoints: redisrepo.NewCheckpointStore(rdb, cfg.CheckpointTTL, logger),
	}

	personalization, err := newPersonalization(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	sink, err := newSink(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var crm domain.CrmLogger = notion.Noop{Logger: logger}
	if cfg.NotionToken != "" {
		crm = notion.NewLogger(cfg.NotionToken, cfg.NotionDatabaseID, cfg.ExternalCallTimeout, logger)
	}

	if cfg.AMQPURL != "" {
		q, err := rabbitmq.Dial(cfg.AMQPURL, logger)
		if err != nil {
			return nil, err
		}
		p.Leftovers = q
		p.closers = append(p.closers, q.Close)
	} else {
		logger.Warn("AMQP_URL not set, leftover leads will only be reported")
	}

	p.Orchestrator = usecase.NewOrchestrator(usecase.OrchestratorDeps{
		History:         p.History,
		Clients:         p.Clients,
		Personalization: personalization,
		Sink:            sink,
		Crm:             crm,
		Checkpoints:     p.Checkpoints,
		Locker:          redisrepo.NewRunLocker(rdb, cfg.RunLockTTL, logger),
		Leftovers:       p.Leftovers,
		Metrics:         recorder,
	}, pcfg, logger)
	return p, nil
}

// Close releases connections opened by NewPipeline.
func (p *Pipeline) Close() {
	for _, c := range p.closers {
		c()
	}
}

func newPersonalization(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.PersonalizationService, error) {
	if cfg.GeminiAPIKey == "" {
		logger.Warn("GEMINI_API_KEY not set, using template copy only")
		return usecase.TemplatePersonalizer{}, nil
	}
	return gemini.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiRPM, logger)
}

func newSink(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*delivery.Sink, error) {
	var uploader delivery.Uploader
	if cfg.DriveCredentialsFile != "" {
		u, err := delivery.NewDriveUploader(ctx, cfg.DriveCredentialsFile, cfg.DriveFolderID, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrFatalConfiguration, err)
		}
		uploader = u
	}
	var notifier delivery.Notifier
	if cfg.SMTPHost != "" {
		notifier = delivery.NewMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.FromEmail)
	}
	return delivery.NewSink(delivery.NewCSVExporter(cfg.DeliveryDir), uploader, notifier, logger), nil
}
