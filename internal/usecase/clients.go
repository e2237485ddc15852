package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/google/uuid"
)

// NewClientInput is what an operator supplies to register a client.
type NewClientInput struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Email         string `json:"email" yaml:"email"`
	Plan          string `json:"plan" yaml:"plan"`
	Priority      int    `json:"priority" yaml:"priority"`
	Exclusive     bool   `json:"exclusive" yaml:"exclusive"`
	DriveFolderID string `json:"drive_folder_id" yaml:"drive_folder_id"`
	NotifyEmail   string `json:"notify_email" yaml:"notify_email"`
}

// ClientUseCase manages clients and their quota.
type ClientUseCase struct {
	repo    domain.ClientRepository
	history domain.HistoryStore
	plans   map[string]domain.Plan
	period  domain.QuotaPeriod
	now     func() time.Time
	logger  *slog.Logger
}

// NewClientUseCase creates a ClientUseCase over the given plan catalog.
func NewClientUseCase(repo domain.ClientRepository, history domain.HistoryStore, plans map[string]domain.Plan, period domain.QuotaPeriod, logger *slog.Logger) *ClientUseCase {
	return &ClientUseCase{
		repo:    repo,
		history: history,
		plans:   plans,
		period:  period,
		now:     time.Now,
		logger:  logger.With("component", "client_usecase"),
	}
}

// Create registers a client with the full quota of its plan.
func (uc *ClientUseCase) Create(ctx context.Context, in NewClientInput) (domain.Client, error) {
	plan, ok := uc.plans[strings.ToLower(strings.TrimSpace(in.Plan))]
	if !ok {
		return domain.Client{}, &domain.ValidationError{Field: "plan", Message: fmt.Sprintf("unknown plan %q", in.Plan)}
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := uc.now().UTC()
	client := domain.Client{
		ID:             in.ID,
		Name:           strings.TrimSpace(in.Name),
		Email:          strings.TrimSpace(in.Email),
		Plan:           plan,
		PlanQuota:      plan.MaxLeads,
		RemainingQuota: plan.MaxLeads,
		PeriodStart:    uc.period.Start(now),
		Priority:       in.Priority,
		Exclusive:      in.Exclusive,
		Active:         true,
		Delivery: domain.DeliveryPreferences{
			Format:        "csv",
			DriveFolderID: in.DriveFolderID,
			NotifyEmail:   in.NotifyEmail,
		},
		CreatedAt: now,
	}
	if err := client.Validate(); err != nil {
		return domain.Client{}, err
	}
	if err := uc.repo.Create(ctx, client); err != nil {
		return domain.Client{}, fmt.Errorf("create client: %w", err)
	}
	uc.logger.Info("client created", "client_id", client.ID, "plan", plan.Name)
	return client, nil
}

// List returns all clients.
func (uc *ClientUseCase) List(ctx context.Context) ([]domain.Client, error) {
	return uc.repo.List(ctx)
}

// Get returns one client.
func (uc *ClientUseCase) Get(ctx context.Context, id string) (domain.Client, error) {
	return uc.repo.Get(ctx, id)
}

// ResetQuota restores a client's remaining quota to its plan quota.
func (uc *ClientUseCase) ResetQuota(ctx context.Context, id string) (domain.Client, error) {
	if err := uc.repo.ResetQuota(ctx, id); err != nil {
		return domain.Client{}, err
	}
	uc.logger.Info("client quota reset", "client_id", id)
	return uc.repo.Get(ctx, id)
}

// Stats summarizes clients and history for the dashboard.
func (uc *ClientUseCase) Stats(ctx context.Context) (domain.Stats, error) {
	clients, err := uc.repo.List(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	stats := domain.Stats{
		Clients:        len(clients),
		RemainingQuota: make(map[string]int, len(clients)),
		GeneratedAt:    uc.now().UTC(),
	}
	for _, c := range clients {
		if c.Active {
			stats.ActiveClients++
		}
		stats.RemainingQuota[c.ID] = c.RemainingQuota
	}
	if uc.history != nil {
		n, err := uc.history.Count(ctx)
		if err != nil {
			return domain.Stats{}, fmt.Errorf("count history: %w", err)
		}
		stats.HistoryEntries = n
	}
	return stats, nil
}
