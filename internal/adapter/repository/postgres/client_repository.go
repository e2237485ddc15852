package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
)

const clientColumns = `id, name, email, plan_name, plan_max_leads, plan_priority, plan_ai, plan_exclusive,
	plan_quota, remaining_quota, period_start, priority, exclusive, active,
	delivery_format, drive_folder_id, notify_email, created_at`

// ClientRepository implements domain.ClientRepository on PostgreSQL.
type ClientRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewClientRepository creates a new PostgreSQL client repository.
func NewClientRepository(db *sql.DB, logger *slog.Logger) *ClientRepository {
	return &ClientRepository{db: db, logger: logger.With("component", "postgres_clients")}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(s rowScanner) (domain.Client, error) {
	var c domain.Client
	err := s.Scan(
		&c.ID, &c.Name, &c.Email,
		&c.Plan.Name, &c.Plan.MaxLeads, &c.Plan.Priority, &c.Plan.AIPersonalization, &c.Plan.ExclusiveOption,
		&c.PlanQuota, &c.RemainingQuota, &c.PeriodStart, &c.Priority, &c.Exclusive, &c.Active,
		&c.Delivery.Format, &c.Delivery.DriveFolderID, &c.Delivery.NotifyEmail, &c.CreatedAt,
	)
	return c, err
}

func (r *ClientRepository) List(ctx context.Context) ([]domain.Client, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (r *ClientRepository) Get(ctx context.Context, id string) (domain.Client, error) {
	c, err := scanClient(r.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Client{}, fmt.Errorf("client %s: %w", id, domain.ErrNotFound)
		}
		return domain.Client{}, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

func (r *ClientRepository) Create(ctx context.Context, c domain.Client) error {
	query := `
		INSERT INTO clients (` + clientColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.Name, c.Email,
		c.Plan.Name, c.Plan.MaxLeads, c.Plan.Priority, c.Plan.AIPersonalization, c.Plan.ExclusiveOption,
		c.PlanQuota, c.RemainingQuota, c.PeriodStart, c.Priority, c.Exclusive, c.Active,
		c.Delivery.Format, c.Delivery.DriveFolderID, c.Delivery.NotifyEmail, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

// CommitAllocation applies all decrements in one transaction. Rows are
// updated in client ID order so concurrent commits cannot deadlock. The
// allocations table makes a second commit of the same batch a no-op.
func (r *ClientRepository) CommitAllocation(ctx context.Context, batchID string, counts map[string]int) error {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	var done bool
	if err := txn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM allocations WHERE batch_id = $1)`, batchID).Scan(&done); err != nil {
		return fmt.Errorf("check allocation: %w", err)
	}
	if done {
		r.logger.Info("allocation already committed", "batch_id", batchID)
		return nil
	}

	ids := make([]string, 0, len(counts))
	for id, n := range counts {
		if n > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := counts[id]
		res, err := txn.ExecContext(ctx,
			`UPDATE clients SET remaining_quota = remaining_quota - $2 WHERE id = $1 AND remaining_quota >= $2`, id, n)
		if err != nil {
			return fmt.Errorf("decrement quota for %s: %w", id, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("client %s: %w", id, domain.ErrQuotaConflict)
		}
		if _, err := txn.ExecContext(ctx,
			`INSERT INTO allocations (batch_id, client_id, lead_count) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, batchID, id, n); err != nil {
			return fmt.Errorf("record allocation for %s: %w", id, err)
		}
	}
	if len(ids) == 0 {
		// Marks the batch as committed even when nothing was assigned.
		if _, err := txn.ExecContext(ctx,
			`INSERT INTO allocations (batch_id, client_id, lead_count) SELECT $1, id, 0 FROM clients ORDER BY id LIMIT 1 ON CONFLICT DO NOTHING`, batchID); err != nil {
			return fmt.Errorf("record empty allocation: %w", err)
		}
	}
	return txn.Commit()
}

func (r *ClientRepository) SavePeriod(ctx context.Context, id string, periodStart time.Time, remaining int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE clients SET period_start = $2, remaining_quota = LEAST($3, plan_quota) WHERE id = $1 AND period_start < $2`,
		id, periodStart, remaining)
	if err != nil {
		return fmt.Errorf("save period: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.logger.Debug("period already rolled", "client_id", id)
	}
	return nil
}

func (r *ClientRepository) ResetQuota(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE clients SET remaining_quota = plan_quota WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("client %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
