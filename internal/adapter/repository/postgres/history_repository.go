package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/lib/pq"
)

const historyTempTable = "delivery_history_import"

// HistoryRepository implements domain.HistoryStore on PostgreSQL.
type HistoryRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewHistoryRepository creates a new PostgreSQL history repository.
func NewHistoryRepository(db *sql.DB, logger *slog.Logger) *HistoryRepository {
	return &HistoryRepository{db: db, logger: logger.With("component", "postgres_history")}
}

// Lookup returns the latest entry per email, preferring exclusive ones.
func (r *HistoryRepository) Lookup(ctx context.Context, emails []string) (domain.HistorySnapshot, error) {
	snap := make(domain.HistorySnapshot)
	if len(emails) == 0 {
		return snap, nil
	}
	query := `
		SELECT DISTINCT ON (email) email, client_id, batch_id, fingerprint, exclusive, delivered_at
		FROM delivery_history
		WHERE email = ANY($1)
		ORDER BY email, exclusive DESC, delivered_at DESC`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(emails))
	if err != nil {
		return nil, fmt.Errorf("lookup history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e domain.HistoryEntry
		if err := rows.Scan(&e.Email, &e.ClientID, &e.BatchID, &e.Fingerprint, &e.Exclusive, &e.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		snap.Add(e)
	}
	return snap, rows.Err()
}

// Seen reports whether the email was ever delivered.
func (r *HistoryRepository) Seen(ctx context.Context, email string) (bool, error) {
	var seen bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM delivery_history WHERE email = $1)`, email).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("check history: %w", err)
	}
	return seen, nil
}

// Record appends entries using the COPY protocol into a temp table, then
// merges them so a replayed delivery is not stored twice.
func (r *HistoryRepository) Record(ctx context.Context, entries []domain.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback() // Rollback is a no-op if Commit() is called

	_, err = txn.ExecContext(ctx, `CREATE TEMP TABLE `+historyTempTable+` (LIKE delivery_history INCLUDING DEFAULTS) ON COMMIT DROP;`)
	if err != nil {
		return err
	}

	stmt, err := txn.Prepare(pq.CopyIn(historyTempTable, "email", "client_id", "batch_id", "fingerprint", "exclusive", "delivered_at"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, err = stmt.ExecContext(ctx, e.Email, e.ClientID, e.BatchID, e.Fingerprint, e.Exclusive, e.DeliveredAt); err != nil {
			_ = stmt.Close()
			return err
		}
	}
	if err := stmt.Close(); err != nil {
		return err
	}

	_, err = txn.ExecContext(ctx, `
		INSERT INTO delivery_history (email, client_id, batch_id, fingerprint, exclusive, delivered_at)
		SELECT email, client_id, batch_id, fingerprint, exclusive, delivered_at FROM `+historyTempTable+`
		ON CONFLICT (email, client_id, batch_id) DO NOTHING;`)
	if err != nil {
		return err
	}
	return txn.Commit()
}

// Prune deletes shared entries older than sharedBefore and exclusive entries
// older than exclusiveBefore.
func (r *HistoryRepository) Prune(ctx context.Context, sharedBefore, exclusiveBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM delivery_history
		WHERE (NOT exclusive AND delivered_at < $1) OR (exclusive AND delivered_at < $2)`,
		sharedBefore, exclusiveBefore)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	r.logger.Info("pruned history", "removed", n)
	return n, nil
}

// Count returns the number of stored entries.
func (r *HistoryRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}
