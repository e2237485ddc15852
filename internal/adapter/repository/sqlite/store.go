// Package sqlite keeps clients, delivery history and checkpoints in a single
// SQLite file. It backs the leadctl command for runs without Postgres or Redis.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	id         TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	remaining  INTEGER NOT NULL CHECK (remaining >= 0)
);
CREATE TABLE IF NOT EXISTS allocations (
	batch_id     TEXT PRIMARY KEY,
	committed_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS delivery_history (
	email        TEXT NOT NULL,
	client_id    TEXT NOT NULL,
	batch_id     TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	exclusive    INTEGER NOT NULL DEFAULT 0,
	delivered_at INTEGER NOT NULL,
	PRIMARY KEY (email, client_id, batch_id)
);
CREATE INDEX IF NOT EXISTS idx_history_email ON delivery_history (email);
CREATE TABLE IF NOT EXISTS checkpoints (
	batch_id   TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store implements domain.HistoryStore, domain.ClientRepository and
// domain.CheckpointStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps read-modify-write quota updates serial.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Clients

func (s *Store) List(ctx context.Context) ([]domain.Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body, remaining FROM clients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()
	var out []domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (domain.Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx, `SELECT body, remaining FROM clients WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Client{}, fmt.Errorf("client %s: %w", id, domain.ErrNotFound)
	}
	return c, err
}

func (s *Store) Create(ctx context.Context, c domain.Client) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO clients (id, body, remaining) VALUES (?, ?, ?)`, c.ID, string(body), c.RemainingQuota)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return &domain.ValidationError{Field: "id", Message: "already exists"}
		}
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

// Upsert replaces a client's profile, keeping its quota state when it exists.
func (s *Store) Upsert(ctx context.Context, c domain.Client) error {
	existing, err := s.Get(ctx, c.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return s.Create(ctx, c)
	case err != nil:
		return err
	}
	c.RemainingQuota = min(existing.RemainingQuota, c.PlanQuota)
	c.PeriodStart = existing.PeriodStart
	return s.write(ctx, s.db, c)
}

func (s *Store) CommitAllocation(ctx context.Context, batchID string, counts map[string]int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM allocations WHERE batch_id = ?`, batchID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE clients SET remaining = remaining - ? WHERE id = ? AND remaining >= ?`, counts[id], id, counts[id])
		if err != nil {
			return fmt.Errorf("decrement %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("client %s: %w", id, domain.ErrQuotaConflict)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO allocations (batch_id, committed_at) VALUES (?, ?)`, batchID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SavePeriod(ctx context.Context, id string, periodStart time.Time, remaining int) error {
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !c.PeriodStart.Before(periodStart) {
		return nil
	}
	c.PeriodStart = periodStart
	c.RemainingQuota = min(remaining, c.PlanQuota)
	return s.write(ctx, s.db, c)
}

func (s *Store) ResetQuota(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE clients SET remaining = json_extract(body, '$.plan_quota') WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("client %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) write(ctx context.Context, db execer, c domain.Client) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `UPDATE clients SET body = ?, remaining = ? WHERE id = ?`, string(body), c.RemainingQuota, c.ID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

// The remaining column is authoritative; the JSON body carries the profile.
func scanClient(row scanner) (domain.Client, error) {
	var body string
	var remaining int
	if err := row.Scan(&body, &remaining); err != nil {
		return domain.Client{}, err
	}
	var c domain.Client
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return domain.Client{}, fmt.Errorf("decode client: %w", err)
	}
	c.RemainingQuota = remaining
	return c, nil
}

// History

func (s *Store) Lookup(ctx context.Context, emails []string) (domain.HistorySnapshot, error) {
	snap := make(domain.HistorySnapshot)
	if len(emails) == 0 {
		return snap, nil
	}
	// Stay well below SQLite's bound-parameter limit.
	const chunk = 500
	for start := 0; start < len(emails); start += chunk {
		part := emails[start:min(start+chunk, len(emails))]
		args := make([]any, len(part))
		for i, e := range part {
			args[i] = e
		}
		query := `SELECT email, client_id, batch_id, fingerprint, exclusive, delivered_at FROM delivery_history WHERE email IN (?` +
			strings.Repeat(",?", len(part)-1) + `)`
		if err := s.scanHistory(ctx, snap, query, args...); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

func (s *Store) scanHistory(ctx context.Context, snap domain.HistorySnapshot, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("lookup history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e domain.HistoryEntry
		var at int64
		if err := rows.Scan(&e.Email, &e.ClientID, &e.BatchID, &e.Fingerprint, &e.Exclusive, &at); err != nil {
			return err
		}
		e.DeliveredAt = time.Unix(0, at).UTC()
		snap.Add(e)
	}
	return rows.Err()
}

func (s *Store) Seen(ctx context.Context, email string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_history WHERE email = ?`, email).Scan(&n)
	return n > 0, err
}

func (s *Store) Record(ctx context.Context, entries []domain.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO delivery_history
		(email, client_id, batch_id, fingerprint, exclusive, delivered_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Email, e.ClientID, e.BatchID, e.Fingerprint, e.Exclusive, e.DeliveredAt.UnixNano()); err != nil {
			return fmt.Errorf("record %s: %w", e.Email, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Prune(ctx context.Context, sharedBefore, exclusiveBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM delivery_history
		WHERE (exclusive = 0 AND delivered_at < ?) OR (exclusive = 1 AND delivered_at < ?)`,
		sharedBefore.UnixNano(), exclusiveBefore.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_history`).Scan(&n)
	return n, err
}

// Checkpoints

func (s *Store) Load(ctx context.Context, batchID string) (*domain.Checkpoint, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM checkpoints WHERE batch_id = ?`, batchID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", batchID, domain.ErrCheckpointNotFound)
	}
	if err != nil {
		return nil, err
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal([]byte(body), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *Store) Save(ctx context.Context, cp *domain.Checkpoint) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO checkpoints (batch_id, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(batch_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		cp.BatchID, string(body), time.Now().UnixNano())
	return err
}
