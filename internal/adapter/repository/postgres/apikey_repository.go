package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/V4T54L/leadflow/internal/adapter/metrics"
)

type keyCacheEntry struct {
	valid     bool
	expiresAt time.Time
}

// APIKeyRepository checks upload keys against the api_keys table. Keys are
// stored as SHA-256 hex digests and verdicts are cached for cacheTTL.
type APIKeyRepository struct {
	db       *sql.DB
	logger   *slog.Logger
	mu       sync.RWMutex
	cache    map[string]keyCacheEntry
	cacheTTL time.Duration
	metrics  *metrics.IngestMetrics
	now      func() time.Time
}

func NewAPIKeyRepository(db *sql.DB, logger *slog.Logger, cacheTTL time.Duration, m *metrics.IngestMetrics) *APIKeyRepository {
	return &APIKeyRepository{
		db:       db,
		logger:   logger.With("component", "postgres_apikeys"),
		cache:    make(map[string]keyCacheEntry),
		cacheTTL: cacheTTL,
		metrics:  m,
		now:      time.Now,
	}
}

// HashKey returns the digest stored for a raw key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (r *APIKeyRepository) IsValid(ctx context.Context, key string) (bool, error) {
	digest := HashKey(key)

	r.mu.RLock()
	entry, found := r.cache[digest]
	r.mu.RUnlock()
	if found && r.now().Before(entry.expiresAt) {
		if r.metrics != nil {
			r.metrics.APIKeyCacheHits.Inc()
		}
		return entry.valid, nil
	}
	if r.metrics != nil {
		r.metrics.APIKeyCacheMisses.Inc()
	}

	var valid bool
	query := `SELECT EXISTS(SELECT 1 FROM api_keys WHERE key_hash = $1 AND is_active AND (expires_at IS NULL OR expires_at > NOW()))`
	if err := r.db.QueryRowContext(ctx, query, digest).Scan(&valid); err != nil {
		r.logger.Error("failed to validate API key", "error", err)
		// Errors are not cached so the next request retries.
		return false, err
	}

	r.mu.Lock()
	r.cache[digest] = keyCacheEntry{valid: valid, expiresAt: r.now().Add(r.cacheTTL)}
	r.mu.Unlock()
	return valid, nil
}
