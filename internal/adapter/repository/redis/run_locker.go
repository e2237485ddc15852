package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const runLockKey = "leadflow:run_lock"

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RunLocker is a single-holder lock shared by every worker process.
type RunLocker struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// NewRunLocker creates a lock that expires after ttl if its holder dies.
func NewRunLocker(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RunLocker {
	return &RunLocker{client: client, ttl: ttl, poll: 500 * time.Millisecond, logger: logger.With("component", "redis_run_lock")}
}

// Acquire waits for the lock until ctx is done. A context that ends before
// the lock frees up yields domain.ErrRunInProgress.
func (l *RunLocker) Acquire(ctx context.Context, owner string) (func(), error) {
	token := owner + ":" + uuid.NewString()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, runLockKey, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, domain.NewExternalError("redis", "acquire run lock", domain.ErrServiceUnavailable, err, isNetworkError(err))
		}
		if ok {
			l.logger.Debug("run lock acquired", "owner", owner)
			return func() { l.release(token) }, nil
		}
		select {
		case <-ctx.Done():
			holder, _ := l.client.Get(context.Background(), runLockKey).Result()
			return nil, fmt.Errorf("held by %q: %w: %w", holder, domain.ErrRunInProgress, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *RunLocker) release(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{runLockKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Error("failed to release run lock", "error", err)
	}
}
