package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/redis/go-redis/v9"
)

const checkpointKeyPrefix = "leadflow:checkpoint:"

// CheckpointStore keeps run checkpoints as JSON values that expire after ttl.
type CheckpointStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewCheckpointStore(client *redis.Client, ttl time.Duration, logger *slog.Logger) *CheckpointStore {
	return &CheckpointStore{client: client, ttl: ttl, logger: logger.With("component", "redis_checkpoints")}
}

func (s *CheckpointStore) Load(ctx context.Context, batchID string) (*domain.Checkpoint, error) {
	data, err := s.client.Get(ctx, checkpointKeyPrefix+batchID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("batch %s: %w", batchID, domain.ErrCheckpointNotFound)
		}
		return nil, domain.NewExternalError("redis", "load checkpoint", domain.ErrServiceUnavailable, err, isNetworkError(err))
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", batchID, err)
	}
	return &cp, nil
}

func (s *CheckpointStore) Save(ctx context.Context, cp *domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.BatchID, err)
	}
	if err := s.client.Set(ctx, checkpointKeyPrefix+cp.BatchID, data, s.ttl).Err(); err != nil {
		return domain.NewExternalError("redis", "save checkpoint", domain.ErrServiceUnavailable, err, isNetworkError(err))
	}
	s.logger.Debug("checkpoint saved", "batch_id", cp.BatchID, "stage", cp.Stage)
	return nil
}
