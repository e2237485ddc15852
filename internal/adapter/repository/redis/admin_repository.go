package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/redis/go-redis/v9"
)

// AdminRepository implements domain.QueueAdminRepository over the batch
// stream and the dead-letter stream.
type AdminRepository struct {
	client       *redis.Client
	dlqStreamKey string
	logger       *slog.Logger
}

func NewAdminRepository(client *redis.Client, dlqStreamKey string, logger *slog.Logger) *AdminRepository {
	return &AdminRepository{client: client, dlqStreamKey: dlqStreamKey, logger: logger.With("component", "redis_admin")}
}

func (r *AdminRepository) Groups(ctx context.Context) ([]domain.ConsumerGroupInfo, error) {
	groups, err := r.client.XInfoGroups(ctx, BatchStreamKey).Result()
	if err != nil {
		return nil, fmt.Errorf("XINFO GROUPS: %w", err)
	}
	out := make([]domain.ConsumerGroupInfo, len(groups))
	for i, g := range groups {
		out[i] = domain.ConsumerGroupInfo{
			Name:            g.Name,
			Workers:         g.Consumers,
			Pending:         g.Pending,
			Lag:             g.Lag,
			LastDeliveredID: g.LastDeliveredID,
		}
	}
	return out, nil
}

func (r *AdminRepository) Consumers(ctx context.Context, group string) ([]domain.ConsumerInfo, error) {
	consumers, err := r.client.XInfoConsumers(ctx, BatchStreamKey, group).Result()
	if err != nil {
		return nil, fmt.Errorf("XINFO CONSUMERS %s: %w", group, err)
	}
	out := make([]domain.ConsumerInfo, len(consumers))
	for i, c := range consumers {
		out[i] = domain.ConsumerInfo{Name: c.Name, Pending: c.Pending, Idle: c.Idle}
	}
	return out, nil
}

func (r *AdminRepository) PendingSummary(ctx context.Context, group string) (*domain.PendingSummary, error) {
	p, err := r.client.XPending(ctx, BatchStreamKey, group).Result()
	if err != nil {
		return nil, fmt.Errorf("XPENDING %s: %w", group, err)
	}
	return &domain.PendingSummary{
		Total:     p.Count,
		OldestID:  p.Lower,
		NewestID:  p.Higher,
		PerWorker: p.Consumers,
	}, nil
}

// PendingBatches resolves each pending entry to its batch with one pipelined
// XRANGE per entry.
func (r *AdminRepository) PendingBatches(ctx context.Context, group, consumer, startID string, count int64) ([]domain.PendingBatch, error) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   BatchStreamKey,
		Group:    group,
		Start:    startID,
		End:      "+",
		Count:    count,
		Consumer: consumer,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("XPENDING %s: %w", group, err)
	}
	if len(pending) == 0 {
		return []domain.PendingBatch{}, nil
	}

	pipe := r.client.Pipeline()
	ranges := make([]*redis.XMessageSliceCmd, len(pending))
	for i, p := range pending {
		ranges[i] = pipe.XRange(ctx, BatchStreamKey, p.ID, p.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("resolve pending batches: %w", err)
	}

	out := make([]domain.PendingBatch, len(pending))
	for i, p := range pending {
		out[i] = domain.PendingBatch{
			MessageID:  p.ID,
			Worker:     p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		}
		if batches := decodeBatches(ranges[i].Val(), r.logger); len(batches) == 1 {
			out[i].BatchID = batches[0].ID
			out[i].Rows = len(batches[0].Rows)
		}
	}
	return out, nil
}

// Claim reassigns idle pending batches to consumer and returns them.
func (r *AdminRepository) Claim(ctx context.Context, group, consumer string, minIdle time.Duration, messageIDs []string) ([]domain.Batch, error) {
	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   BatchStreamKey,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: messageIDs,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("XCLAIM: %w", err)
	}
	r.logger.Info("batches claimed", "group", group, "consumer", consumer, "count", len(claimed))
	return decodeBatches(claimed, r.logger), nil
}

func (r *AdminRepository) Acknowledge(ctx context.Context, group string, messageIDs ...string) (int64, error) {
	n, err := r.client.XAck(ctx, BatchStreamKey, group, messageIDs...).Result()
	if err != nil {
		return 0, fmt.Errorf("XACK: %w", err)
	}
	return n, nil
}

// Trim keeps roughly the newest maxLen entries of the batch stream.
func (r *AdminRepository) Trim(ctx context.Context, maxLen int64) (int64, error) {
	n, err := r.client.XTrimMaxLenApprox(ctx, BatchStreamKey, maxLen, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("XTRIM: %w", err)
	}
	r.logger.Info("batch stream trimmed", "max_len", maxLen, "removed", n)
	return n, nil
}

// DeadLetters returns the oldest count parked batches.
func (r *AdminRepository) DeadLetters(ctx context.Context, count int64) ([]domain.DeadLetter, error) {
	msgs, err := r.client.XRangeN(ctx, r.dlqStreamKey, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("XRANGE %s: %w", r.dlqStreamKey, err)
	}
	out := make([]domain.DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		dl := domain.DeadLetter{MessageID: msg.ID}
		dl.BatchID, _ = msg.Values["batch_id"].(string)
		dl.Cause, _ = msg.Values["cause"].(string)
		if at, ok := msg.Values["failed_at"].(string); ok {
			dl.FailedAt, _ = time.Parse(time.RFC3339, at)
		}
		if payload, ok := msg.Values["payload"].(string); ok {
			var b domain.Batch
			if err := json.Unmarshal([]byte(payload), &b); err == nil {
				dl.Rows = len(b.Rows)
			}
		}
		out = append(out, dl)
	}
	return out, nil
}

// Requeue re-adds each dead letter's payload to the batch stream and deletes
// it from the dead-letter stream in one MULTI block.
func (r *AdminRepository) Requeue(ctx context.Context, messageIDs ...string) (int, error) {
	moved := 0
	for _, id := range messageIDs {
		msgs, err := r.client.XRange(ctx, r.dlqStreamKey, id, id).Result()
		if err != nil {
			return moved, fmt.Errorf("XRANGE %s %s: %w", r.dlqStreamKey, id, err)
		}
		if len(msgs) == 0 {
			r.logger.Warn("dead letter not found, skipping", "message_id", id)
			continue
		}
		values := msgs[0].Values
		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: BatchStreamKey,
				Values: map[string]any{"batch_id": values["batch_id"], "payload": values["payload"], "requeued": "1"},
			})
			pipe.XDel(ctx, r.dlqStreamKey, id)
			return nil
		})
		if err != nil {
			return moved, fmt.Errorf("requeue %s: %w", id, err)
		}
		moved++
		r.logger.Info("dead letter requeued", "message_id", id, "batch_id", values["batch_id"])
	}
	return moved, nil
}
