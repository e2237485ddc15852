package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/V4T54L/leadflow/internal/adapter/metrics"
	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/redis/go-redis/v9"
)

// BatchStreamKey is the stream uploaded batches are buffered on.
const BatchStreamKey = "lead_batches"

// BatchQueue implements domain.BatchQueue on a Redis stream. Writes fall back
// to the WAL while Redis is unreachable and are replayed once it recovers.
type BatchQueue struct {
	client       *redis.Client
	logger       *slog.Logger
	wal          domain.WALRepository
	metrics      *metrics.IngestMetrics
	dlqStreamKey string
	readBlock    time.Duration
	isAvailable  atomic.Bool
}

// NewBatchQueue creates the queue and makes sure the consumer group exists.
// wal and m may be nil; the worker passes neither.
func NewBatchQueue(client *redis.Client, logger *slog.Logger, group, dlqStreamKey string, wal domain.WALRepository, m *metrics.IngestMetrics) *BatchQueue {
	q := &BatchQueue{
		client:       client,
		logger:       logger.With("component", "redis_batch_queue"),
		wal:          wal,
		metrics:      m,
		dlqStreamKey: dlqStreamKey,
		readBlock:    2 * time.Second,
	}
	q.isAvailable.Store(true)

	if err := q.setupConsumerGroup(context.Background(), group); err != nil {
		q.markUnavailable(err)
	}
	return q
}

// StartHealthCheck pings Redis every interval and replays the WAL after an outage.
func (q *BatchQueue) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if q.wal == nil {
		q.logger.Info("WAL is not configured, skipping health check")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.client.Ping(ctx).Err(); err != nil {
				q.markUnavailable(err)
				continue
			}
			if q.isAvailable.CompareAndSwap(false, true) {
				q.logger.Info("redis connection recovered")
				if err := q.ReplayWAL(ctx); err != nil {
					q.logger.Error("failed to replay WAL", "error", err)
					q.isAvailable.Store(false)
					continue
				}
				q.setWALActive(false)
			}
		}
	}
}

// ReplayWAL pushes spooled batches onto the stream and truncates the WAL.
func (q *BatchQueue) ReplayWAL(ctx context.Context) error {
	replayed := 0
	err := q.wal.Replay(ctx, func(batch domain.Batch) error {
		replayed++
		return q.add(ctx, batch)
	})
	if err != nil {
		return fmt.Errorf("replay WAL: %w", err)
	}
	if err := q.wal.Truncate(ctx); err != nil {
		return fmt.Errorf("truncate WAL after replay: %w", err)
	}
	q.logger.Info("WAL replayed", "batches", replayed)
	return nil
}

func (q *BatchQueue) setupConsumerGroup(ctx context.Context, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, BatchStreamKey, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// BufferBatch adds a batch to the stream, or to the WAL when Redis is down.
func (q *BatchQueue) BufferBatch(ctx context.Context, batch domain.Batch) error {
	if q.isAvailable.Load() {
		err := q.add(ctx, batch)
		if err == nil || !isNetworkError(err) {
			return err
		}
		q.markUnavailable(err)
	}
	if q.wal == nil {
		return domain.NewExternalError("redis", "buffer", domain.ErrServiceUnavailable,
			errors.New("redis is unavailable and WAL is not configured"), true)
	}
	q.logger.Warn("redis unavailable, writing batch to WAL", "batch_id", batch.ID)
	return q.wal.Write(ctx, batch)
}

func (q *BatchQueue) add(ctx context.Context, batch domain.Batch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: BatchStreamKey,
		Values: map[string]any{"batch_id": batch.ID, "payload": payload},
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("XADD batch %s: %w", batch.ID, err)
	}
	return nil
}

// ReadBatches reads new batches for a consumer in the group.
func (q *BatchQueue) ReadBatches(ctx context.Context, group, consumer string, count int) ([]domain.Batch, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{BatchStreamKey, ">"},
		Count:    int64(count),
		Block:    q.readBlock,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("XREADGROUP: %w", err)
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return decodeBatches(streams[0].Messages, q.logger), nil
}

// AcknowledgeBatches acks processed stream messages.
func (q *BatchQueue) AcknowledgeBatches(ctx context.Context, group string, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := q.client.XAck(ctx, BatchStreamKey, group, messageIDs...).Err(); err != nil {
		return fmt.Errorf("XACK: %w", err)
	}
	return nil
}

// MoveToDLQ copies failed batches to the dead-letter stream with the cause.
func (q *BatchQueue) MoveToDLQ(ctx context.Context, batches []domain.Batch, cause string) error {
	if len(batches) == 0 {
		return nil
	}
	pipe := q.client.Pipeline()
	for _, batch := range batches {
		payload, err := json.Marshal(batch)
		if err != nil {
			q.logger.Error("failed to marshal batch for DLQ", "batch_id", batch.ID, "error", err)
			continue
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.dlqStreamKey,
			Values: map[string]any{
				"batch_id":        batch.ID,
				"payload":         payload,
				"cause":           cause,
				"original_stream": BatchStreamKey,
				"original_msg_id": batch.StreamMessageID,
				"failed_at":       time.Now().UTC().Format(time.RFC3339),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("DLQ pipeline: %w", err)
	}
	q.logger.Warn("moved batches to DLQ", "count", len(batches), "cause", cause)
	return nil
}

func (q *BatchQueue) markUnavailable(err error) {
	if q.isAvailable.CompareAndSwap(true, false) {
		q.logger.Error("redis connection lost", "error", err)
		q.setWALActive(true)
	}
}

func (q *BatchQueue) setWALActive(active bool) {
	if q.metrics == nil {
		return
	}
	if active {
		q.metrics.WALActive.Set(1)
	} else {
		q.metrics.WALActive.Set(0)
	}
}

func decodeBatches(messages []redis.XMessage, logger *slog.Logger) []domain.Batch {
	batches := make([]domain.Batch, 0, len(messages))
	for _, msg := range messages {
		payload, ok := msg.Values["payload"].(string)
		if !ok {
			logger.Warn("invalid message format in stream, skipping", "message_id", msg.ID)
			continue
		}
		var batch domain.Batch
		if err := json.Unmarshal([]byte(payload), &batch); err != nil {
			logger.Warn("failed to unmarshal batch, skipping", "message_id", msg.ID, "error", err)
			continue
		}
		batch.StreamMessageID = msg.ID
		batch.Requeued = msg.Values["requeued"] == "1"
		batches = append(batches, batch)
	}
	return batches
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded)
}
