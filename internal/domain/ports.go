package domain

import (
	"context"
	"time"
)

// PersonalizationService produces outreach copy for one lead.
type PersonalizationService interface {
	Generate(ctx context.Context, lead Lead) (PersonalizedContent, error)
}

// DeliverySink hands a client's leads over to the client. content is keyed by lead ID.
type DeliverySink interface {
	Deliver(ctx context.Context, client Client, leads []Lead, content map[string]PersonalizedContent) (DeliveryReceipt, error)
}

// CrmLogger records a completed delivery in the CRM.
type CrmLogger interface {
	Log(ctx context.Context, receipt DeliveryReceipt) error
}

// HistoryStore is the append-only record of delivered leads.
type HistoryStore interface {
	// Lookup returns the latest delivery for each of the given normalized emails.
	Lookup(ctx context.Context, emails []string) (HistorySnapshot, error)

	// Seen reports whether the email was ever delivered.
	Seen(ctx context.Context, email string) (bool, error)

	// Record appends delivered leads. Recording the same (email, client, batch)
	// twice has no effect.
	Record(ctx context.Context, entries []HistoryEntry) error

	// Prune drops shared entries delivered before sharedBefore and exclusive
	// entries delivered before exclusiveBefore.
	Prune(ctx context.Context, sharedBefore, exclusiveBefore time.Time) (int64, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int64, error)
}

// ClientRepository stores clients and their quota state.
type ClientRepository interface {
	List(ctx context.Context) ([]Client, error)
	Get(ctx context.Context, id string) (Client, error)
	Create(ctx context.Context, client Client) error

	// CommitAllocation decrements each client's remaining quota by counts[id]
	// in one step. Every decrement applies or none do; a client without enough
	// remaining quota yields ErrQuotaConflict. A batch already committed is a no-op.
	CommitAllocation(ctx context.Context, batchID string, counts map[string]int) error

	// SavePeriod persists a period rollover computed by Client.RollPeriod.
	SavePeriod(ctx context.Context, id string, periodStart time.Time, remaining int) error

	// ResetQuota restores the client's remaining quota to its plan quota.
	ResetQuota(ctx context.Context, id string) error
}

// CheckpointStore persists run progress so a run can be resumed.
type CheckpointStore interface {
	Load(ctx context.Context, batchID string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
}

// RunLocker serializes batch runs. The returned function releases the lock.
type RunLocker interface {
	Acquire(ctx context.Context, owner string) (release func(), err error)
}

// LeftoverQueue defers unallocated leads to a later run.
type LeftoverQueue interface {
	Defer(ctx context.Context, batchID string, leads []Lead) error
	Drain(ctx context.Context, max int) ([]Lead, error)
}

// BatchQueue buffers uploaded batches between the API and the worker.
type BatchQueue interface {
	// BufferBatch adds a batch to the durable buffer.
	BufferBatch(ctx context.Context, batch Batch) error

	// ReadBatches reads pending batches for a consumer.
	ReadBatches(ctx context.Context, group, consumer string, count int) ([]Batch, error)

	// AcknowledgeBatches marks batches as processed in the buffer.
	AcknowledgeBatches(ctx context.Context, group string, messageIDs ...string) error

	// MoveToDLQ parks batches whose run failed.
	MoveToDLQ(ctx context.Context, batches []Batch, cause string) error
}

// APIKeyRepository defines the interface for validating API keys.
type APIKeyRepository interface {
	// IsValid checks if the provided API key is valid and active.
	// Implementations should handle caching to reduce database load.
	IsValid(ctx context.Context, key string) (bool, error)
}

// WALRepository spools batches to local disk while the buffer is unreachable.
type WALRepository interface {
	Write(ctx context.Context, batch Batch) error

	// Replay hands every spooled batch to handler in write order.
	Replay(ctx context.Context, handler func(batch Batch) error) error

	// Truncate removes segments that have been replayed.
	Truncate(ctx context.Context) error
}

// QueueAdminRepository inspects and repairs the batch stream and its
// dead-letter stream.
type QueueAdminRepository interface {
	Groups(ctx context.Context) ([]ConsumerGroupInfo, error)
	Consumers(ctx context.Context, group string) ([]ConsumerInfo, error)
	PendingSummary(ctx context.Context, group string) (*PendingSummary, error)

	// PendingBatches lists unacknowledged messages from startID on, each
	// resolved to the batch it carries.
	PendingBatches(ctx context.Context, group, consumer, startID string, count int64) ([]PendingBatch, error)

	Claim(ctx context.Context, group, consumer string, minIdle time.Duration, messageIDs []string) ([]Batch, error)
	Acknowledge(ctx context.Context, group string, messageIDs ...string) (int64, error)
	Trim(ctx context.Context, maxLen int64) (int64, error)

	DeadLetters(ctx context.Context, count int64) ([]DeadLetter, error)

	// Requeue moves dead letters back onto the batch stream and returns how
	// many were moved. Unknown ids are skipped.
	Requeue(ctx context.Context, messageIDs ...string) (int, error)
}
