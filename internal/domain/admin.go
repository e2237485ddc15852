package domain

import "time"

// ConsumerGroupInfo describes a worker group reading the batch stream.
type ConsumerGroupInfo struct {
	Name            string `json:"name"`
	Workers         int64  `json:"workers"`
	Pending         int64  `json:"pending"`
	Lag             int64  `json:"lag"`
	LastDeliveredID string `json:"last_delivered_id"`
}

// ConsumerInfo describes one worker in a group.
type ConsumerInfo struct {
	Name    string        `json:"name"`
	Pending int64         `json:"pending"`
	Idle    time.Duration `json:"idle_ns"`
}

// PendingSummary counts batches read but not yet acknowledged.
type PendingSummary struct {
	Total     int64            `json:"total"`
	OldestID  string           `json:"oldest_id,omitempty"`
	NewestID  string           `json:"newest_id,omitempty"`
	PerWorker map[string]int64 `json:"per_worker,omitempty"`
}

// PendingBatch is an unacknowledged stream message and the batch it carries.
// BatchID is empty when the message was trimmed from the stream.
type PendingBatch struct {
	MessageID  string        `json:"message_id"`
	BatchID    string        `json:"batch_id,omitempty"`
	Rows       int           `json:"rows"`
	Worker     string        `json:"worker"`
	Idle       time.Duration `json:"idle_ns"`
	Deliveries int64         `json:"deliveries"`
}

// DeadLetter is a batch whose run failed and was parked for an operator.
type DeadLetter struct {
	MessageID string    `json:"message_id"`
	BatchID   string    `json:"batch_id"`
	Cause     string    `json:"cause"`
	FailedAt  time.Time `json:"failed_at"`
	Rows      int       `json:"rows"`
}

// Stats is the dashboard view of the system.
type Stats struct {
	Clients        int            `json:"clients"`
	ActiveClients  int            `json:"active_clients"`
	RemainingQuota map[string]int `json:"remaining_quota"`
	HistoryEntries int64          `json:"history_entries"`
	GeneratedAt    time.Time      `json:"generated_at"`
}
