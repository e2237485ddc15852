package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ProgressEvent is pushed to dashboard subscribers once per interval.
type ProgressEvent struct {
	RowsPerSecond float64 `json:"rows_per_second"`
	Uploads       int     `json:"uploads"`
}

// ProgressBroker streams upload throughput to Server-Sent Events subscribers.
type ProgressBroker struct {
	logger   *slog.Logger
	interval time.Duration
	reports  chan int

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewProgressBroker starts the aggregation loop; it stops when ctx is done.
func NewProgressBroker(ctx context.Context, interval time.Duration, logger *slog.Logger) *ProgressBroker {
	b := &ProgressBroker{
		logger:      logger.With("component", "progress_broker"),
		interval:    interval,
		reports:     make(chan int, 1000),
		subscribers: make(map[chan []byte]struct{}),
	}
	go b.run(ctx)
	return b
}

// ReportRows records an accepted upload. It never blocks the upload path.
func (b *ProgressBroker) ReportRows(n int) {
	select {
	case b.reports <- n:
	default:
		b.logger.Warn("progress report channel full, dropping report")
	}
}

// ServeHTTP streams events until the client goes away.
// GET /v1/events
func (b *ProgressBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch := make(chan []byte, 4)
	b.subscribe(ch)
	defer b.unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func (b *ProgressBroker) subscribe(ch chan []byte) {
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
}

func (b *ProgressBroker) unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
}

// Subscribers returns the number of connected clients.
func (b *ProgressBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *ProgressBroker) broadcast(msg []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			// Slow subscriber; it misses this tick.
		}
	}
}

func (b *ProgressBroker) run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	var rows, uploads int
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-b.reports:
			rows += n
			uploads++
		case now := <-ticker.C:
			ev := ProgressEvent{Uploads: uploads}
			if elapsed := now.Sub(last).Seconds(); elapsed > 0 {
				ev.RowsPerSecond = float64(rows) / elapsed
			}
			data, err := json.Marshal(ev)
			if err != nil {
				b.logger.Error("failed to marshal progress event", "error", err)
				continue
			}
			b.broadcast(data)
			rows, uploads, last = 0, 0, now
		}
	}
}
