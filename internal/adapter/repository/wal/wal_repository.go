package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
)

const (
	segmentPrefix = "batches-"
	segmentSuffix = ".jsonl"
	filePerm      = 0o644

	// Batches can carry thousands of rows.
	maxLineBytes = 64 << 20
)

// ErrFull is returned when a write would push the spool past its size limit.
var ErrFull = errors.New("wal: size limit reached")

// WALRepository spools batches to newline-delimited JSON segments. Every
// write is synced before it returns so an acknowledged upload survives a crash.
type WALRepository struct {
	dir            string
	maxSegmentSize int64
	maxTotalSize   int64
	logger         *slog.Logger

	mu          sync.Mutex
	segment     *os.File
	segmentSize int64
	totalSize   int64
}

// NewWALRepository opens (or creates) the spool in dir.
func NewWALRepository(dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*WALRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create WAL directory %s: %w", dir, err)
	}
	w := &WALRepository{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		maxTotalSize:   maxTotalSize,
		logger:         logger.With("component", "wal"),
	}
	segments, err := w.segments()
	if err != nil {
		return nil, err
	}
	for _, path := range segments {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat segment %s: %w", path, err)
		}
		w.totalSize += info.Size()
	}
	if len(segments) > 0 {
		w.logger.Info("found spooled batches", "segments", len(segments), "bytes", w.totalSize)
	}
	return w, nil
}

// Write appends one batch to the current segment.
func (w *WALRepository) Write(ctx context.Context, batch domain.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch for WAL: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.totalSize+int64(len(data)) > w.maxTotalSize {
		return fmt.Errorf("%w (%d bytes spooled)", ErrFull, w.totalSize)
	}
	if w.segment == nil || w.segmentSize >= w.maxSegmentSize {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	n, err := w.segment.Write(data)
	w.segmentSize += int64(n)
	w.totalSize += int64(n)
	if err != nil {
		return fmt.Errorf("write WAL segment: %w", err)
	}
	if err := w.segment.Sync(); err != nil {
		return fmt.Errorf("sync WAL segment: %w", err)
	}
	w.logger.Debug("spooled batch", "batch_id", batch.ID, "rows", len(batch.Rows))
	return nil
}

// Replay hands every spooled batch to handler, oldest first. It stops at the
// first handler error so nothing is lost before Truncate.
func (w *WALRepository) Replay(ctx context.Context, handler func(batch domain.Batch) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closeSegment()
	segments, err := w.segments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}
	w.logger.Info("replaying WAL", "segments", len(segments))

	for _, path := range segments {
		if err := replaySegment(ctx, path, handler, w.logger); err != nil {
			return err
		}
	}
	return nil
}

func replaySegment(ctx context.Context, path string, handler func(domain.Batch) error, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var batch domain.Batch
		if err := json.Unmarshal(scanner.Bytes(), &batch); err != nil {
			// A torn final line after a crash.
			logger.Warn("skipping unreadable WAL record", "segment", filepath.Base(path), "error", err)
			continue
		}
		if err := handler(batch); err != nil {
			return fmt.Errorf("replay batch %s: %w", batch.ID, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan segment %s: %w", path, err)
	}
	return nil
}

// Truncate removes all segments.
func (w *WALRepository) Truncate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closeSegment()
	segments, err := w.segments()
	if err != nil {
		return err
	}
	var errs []error
	for _, path := range segments {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	w.totalSize = 0
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("truncate WAL: %w", err)
	}
	w.logger.Info("WAL truncated", "segments", len(segments))
	return nil
}

// Size returns the number of spooled bytes.
func (w *WALRepository) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalSize
}

// Close closes the open segment.
func (w *WALRepository) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.segment == nil {
		return nil
	}
	err := w.segment.Close()
	w.segment = nil
	return err
}

func (w *WALRepository) rotate() error {
	w.closeSegment()
	name := fmt.Sprintf("%s%020d%s", segmentPrefix, time.Now().UnixNano(), segmentSuffix)
	path := filepath.Join(w.dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("create WAL segment %s: %w", path, err)
	}
	w.segment = f
	w.segmentSize = 0
	return nil
}

func (w *WALRepository) closeSegment() {
	if w.segment == nil {
		return
	}
	if err := w.segment.Close(); err != nil {
		w.logger.Error("failed to close WAL segment", "error", err)
	}
	w.segment = nil
}

func (w *WALRepository) segments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read WAL directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentSuffix) {
			out = append(out, filepath.Join(w.dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}
