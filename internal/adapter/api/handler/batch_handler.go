package handler

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/V4T54L/leadflow/internal/adapter/metrics"
	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/go-chi/chi/v5"
)

// BatchIngester accepts an uploaded CSV. *usecase.IngestBatchUseCase implements it.
type BatchIngester interface {
	IngestCSV(ctx context.Context, source string, r io.Reader) (*domain.Batch, error)
}

// BatchRunner resumes interrupted runs. *usecase.Orchestrator implements it.
type BatchRunner interface {
	Resume(ctx context.Context, batchID string) (*domain.BatchResult, error)
}

// BatchHandler serves the batch upload and status endpoints.
type BatchHandler struct {
	ingest      BatchIngester
	checkpoints domain.CheckpointStore
	runner      BatchRunner
	progress    *ProgressBroker
	metrics     *metrics.IngestMetrics
	logger      *slog.Logger
	maxBytes    int64
}

// NewBatchHandler creates a BatchHandler. progress and m may be nil.
func NewBatchHandler(ingest BatchIngester, checkpoints domain.CheckpointStore, runner BatchRunner, progress *ProgressBroker, m *metrics.IngestMetrics, logger *slog.Logger, maxBytes int64) *BatchHandler {
	return &BatchHandler{
		ingest:      ingest,
		checkpoints: checkpoints,
		runner:      runner,
		progress:    progress,
		metrics:     m,
		logger:      logger,
		maxBytes:    maxBytes,
	}
}

type uploadResponse struct {
	BatchID string `json:"batch_id"`
	Rows    int    `json:"rows"`
	Status  string `json:"status"`
}

// Upload accepts a CSV either as the "file" field of a multipart form or as
// a text/csv body.
// POST /v1/batches
func (h *BatchHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var (
		body   io.Reader
		source string
	)
	switch mediaType {
	case "multipart/form-data":
		file, hdr, err := r.FormFile("file")
		if err != nil {
			h.count("error_parse")
			respondWithError(w, h.logger, &domain.ValidationError{Field: "file", Message: "multipart field is required"})
			return
		}
		defer file.Close()
		body, source = file, hdr.Filename
	case "text/csv":
		body, source = r.Body, r.URL.Query().Get("source")
	default:
		h.count("error_parse")
		http.Error(w, "Unsupported Media Type: "+mediaType, http.StatusUnsupportedMediaType)
		return
	}

	counted := &countingReader{r: body}
	batch, err := h.ingest.IngestCSV(r.Context(), source, counted)
	if err != nil {
		switch statusFor(err) {
		case http.StatusRequestEntityTooLarge:
			h.count("error_size")
		case http.StatusBadRequest:
			h.count("error_parse")
		default:
			h.count("error_buffer")
		}
		respondWithError(w, h.logger, err)
		return
	}

	h.count("accepted")
	if h.metrics != nil {
		h.metrics.RowsTotal.Add(float64(len(batch.Rows)))
		h.metrics.BytesTotal.Add(float64(counted.n))
	}
	if h.progress != nil {
		h.progress.ReportRows(len(batch.Rows))
	}
	respondWithJSON(w, h.logger, http.StatusAccepted, uploadResponse{BatchID: batch.ID, Rows: len(batch.Rows), Status: "queued"})
}

type batchStatus struct {
	BatchID string              `json:"batch_id"`
	Stage   domain.Stage        `json:"stage"`
	Result  *domain.BatchResult `json:"result,omitempty"`
}

// Status reports the checkpoint of a batch.
// GET /v1/batches/{id}
func (h *BatchHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cp, err := h.checkpoints.Load(r.Context(), id)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, batchStatus{BatchID: cp.BatchID, Stage: cp.Stage, Result: cp.Result})
}

// Resume continues a run from its last checkpoint.
// POST /v1/batches/{id}/resume
func (h *BatchHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.runner.Resume(r.Context(), id)
	if err != nil && res == nil {
		respondWithError(w, h.logger, err)
		return
	}
	code := http.StatusOK
	if err != nil {
		// The result still carries the failed stage and partial progress.
		h.logger.Warn("resumed run failed", "batch_id", id, "error", err)
		code = statusFor(err)
	}
	respondWithJSON(w, h.logger, code, res)
}

func (h *BatchHandler) count(status string) {
	if h.metrics != nil {
		h.metrics.BatchesTotal.WithLabelValues(status).Inc()
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
