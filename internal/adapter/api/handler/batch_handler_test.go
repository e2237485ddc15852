package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/V4T54L/leadflow/internal/adapter/metrics"
	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/V4T54L/leadflow/internal/domain/mocks"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type stubIngester struct {
	err    error
	source string
	body   string
}

func (s *stubIngester) IngestCSV(ctx context.Context, source string, r io.Reader) (*domain.Batch, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	s.source, s.body = source, string(data)
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Batch{ID: "b-1", Rows: []domain.RawRow{{Row: 2}, {Row: 3}}}, nil
}

type stubRunner struct {
	res *domain.BatchResult
	err error
}

func (s *stubRunner) Resume(ctx context.Context, batchID string) (*domain.BatchResult, error) {
	return s.res, s.err
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(content))
	mw.Close()
	return buf, mw.FormDataContentType()
}

func TestBatchHandler_Upload(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	const csv = "first_name,email\nJane,jane@acme.io\n"

	tests := []struct {
		name           string
		build          func(t *testing.T) (io.Reader, string)
		url            string
		ingestErr      error
		maxBytes       int64
		expectedStatus int
		expectedMetric string
	}{
		{
			name: "Multipart Upload",
			build: func(t *testing.T) (io.Reader, string) {
				return multipartBody(t, "file", "leads.csv", csv)
			},
			expectedStatus: http.StatusAccepted,
			expectedMetric: "accepted",
		},
		{
			name: "Raw CSV Body",
			build: func(t *testing.T) (io.Reader, string) {
				return strings.NewReader(csv), "text/csv"
			},
			url:            "/v1/batches?source=crm-export",
			expectedStatus: http.StatusAccepted,
			expectedMetric: "accepted",
		},
		{
			name: "Missing File Field",
			build: func(t *testing.T) (io.Reader, string) {
				return multipartBody(t, "upload", "leads.csv", csv)
			},
			expectedStatus: http.StatusBadRequest,
			expectedMetric: "error_parse",
		},
		{
			name: "Unsupported Content-Type",
			build: func(t *testing.T) (io.Reader, string) {
				return strings.NewReader(csv), "application/json"
			},
			expectedStatus: http.StatusUnsupportedMediaType,
			expectedMetric: "error_parse",
		},
		{
			name: "Invalid CSV",
			build: func(t *testing.T) (io.Reader, string) {
				return strings.NewReader(csv), "text/csv"
			},
			ingestErr:      &domain.ValidationError{Field: "header", Message: "missing column email"},
			expectedStatus: http.StatusBadRequest,
			expectedMetric: "error_parse",
		},
		{
			name: "Buffer Unavailable",
			build: func(t *testing.T) (io.Reader, string) {
				return strings.NewReader(csv), "text/csv"
			},
			ingestErr:      domain.NewExternalError("redis", "xadd", domain.ErrServiceUnavailable, errors.New("refused"), true),
			expectedStatus: http.StatusServiceUnavailable,
			expectedMetric: "error_buffer",
		},
		{
			name: "Payload Too Large",
			build: func(t *testing.T) (io.Reader, string) {
				return strings.NewReader(csv + strings.Repeat("John,john@beta.io\n", 10)), "text/csv"
			},
			maxBytes:       40,
			expectedStatus: http.StatusRequestEntityTooLarge,
			expectedMetric: "error_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.NewIngestMetrics(prometheus.NewRegistry())
			maxBytes := tt.maxBytes
			if maxBytes == 0 {
				maxBytes = 1 << 20
			}
			url := tt.url
			if url == "" {
				url = "/v1/batches"
			}
			ingester := &stubIngester{err: tt.ingestErr}
			h := NewBatchHandler(ingester, &mocks.MockCheckpointStore{}, &stubRunner{}, nil, m, logger, maxBytes)

			body, contentType := tt.build(t)
			req := httptest.NewRequest(http.MethodPost, url, body)
			req.Header.Set("Content-Type", contentType)
			rr := httptest.NewRecorder()

			h.Upload(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v (body %q)", rr.Code, tt.expectedStatus, rr.Body.String())
			}
			if got := testutil.ToFloat64(m.BatchesTotal.WithLabelValues(tt.expectedMetric)); got != 1 {
				t.Errorf("expected batches_total{status=%q} to be 1, got %v", tt.expectedMetric, got)
			}
		})
	}
}

func TestBatchHandler_UploadRecordsRowsAndSource(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewIngestMetrics(prometheus.NewRegistry())
	ingester := &stubIngester{}
	h := NewBatchHandler(ingester, &mocks.MockCheckpointStore{}, &stubRunner{}, nil, m, logger, 1<<20)

	const csv = "first_name,email\nJane,jane@acme.io\n"
	req := httptest.NewRequest(http.MethodPost, "/v1/batches?source=webinar", strings.NewReader(csv))
	req.Header.Set("Content-Type", "text/csv; charset=utf-8")
	rr := httptest.NewRecorder()
	h.Upload(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if want := `{"batch_id":"b-1","rows":2,"status":"queued"}`; rr.Body.String() != want {
		t.Errorf("unexpected body: got %q want %q", rr.Body.String(), want)
	}
	if ingester.source != "webinar" || ingester.body != csv {
		t.Errorf("ingester got source %q body %q", ingester.source, ingester.body)
	}
	if got := testutil.ToFloat64(m.RowsTotal); got != 2 {
		t.Errorf("expected 2 rows counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.BytesTotal); got != float64(len(csv)) {
		t.Errorf("expected %d bytes counted, got %v", len(csv), got)
	}
}

func TestBatchHandler_StatusAndResume(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	checkpoints := &mocks.MockCheckpointStore{Checkpoints: map[string]domain.Checkpoint{
		"b-1": {BatchID: "b-1", Stage: domain.StageAllocated},
	}}

	tests := []struct {
		name           string
		method         string
		path           string
		runner         *stubRunner
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "Known Batch",
			method:         http.MethodGet,
			path:           "/v1/batches/b-1",
			runner:         &stubRunner{},
			expectedStatus: http.StatusOK,
			expectedBody:   `"stage":"allocated"`,
		},
		{
			name:           "Unknown Batch",
			method:         http.MethodGet,
			path:           "/v1/batches/nope",
			runner:         &stubRunner{},
			expectedStatus: http.StatusNotFound,
			expectedBody:   "checkpoint not found",
		},
		{
			name:           "Resume Completes",
			method:         http.MethodPost,
			path:           "/v1/batches/b-1/resume",
			runner:         &stubRunner{res: &domain.BatchResult{BatchID: "b-1", Status: domain.StatusComplete}},
			expectedStatus: http.StatusOK,
			expectedBody:   `"status":"complete"`,
		},
		{
			name:           "Resume While Running",
			method:         http.MethodPost,
			path:           "/v1/batches/b-1/resume",
			runner:         &stubRunner{err: domain.ErrRunInProgress},
			expectedStatus: http.StatusConflict,
			expectedBody:   "another run is in progress",
		},
		{
			name:   "Resume Fails With Partial Result",
			method: http.MethodPost,
			path:   "/v1/batches/b-1/resume",
			runner: &stubRunner{
				res: &domain.BatchResult{BatchID: "b-1", Status: domain.StatusFailed, FailedStage: domain.StageDelivered},
				err: domain.NewExternalError("drive", "upload", domain.ErrServiceUnavailable, errors.New("503"), true),
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   `"failed_stage":"delivered"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewBatchHandler(&stubIngester{}, checkpoints, tt.runner, nil, nil, logger, 1024)
			r := chi.NewRouter()
			r.Get("/v1/batches/{id}", h.Status)
			r.Post("/v1/batches/{id}/resume", h.Resume)

			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, nil))

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
			if !strings.Contains(rr.Body.String(), tt.expectedBody) {
				t.Errorf("expected body to contain %q, got %q", tt.expectedBody, rr.Body.String())
			}
		})
	}
}
