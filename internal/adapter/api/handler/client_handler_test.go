package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/V4T54L/leadflow/internal/domain/mocks"
	"github.com/V4T54L/leadflow/internal/usecase"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClientRouter(repo *mocks.MockClientRepository, history *mocks.MockHistoryStore) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := usecase.NewClientUseCase(repo, history, domain.DefaultPlans(), domain.PeriodMonthly, logger)
	h := NewClientHandler(uc, logger)
	r := chi.NewRouter()
	r.Get("/v1/clients", h.List)
	r.Post("/v1/clients", h.Create)
	r.Get("/v1/clients/{id}", h.Get)
	r.Post("/v1/clients/{id}/reset", h.ResetQuota)
	r.Get("/v1/stats", h.Stats)
	return r
}

func TestClientHandler_CreateAndGet(t *testing.T) {
	repo := mocks.NewMockClientRepository()
	r := newClientRouter(repo, &mocks.MockHistoryStore{})

	rr := httptest.NewRecorder()
	body := `{"id":"acme","name":"Acme","email":"ops@acme.io","plan":"Pro","priority":2}`
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/clients", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var created domain.Client
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "acme", created.ID)
	assert.Equal(t, 250, created.RemainingQuota)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/clients/acme", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"name":"Acme"`)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/clients/missing", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestClientHandler_CreateRejectsBadInput(t *testing.T) {
	r := newClientRouter(mocks.NewMockClientRepository(), &mocks.MockHistoryStore{})

	tests := []struct {
		name string
		body string
	}{
		{name: "Unknown Plan", body: `{"name":"Acme","email":"ops@acme.io","plan":"gold"}`},
		{name: "Malformed JSON", body: `{"name":`},
		{name: "Unknown Field", body: `{"name":"Acme","plan":"basic","tier":"x"}`},
		{name: "Exclusive On Basic", body: `{"name":"Acme","email":"ops@acme.io","plan":"basic","exclusive":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/clients", strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}
}

func TestClientHandler_ResetAndStats(t *testing.T) {
	repo := mocks.NewMockClientRepository(
		domain.Client{ID: "a", Name: "A", PlanQuota: 100, RemainingQuota: 10, Active: true},
		domain.Client{ID: "b", Name: "B", PlanQuota: 50, RemainingQuota: 50},
	)
	history := &mocks.MockHistoryStore{}
	r := newClientRouter(repo, history)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/clients/a/reset", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 100, repo.Remaining("a"))

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/clients/zzz/reset", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var stats domain.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Clients)
	assert.Equal(t, 1, stats.ActiveClients)
	assert.Equal(t, map[string]int{"a": 100, "b": 50}, stats.RemainingQuota)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/clients", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"id":"b"`)
}
