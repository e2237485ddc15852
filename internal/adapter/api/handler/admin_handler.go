package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/V4T54L/leadflow/internal/usecase"
	"github.com/go-chi/chi/v5"
)

// AdminHandler exposes batch stream maintenance to operators.
type AdminHandler struct {
	uc     *usecase.QueueAdminUseCase
	logger *slog.Logger
}

func NewAdminHandler(uc *usecase.QueueAdminUseCase, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{uc: uc, logger: logger}
}

func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, h.logger, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /admin/batches/groups
func (h *AdminHandler) Groups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.uc.Groups(r.Context())
	h.respond(w, groups, err)
}

// GET /admin/batches/groups/{group}/consumers
func (h *AdminHandler) Consumers(w http.ResponseWriter, r *http.Request) {
	consumers, err := h.uc.Consumers(r.Context(), chi.URLParam(r, "group"))
	h.respond(w, consumers, err)
}

// GET /admin/batches/groups/{group}/pending
func (h *AdminHandler) PendingSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.uc.PendingSummary(r.Context(), chi.URLParam(r, "group"))
	h.respond(w, summary, err)
}

// PendingBatches lists unacknowledged batches.
// GET /admin/batches/groups/{group}/pending/messages?consumer=&start=&count=
func (h *AdminHandler) PendingBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count, err := countParam(r)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	batches, err := h.uc.PendingBatches(r.Context(), chi.URLParam(r, "group"), q.Get("consumer"), q.Get("start"), count)
	h.respond(w, batches, err)
}

type claimRequest struct {
	Consumer    string   `json:"consumer"`
	MinIdleTime string   `json:"min_idle_time"`
	MessageIDs  []string `json:"message_ids"`
}

// Claim hands idle pending batches to another worker.
// POST /admin/batches/groups/{group}/claim
func (h *AdminHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	minIdle, err := time.ParseDuration(req.MinIdleTime)
	if err != nil {
		respondWithError(w, h.logger, &domain.ValidationError{Field: "min_idle_time", Message: "must be a duration such as 5m"})
		return
	}
	claimed, err := h.uc.Claim(r.Context(), chi.URLParam(r, "group"), req.Consumer, minIdle, req.MessageIDs)
	h.respond(w, claimed, err)
}

type messageIDsRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// POST /admin/batches/groups/{group}/ack
func (h *AdminHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	var req messageIDsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	n, err := h.uc.Acknowledge(r.Context(), chi.URLParam(r, "group"), req.MessageIDs...)
	h.respond(w, map[string]int64{"acknowledged": n}, err)
}

// POST /admin/batches/trim
func (h *AdminHandler) Trim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxLen int64 `json:"maxlen"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	n, err := h.uc.Trim(r.Context(), req.MaxLen)
	h.respond(w, map[string]int64{"trimmed": n}, err)
}

// GET /admin/dead-letters?count=
func (h *AdminHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	count, err := countParam(r)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	letters, err := h.uc.DeadLetters(r.Context(), count)
	h.respond(w, letters, err)
}

// POST /admin/dead-letters/requeue
func (h *AdminHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	var req messageIDsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	n, err := h.uc.Requeue(r.Context(), req.MessageIDs...)
	if err == nil {
		h.logger.Info("dead letters requeued", "requested", len(req.MessageIDs), "requeued", n)
	}
	h.respond(w, map[string]int{"requeued": n}, err)
}

func (h *AdminHandler) respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, payload)
}

func countParam(r *http.Request) (int64, error) {
	s := r.URL.Query().Get("count")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &domain.ValidationError{Field: "count", Message: "must be an integer"}
	}
	return n, nil
}
