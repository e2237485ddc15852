package handler

import (
	"log/slog"
	"net/http"

	"github.com/V4T54L/leadflow/internal/usecase"
	"github.com/go-chi/chi/v5"
)

// ClientHandler serves client management and the dashboard stats.
type ClientHandler struct {
	uc     *usecase.ClientUseCase
	logger *slog.Logger
}

func NewClientHandler(uc *usecase.ClientUseCase, logger *slog.Logger) *ClientHandler {
	return &ClientHandler{uc: uc, logger: logger}
}

// GET /v1/clients
func (h *ClientHandler) List(w http.ResponseWriter, r *http.Request) {
	clients, err := h.uc.List(r.Context())
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, clients)
}

// POST /v1/clients
func (h *ClientHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in usecase.NewClientInput
	if err := decodeJSON(r, &in); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	client, err := h.uc.Create(r.Context(), in)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusCreated, client)
}

// GET /v1/clients/{id}
func (h *ClientHandler) Get(w http.ResponseWriter, r *http.Request) {
	client, err := h.uc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, client)
}

// POST /v1/clients/{id}/reset
func (h *ClientHandler) ResetQuota(w http.ResponseWriter, r *http.Request) {
	client, err := h.uc.ResetQuota(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, client)
}

// GET /v1/stats
func (h *ClientHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.uc.Stats(r.Context())
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, stats)
}
