// Package api exposes bulk sending and the capture store over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/smtp-sender-lite/internal/bulk"
	"github.com/shineum/smtp-sender-lite/internal/capture"
)

// maxRequestBytes bounds the JSON body of a send request.
const maxRequestBytes = 1 << 20

// Handler serves the HTTP API.
type Handler struct {
	dispatcher *bulk.Dispatcher
	store      *capture.Store
	logger     *slog.Logger
	mux        *http.ServeMux
}

// New creates a Handler. store may be nil, in which case the message
// endpoints answer 404.
func New(dispatcher *bulk.Dispatcher, store *capture.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		dispatcher: dispatcher,
		store:      store,
		logger:     logger.With("component", "api"),
		mux:        http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /api/send", h.handleSend)
	h.mux.HandleFunc("GET /api/messages", h.handleListMessages)
	h.mux.HandleFunc("GET /api/messages/{id}", h.handleGetMessage)
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.Handle("GET /metrics", promhttp.Handler())
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req bulk.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return
	}

	res, err := h.dispatcher.Send(r.Context(), &req)
	switch {
	case errors.Is(err, bulk.ErrNoProvider):
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	case err != nil:
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.NotFound(w, r)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	h.writeJSON(w, http.StatusOK, h.store.List(limit))
}

func (h *Handler) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.NotFound(w, r)
		return
	}
	msg, ok := h.store.Get(r.PathValue("id"))
	if !ok {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "message not found"})
		return
	}
	h.writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}
