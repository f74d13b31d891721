package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/hubd/internal/auth"
	"github.com/eldtechnologies/hubd/internal/hub"
	"github.com/eldtechnologies/hubd/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	hub       *hub.Hub
	store     store.MessageStore
	validator auth.TokenValidator
	logger    zerolog.Logger
}

// NewHandler creates a Handler with the given dependencies.
func NewHandler(h *hub.Hub, st store.MessageStore, validator auth.TokenValidator, logger zerolog.Logger) *Handler {
	return &Handler{hub: h, store: st, validator: validator, logger: logger}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
