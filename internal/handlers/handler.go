package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/lumoschat/lumos/internal/generate"
	"github.com/lumoschat/lumos/internal/realtime"
	"github.com/lumoschat/lumos/internal/store"
	"github.com/lumoschat/lumos/internal/stream"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	log      zerolog.Logger
	store    store.DataStore
	redis    *store.RedisStore
	hub      *realtime.Hub
	streams  *stream.Streams
	pipeline *generate.Pipeline
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(st store.DataStore, redis *store.RedisStore, hub *realtime.Hub, streams *stream.Streams, pipeline *generate.Pipeline, log zerolog.Logger) *Handler {
	return &Handler{
		log:      log,
		store:    st,
		redis:    redis,
		hub:      hub,
		streams:  streams,
		pipeline: pipeline,
	}
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
