package handlers

import (
	"net/http"
	"time"
)

var startedAt = time.Now()

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	Version       string `json:"version"`
	Uptime        string `json:"uptime"`
	OpenChannels  int    `json:"open_channels"`
	OpenListeners int    `json:"open_listeners"`
}

// Stats returns instance-level realtime statistics. Registry state is
// per-process, so numbers describe this instance only.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	channels, listeners := h.hub.Registry().Total()

	h.JSON(w, http.StatusOK, StatsResponse{
		Version:       version,
		Uptime:        time.Since(startedAt).Round(time.Second).String(),
		OpenChannels:  channels,
		OpenListeners: listeners,
	})
}
