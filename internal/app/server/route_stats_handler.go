package server

import (
	"net/http"
	"strconv"

	"vpnshield/internal/domain"
)

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Detector.GetStats().Await(r.Context())
	if err != nil {
		writeError(w, "Request cancelled", http.StatusServiceUnavailable)
		return
	}
	if stats.TopProviders == nil {
		stats.TopProviders = []domain.ProviderStat{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) recentDetections(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	detections, err := h.deps.Detector.GetRecentDetections(limit).Await(r.Context())
	if err != nil {
		writeError(w, "Request cancelled", http.StatusServiceUnavailable)
		return
	}
	if detections == nil {
		detections = []domain.Detection{}
	}
	writeJSON(w, http.StatusOK, detections)
}

func (h *handlers) providers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Detector.ProviderStates())
}
