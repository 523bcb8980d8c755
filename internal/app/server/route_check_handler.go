package server

import (
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"vpnshield/internal/domain"
)

func (h *handlers) checkAddress(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	query := r.URL.Query()

	action := strings.TrimSpace(query.Get("action"))
	if action != "" {
		parsed, err := domain.ParseAction(action)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		action = parsed
	}

	subject := domain.Subject{
		ID:   strings.TrimSpace(query.Get("subject")),
		Name: strings.TrimSpace(query.Get("name")),
	}

	result, err := h.deps.Detector.Inspect(address, subject, action).Await(r.Context())
	if err != nil {
		log.Debug("Check abandoned by client", "address", address, "error", err)
		writeError(w, "Request cancelled", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) isKnownDangerous(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	if _, err := domain.ParseAddress(address); err != nil {
		writeError(w, "Invalid address", http.StatusBadRequest)
		return
	}

	dangerous, err := h.deps.Detector.IsKnownDangerous(address).Await(r.Context())
	if err != nil {
		writeError(w, "Request cancelled", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"address": address, "dangerous": dangerous})
}

func (h *handlers) likelyAddress(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("id")

	address, err := h.deps.Detector.GetLikelyRealAddress(subjectID).Await(r.Context())
	if err != nil {
		writeError(w, "Request cancelled", http.StatusServiceUnavailable)
		return
	}
	if address == "" {
		writeError(w, "No non-VPN address recorded for subject", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"subject_id": subjectID, "address": address})
}

func (h *handlers) addressHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.deps.Detector.GetAddressHistory(r.PathValue("id")).Await(r.Context())
	if err != nil {
		writeError(w, "Request cancelled", http.StatusServiceUnavailable)
		return
	}
	if history == nil {
		history = []domain.AddressHistory{}
	}

	writeJSON(w, http.StatusOK, history)
}
