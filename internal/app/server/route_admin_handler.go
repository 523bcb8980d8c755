package server

import (
	"encoding/json"
	"net/http"

	"github.com/charmbracelet/log"

	"vpnshield/internal/config"
)

type whitelistRequest struct {
	Entry string `json:"entry"`
}

func (h *handlers) listWhitelist(w http.ResponseWriter, _ *http.Request) {
	list := h.deps.Detector.Whitelist()
	writeJSON(w, http.StatusOK, map[string][]string{
		"entries":   list.Entries(),
		"countries": list.Countries(),
	})
}

func (h *handlers) addWhitelist(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.deps.Detector.AddToWhitelist(req.Entry); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.Info("Whitelist entry added", "entry", req.Entry)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) removeWhitelist(w http.ResponseWriter, r *http.Request) {
	entry := r.PathValue("entry")
	if !h.deps.Detector.RemoveFromWhitelist(entry) {
		writeError(w, "Entry not whitelisted", http.StatusNotFound)
		return
	}

	log.Info("Whitelist entry removed", "entry", entry)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) clearCache(w http.ResponseWriter, _ *http.Request) {
	h.deps.Detector.ClearCache()
	log.Info("Result cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) updateGeoLite(w http.ResponseWriter, r *http.Request) {
	if h.deps.UpdateGeoLite == nil {
		writeError(w, "GeoLite updates are not available", http.StatusNotImplemented)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": h.deps.UpdateGeoLite(r.Context())})
}

func (h *handlers) blocklistStatus(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Blocklist == nil {
		writeError(w, "Blocklist is not available", http.StatusNotImplemented)
		return
	}
	addrs, networks := h.deps.Blocklist.Len()
	writeJSON(w, http.StatusOK, map[string]any{
		"addresses": addrs,
		"networks":  networks,
		"sources":   config.GetConfig().Blocklist.Sources,
	})
}

func (h *handlers) refreshBlocklist(w http.ResponseWriter, r *http.Request) {
	if h.deps.Blocklist == nil {
		writeError(w, "Blocklist is not available", http.StatusNotImplemented)
		return
	}
	outcome, err := h.deps.Blocklist.RunRefresh(r.Context(), "manual")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.GetConfig())
}

func saveSettings(w http.ResponseWriter, r *http.Request) {
	var newConfig config.Config
	if err := json.NewDecoder(r.Body).Decode(&newConfig); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// Invalid entries are dropped; the rest of the configuration is applied.
	if err := config.SetConfig(newConfig); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"config":   config.GetConfig(),
			"warnings": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"config": config.GetConfig()})
}
