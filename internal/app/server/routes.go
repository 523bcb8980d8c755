package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"vpnshield/internal/auth"
	"vpnshield/internal/blocklist"
	"vpnshield/internal/detector"
	"vpnshield/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// Dependencies are the components the HTTP layer talks to. Only Detector is
// required.
type Dependencies struct {
	Detector *detector.Service
	// UpdateGeoLite forces a database download and reports whether new
	// files were installed.
	UpdateGeoLite func(ctx context.Context) bool
	Instances     func(ctx context.Context) (int, error)
	Blocklist     *blocklist.Manager
}

type handlers struct {
	deps Dependencies
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func NewRouter(deps Dependencies) http.Handler {
	h := &handlers{deps: deps}

	router := http.NewServeMux()
	router.HandleFunc("GET /healthz", h.healthz)
	router.HandleFunc("GET /version", getVersion)
	router.Handle("GET /metrics", metrics.Handler())

	router.HandleFunc("GET /check/{address}", h.checkAddress)
	router.HandleFunc("GET /addresses/{address}/dangerous", h.isKnownDangerous)
	router.HandleFunc("GET /subjects/{id}/likely-address", h.likelyAddress)
	router.HandleFunc("GET /subjects/{id}/history", h.addressHistory)

	router.HandleFunc("GET /stats", h.stats)
	router.HandleFunc("GET /detections", h.recentDetections)
	router.HandleFunc("GET /providers", h.providers)

	router.Handle("GET /whitelist", auth.IsAdmin(http.HandlerFunc(h.listWhitelist)))
	router.Handle("POST /whitelist", auth.IsAdmin(http.HandlerFunc(h.addWhitelist)))
	router.Handle("DELETE /whitelist/{entry...}", auth.IsAdmin(http.HandlerFunc(h.removeWhitelist)))
	router.Handle("DELETE /cache", auth.IsAdmin(http.HandlerFunc(h.clearCache)))
	router.Handle("GET /settings", auth.IsAdmin(http.HandlerFunc(getSettings)))
	router.Handle("POST /settings", auth.IsAdmin(http.HandlerFunc(saveSettings)))
	router.Handle("POST /geolite/update", auth.IsAdmin(http.HandlerFunc(h.updateGeoLite)))
	router.Handle("GET /blocklist", auth.IsAdmin(http.HandlerFunc(h.blocklistStatus)))
	router.Handle("POST /blocklist/refresh", auth.IsAdmin(http.HandlerFunc(h.refreshBlocklist)))

	log.Debug("Routes opened")
	return enableCORS(router)
}

// OpenRoutes serves handler until ctx is done, then shuts down gracefully.
func OpenRoutes(ctx context.Context, port int, handler http.Handler) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting vpnshield on port :%d", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown: %w", err)
		}
		return nil
	}
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok"}
	if h.deps.Instances != nil {
		count, err := h.deps.Instances(r.Context())
		if err != nil {
			log.Warn("Failed to count active instances", "error", err)
		} else {
			payload["instances"] = count
		}
	}
	writeJSON(w, http.StatusOK, payload)
}
