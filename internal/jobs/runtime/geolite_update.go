package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"vpnshield/internal/config"
	"vpnshield/internal/geolite"
	"vpnshield/internal/support"
)

const (
	geoLiteUpdateFallbackEvery = 24 * time.Hour
)

// GeoLiteUpdater downloads and installs fresh MaxMind databases.
type GeoLiteUpdater interface {
	Update(ctx context.Context) (bool, error)
}

// StartGeoLiteUpdateRoutine blocks until ctx is done. With a redis client only
// the elected leader downloads; the other nodes receive the files through the
// updater's redis distribution.
func StartGeoLiteUpdateRoutine(ctx context.Context, client *redis.Client, updater GeoLiteUpdater) {
	if ctx == nil {
		ctx = context.Background()
	}
	if updater == nil {
		return
	}

	var intervalValue atomic.Value
	intervalValue.Store(effectiveInterval(config.GetConfig().GeoLiteUpdateInterval()))

	updateSignal := make(chan struct{}, 1)
	updates := config.Updates()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg := <-updates:
				next := effectiveInterval(cfg.GeoLiteUpdateInterval())
				if intervalValue.Swap(next) == next {
					continue
				}
				select {
				case updateSignal <- struct{}{}:
				default:
				}
			}
		}
	}()

	err := support.RunAsLeader(ctx, client, support.GeoLiteUpdateRole, func(leaderCtx context.Context) {
		runGeoLiteUpdateLoop(leaderCtx, updater, &intervalValue, updateSignal)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("GeoLite update routine stopped", "error", err)
	}
}

func runGeoLiteUpdateLoop(ctx context.Context, updater GeoLiteUpdater, intervalValue *atomic.Value, updateSignal <-chan struct{}) {
	currentInterval := intervalValue.Load().(time.Duration)

	ticker := time.NewTicker(currentInterval)
	defer ticker.Stop()

	triggerGeoLiteUpdate(ctx, updater, config.GetConfig(), "startup", false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			triggerGeoLiteUpdate(ctx, updater, config.GetConfig(), "scheduled", false)
		case <-updateSignal:
			newInterval := intervalValue.Load().(time.Duration)
			if newInterval == currentInterval {
				continue
			}
			drainTicker(ticker)
			currentInterval = newInterval
			ticker.Reset(currentInterval)
			log.Debug("GeoLite update interval changed", "interval", currentInterval)
		}
	}
}

// RunGeoLiteUpdate runs the updater on demand. When force is false the update
// is only executed if auto updates are enabled.
func RunGeoLiteUpdate(ctx context.Context, updater GeoLiteUpdater, reason string, force bool) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	return triggerGeoLiteUpdate(ctx, updater, config.GetConfig(), reason, force)
}

func triggerGeoLiteUpdate(ctx context.Context, updater GeoLiteUpdater, cfg config.Config, reason string, force bool) bool {
	if cfg.GeoLite.LicenseKey == "" {
		log.Debug("GeoLite update skipped: license key missing", "reason", reason)
		return false
	}

	if !force && !cfg.GeoLite.AutoUpdate {
		log.Debug("GeoLite update skipped: auto update disabled", "reason", reason)
		return false
	}

	updated, err := updater.Update(ctx)
	switch {
	case errors.Is(err, geolite.ErrNoLicenseKey):
		log.Debug("GeoLite update skipped: license key missing", "reason", reason)
	case err != nil:
		log.Error("GeoLite update failed", "reason", reason, "error", err)
	case updated:
		log.Info("GeoLite databases updated", "reason", reason)
	default:
		log.Debug("GeoLite update skipped", "reason", reason)
	}
	return updated
}

func effectiveInterval(interval time.Duration) time.Duration {
	if interval <= 0 {
		return geoLiteUpdateFallbackEvery
	}
	return interval
}

func drainTicker(ticker *time.Ticker) {
	select {
	case <-ticker.C:
	default:
	}
}
