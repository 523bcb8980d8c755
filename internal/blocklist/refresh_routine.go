package blocklist

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"vpnshield/internal/config"
	"vpnshield/internal/support"
)

const (
	defaultRefreshInterval = 6 * time.Hour
)

// StartRefreshRoutine blocks until ctx is done, refreshing on the configured
// interval. With redis only the elected leader downloads.
func (m *Manager) StartRefreshRoutine(ctx context.Context, client *redis.Client) {
	if ctx == nil {
		ctx = context.Background()
	}

	var intervalValue atomic.Value
	intervalValue.Store(effectiveInterval(config.GetConfig().BlocklistRefreshInterval()))

	updateSignal := make(chan struct{}, 1)
	updates := config.Updates()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg := <-updates:
				next := effectiveInterval(cfg.BlocklistRefreshInterval())
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

	err := support.RunAsLeader(ctx, client, support.BlocklistRefreshRole, func(leaderCtx context.Context) {
		m.runRefreshLoop(leaderCtx, &intervalValue, updateSignal)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Blocklist refresh routine stopped", "error", err)
	}
}

func (m *Manager) runRefreshLoop(ctx context.Context, intervalValue *atomic.Value, updateSignal <-chan struct{}) {
	current := intervalValue.Load().(time.Duration)

	ticker := time.NewTicker(current)
	defer ticker.Stop()

	m.RunRefresh(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunRefresh(ctx, "scheduled")
		case <-updateSignal:
			newInterval := intervalValue.Load().(time.Duration)
			if newInterval == current {
				continue
			}
			drainTicker(ticker)
			current = newInterval
			ticker.Reset(current)
		}
	}
}

// RunRefresh refreshes from the configured sources and logs the outcome.
func (m *Manager) RunRefresh(ctx context.Context, reason string) (*RefreshOutcome, error) {
	outcome, err := m.Refresh(ctx, config.GetConfig().Blocklist.Sources)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Blocklist refresh canceled", "reason", reason)
		} else {
			log.Error("Blocklist refresh failed", "reason", reason, "error", err)
		}
		return nil, err
	}

	log.Info("Blocklist refresh completed",
		"reason", reason,
		"sources", outcome.Sources,
		"failed", outcome.FailedSources,
		"entries", outcome.Entries,
		"new", outcome.NewEntries,
		"removed", outcome.RemovedEntries,
	)
	return outcome, nil
}

func effectiveInterval(interval time.Duration) time.Duration {
	if interval <= 0 {
		return defaultRefreshInterval
	}
	return interval
}

func drainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}
