package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"vpnshield/internal/blocklist"
	"vpnshield/internal/cache"
	"vpnshield/internal/config"
	"vpnshield/internal/database"
	"vpnshield/internal/detector"
	"vpnshield/internal/geolite"
	jobruntime "vpnshield/internal/jobs/runtime"
	"vpnshield/internal/provider"
	"vpnshield/internal/rotator"
	"vpnshield/internal/support"
	"vpnshield/internal/whitelist"
)

// Engine holds every long lived component of a running node.
type Engine struct {
	Detector  *detector.Service
	Store     *database.Store
	Cache     *cache.Cache
	GeoLite   *provider.GeoLite
	Updater   *geolite.Updater
	Blocklist *blocklist.Manager
	Redis     *redis.Client

	whitelistSync *whitelist.RedisSync
	cancel        context.CancelFunc
}

// Setup reads the settings, connects storage and redis, and starts the
// background routines. Redis is optional; without it the node runs alone.
func Setup(parent context.Context) (*Engine, error) {
	ctx, cancel := context.WithCancel(parent)
	engine := &Engine{cancel: cancel}

	config.ReadSettings()

	redisClient, err := support.GetRedisClient()
	switch {
	case errors.Is(err, support.ErrRedisNotConfigured):
		log.Info("Redis not configured, running as a single node")
	case err != nil:
		cancel()
		return nil, fmt.Errorf("bootstrap: redis: %w", err)
	default:
		engine.Redis = redisClient
		config.EnableRedisSynchronization(ctx, redisClient)
	}

	cfg := config.GetConfig()

	db, err := database.SetupDB()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bootstrap: database: %w", err)
	}
	store, err := database.NewStore(db)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bootstrap: store: %w", err)
	}
	engine.Store = store

	geo, err := provider.OpenGeoLite(cfg.GeoLite.ASNPath, cfg.GeoLite.CountryPath)
	if err != nil {
		log.Warn("GeoLite databases not loaded", "error", err)
	}
	engine.GeoLite = geo
	engine.Updater = geolite.NewUpdater(geo, geoLiteOptions(cfg))
	if engine.Redis != nil {
		engine.Updater.EnableRedisDistribution(ctx, engine.Redis)
	}

	engine.Blocklist = blocklist.NewManager(store)
	if err := engine.Blocklist.LoadCache(ctx); err != nil {
		log.Warn("Stored blocklist not loaded", "error", err)
	}
	if engine.Redis != nil {
		engine.Blocklist.EnableRedisSync(ctx, engine.Redis)
	}

	var cacheOpts []cache.Option
	if cfg.Cache.Redis && engine.Redis != nil {
		cacheOpts = append(cacheOpts, cache.WithRemote(cache.NewRedisTier(engine.Redis)))
	}
	engine.Cache = cache.New(cacheOpts...)
	engine.Cache.StartJanitor(ctx, cfg.JanitorInterval())

	list := whitelist.New(cfg.Whitelist.IPs, cfg.Whitelist.Countries)
	if engine.Redis != nil {
		engine.whitelistSync = whitelist.NewRedisSync(list, engine.Redis)
		engine.whitelistSync.Start(ctx)
	}

	rot, err := BuildRotator(cfg, geo, engine.Blocklist)
	if err != nil {
		log.Error("Provider configuration rejected, starting without providers", "error", err)
		rot = rotator.New(nil, cfg.ProviderCooldown())
	}

	service, err := detector.New(detector.Config{
		Rotator:   rot,
		Cache:     engine.Cache,
		Whitelist: list,
		Store:     store,
		Workers:   int(cfg.Detector.Workers),
		Settings:  DetectorSettings(cfg),
	})
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("bootstrap: detector: %w", err)
	}
	engine.Detector = service

	go engine.watchConfig(ctx)
	go jobruntime.StartGeoLiteUpdateRoutine(ctx, engine.Redis, engine.Updater)
	go engine.Blocklist.StartRefreshRoutine(ctx, engine.Redis)
	heartbeatCancel := jobruntime.LaunchInstanceHeartbeat(ctx, engine.Redis)
	context.AfterFunc(ctx, heartbeatCancel)

	log.Info("Detector ready", "providers", rot.Len(), "whitelist_entries", len(list.Entries()), "redis", engine.Redis != nil)
	return engine, nil
}

// Close stops the background routines and flushes pending writes.
func (e *Engine) Close() {
	e.cancel()
	if e.whitelistSync != nil {
		e.whitelistSync.Stop()
	}
	if e.Detector != nil {
		if err := e.Detector.Close(); err != nil {
			log.Warn("Detector pool did not drain in time", "error", err)
		}
	}
	if e.Store != nil {
		e.Store.Close()
	}
	if e.GeoLite != nil {
		_ = e.GeoLite.Close()
	}
	config.DisableRedisSynchronization()
	if e.Redis != nil {
		if err := support.CloseRedisClient(); err != nil {
			log.Warn("error closing redis client", "error", err)
		}
	}
}

// BuildRotator creates a fresh provider chain from cfg.
func BuildRotator(cfg config.Config, geo *provider.GeoLite, list provider.BlocklistMatcher) (*rotator.Rotator, error) {
	providers, err := provider.Build(provider.Settings{
		Order:     cfg.Providers,
		APIKeys:   cfg.APIKeys,
		Timeout:   cfg.ProviderTimeout(),
		Egress:    cfg.ProviderProxy,
		GeoLite:   geo,
		Blocklist: list,
	})
	if err != nil {
		return nil, err
	}
	return rotator.New(providers, cfg.ProviderCooldown()), nil
}

func DetectorSettings(cfg config.Config) detector.Settings {
	return detector.Settings{
		Enabled:         cfg.Enabled,
		Action:          cfg.Action,
		CacheTTL:        cfg.CacheTTL(),
		AlertsEnabled:   cfg.AlertsEnabled,
		DedupeInFlight:  cfg.Detector.DedupeInFlight,
		HintTimeout:     cfg.HintTimeout(),
		LogCleanResults: cfg.Detector.LogCleanResults,
	}
}

func geoLiteOptions(cfg config.Config) geolite.Options {
	return geolite.Options{
		LicenseKey:  cfg.GeoLite.LicenseKey,
		ASNPath:     cfg.GeoLite.ASNPath,
		CountryPath: cfg.GeoLite.CountryPath,
	}
}

func (e *Engine) watchConfig(ctx context.Context) {
	updates := config.Updates()
	// The first value mirrors what Setup already applied.
	previous := <-updates

	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			e.applyConfig(previous, cfg)
			previous = cfg
		}
	}
}

// applyConfig pushes a reloaded configuration into the running components.
// Whitelist entries are only ever added here so that addresses whitelisted at
// runtime survive a reload.
func (e *Engine) applyConfig(previous, cfg config.Config) {
	e.Detector.UpdateSettings(DetectorSettings(cfg))
	e.Updater.SetOptions(geoLiteOptions(cfg))

	list := e.Detector.Whitelist()
	list.SetCountries(cfg.Whitelist.Countries)
	for _, entry := range cfg.Whitelist.IPs {
		if slices.Contains(previous.Whitelist.IPs, entry) {
			continue
		}
		if err := list.Add(entry); err != nil {
			log.Warn("Ignoring whitelist entry from settings", "entry", entry, "error", err)
		}
	}

	if providersChanged(previous, cfg) {
		if cfg.GeoLite.ASNPath != previous.GeoLite.ASNPath || cfg.GeoLite.CountryPath != previous.GeoLite.CountryPath {
			if err := e.GeoLite.Reload(cfg.GeoLite.ASNPath, cfg.GeoLite.CountryPath); err != nil {
				log.Warn("GeoLite reload failed", "error", err)
			}
		}
		rot, err := BuildRotator(cfg, e.GeoLite, e.blocklistMatcher())
		if err != nil {
			log.Error("Provider configuration rejected, keeping previous providers", "error", err)
			return
		}
		e.Detector.SetRotator(rot)
		log.Info("Provider chain rebuilt", "providers", rot.Len())
	}
}

func providersChanged(previous, cfg config.Config) bool {
	if !slices.Equal(previous.Providers, cfg.Providers) {
		return true
	}
	if previous.ProviderCooldownSeconds != cfg.ProviderCooldownSeconds || previous.ProviderTimeoutMs != cfg.ProviderTimeoutMs {
		return true
	}
	if previous.ProviderProxy != cfg.ProviderProxy {
		return true
	}
	if previous.GeoLite.ASNPath != cfg.GeoLite.ASNPath || previous.GeoLite.CountryPath != cfg.GeoLite.CountryPath {
		return true
	}
	if len(previous.APIKeys) != len(cfg.APIKeys) {
		return true
	}
	for name, key := range cfg.APIKeys {
		if previous.APIKeys[name] != key {
			return true
		}
	}
	return false
}

// blocklistMatcher avoids handing provider.Build a typed nil interface.
func (e *Engine) blocklistMatcher() provider.BlocklistMatcher {
	if e.Blocklist == nil {
		return nil
	}
	return e.Blocklist
}
