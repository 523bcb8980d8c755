package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type Config struct {
	Enabled                 bool              `json:"enabled"`
	Action                  string            `json:"action"`
	CacheTTLMinutes         uint32            `json:"cache_ttl_minutes"`
	ProviderCooldownSeconds uint32            `json:"provider_cooldown_seconds"`
	ProviderTimeoutMs       uint32            `json:"provider_timeout_ms"`
	ProviderProxy           string            `json:"provider_proxy"`
	Providers               []string          `json:"providers"`
	APIKeys                 map[string]string `json:"api_keys"`

	Whitelist struct {
		IPs       []string `json:"ips"`
		Countries []string `json:"countries"`
	} `json:"whitelist"`

	AlertsEnabled bool `json:"alerts_enabled"`

	Detector struct {
		Workers         uint32 `json:"workers"`
		DedupeInFlight  bool   `json:"dedupe_inflight"`
		HintTimeoutMs   uint32 `json:"hint_timeout_ms"`
		LogCleanResults bool   `json:"log_clean_results"`
	} `json:"detector"`

	Cache struct {
		Redis          bool   `json:"redis"`
		JanitorSeconds uint32 `json:"janitor_seconds"`
	} `json:"cache"`

	GeoLite struct {
		ASNPath             string `json:"asn_path"`
		CountryPath         string `json:"country_path"`
		LicenseKey          string `json:"license_key"`
		AutoUpdate          bool   `json:"auto_update"`
		UpdateIntervalHours uint32 `json:"update_interval_hours"`
	} `json:"geolite"`

	Blocklist struct {
		Sources      []string `json:"sources"`
		RefreshHours uint32   `json:"refresh_hours"`
	} `json:"blocklist"`
}

const (
	defaultCacheTTLMinutes         = 30
	defaultProviderCooldownSeconds = 300
	defaultProviderTimeoutMs       = 3000
	defaultWorkers                 = 64
	defaultHintTimeoutMs           = 500
	defaultJanitorSeconds          = 60
	defaultGeoLiteUpdateHours      = 24
	defaultBlocklistRefreshHours   = 6
)

var (
	//go:embed default_settings.json
	defaultConfig []byte

	settingsFilePath = filepath.Join("data", "settings.json")

	configValue atomic.Value
	configMu    sync.Mutex
)

func init() {
	cfg, err := DefaultConfig()
	if err != nil {
		cfg = Config{}
	}
	configValue.Store(cfg)
}

// DefaultConfig returns the embedded defaults, normalized.
func DefaultConfig() (Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode defaults: %w", err)
	}
	normalized, _ := Normalize(cfg)
	return normalized, nil
}

// SetSettingsPath points ReadSettings and persistence at another file.
func SetSettingsPath(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	settingsFilePath = path
}

func ReadSettings() {
	configMu.Lock()
	path := settingsFilePath
	configMu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("Settings file not found, creating with default configuration", "path", path)

			if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
				log.Error("Error creating directory for settings file", "error", err)
				return
			}

			if err := os.WriteFile(path, defaultConfig, 0o644); err != nil {
				log.Error("Error writing default settings file", "error", err)
				return
			}

			data = defaultConfig
		} else {
			log.Error("Error reading settings file", "error", err)
			return
		}
	}

	var newConfig Config
	if err := json.Unmarshal(data, &newConfig); err != nil {
		log.Error("Error unmarshalling settings file", "error", err)
		return
	}

	newConfig, err = openSecrets(newConfig)
	if err != nil {
		log.Error("Some secrets in the settings file could not be decrypted", "error", err)
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		log.Error("Error applying configuration from settings file", "error", err)
		return
	}

	log.Debug("Settings file loaded successfully")
}

// SetConfig applies, persists and broadcasts newConfig. Invalid entries are
// dropped and reported in the returned error.
func SetConfig(newConfig Config) error {
	err := applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"})
	if err != nil {
		log.Error("Error applying configuration update", "error", err)
		return err
	}

	log.Debug("Configuration updated and written to file successfully")
	return nil
}

// UpdateConfig applies updater to a copy of the current configuration.
func UpdateConfig(updater func(cfg *Config)) error {
	if updater == nil {
		return errors.New("config: updater cannot be nil")
	}

	cfg := GetConfig()
	cfg.APIKeys = cloneKeys(cfg.APIKeys)
	cfg.Providers = append([]string(nil), cfg.Providers...)
	cfg.Whitelist.IPs = append([]string(nil), cfg.Whitelist.IPs...)
	cfg.Whitelist.Countries = append([]string(nil), cfg.Whitelist.Countries...)
	cfg.Blocklist.Sources = append([]string(nil), cfg.Blocklist.Sources...)
	updater(&cfg)

	return applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, broadcast: true, source: "update"})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	normalized, normErr := Normalize(newConfig)
	var errs []error
	if normErr != nil {
		log.Warn("Configuration contained invalid entries", "source", opts.source, "error", normErr)
		errs = append(errs, normErr)
	}

	configValue.Store(normalized)
	notifyListeners(normalized)

	var shared Config
	if opts.persistToFile || opts.broadcast {
		sealed, err := sealSecrets(normalized)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: encrypt secrets: %w", err))
		}
		shared = sealed
	}

	if opts.persistToFile {
		data, err := json.MarshalIndent(shared, "", "  ")
		if err != nil {
			errs = append(errs, fmt.Errorf("config: marshal: %w", err))
		} else if err := os.WriteFile(settingsFilePath, data, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("config: write %s: %w", settingsFilePath, err))
		}
	}

	if opts.broadcast {
		payload, err := json.Marshal(shared)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: serialize for broadcast: %w", err))
		} else if err := broadcastConfigUpdate(payload); err != nil {
			errs = append(errs, fmt.Errorf("config: broadcast: %w", err))
		}
	}

	log.Debug("Configuration applied", "source", opts.source)

	return errors.Join(errs...)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

func (c Config) ProviderCooldown() time.Duration {
	return time.Duration(c.ProviderCooldownSeconds) * time.Second
}

func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutMs) * time.Millisecond
}

func (c Config) HintTimeout() time.Duration {
	return time.Duration(c.Detector.HintTimeoutMs) * time.Millisecond
}

func (c Config) JanitorInterval() time.Duration {
	return time.Duration(c.Cache.JanitorSeconds) * time.Second
}

func (c Config) GeoLiteUpdateInterval() time.Duration {
	return time.Duration(c.GeoLite.UpdateIntervalHours) * time.Hour
}

func (c Config) BlocklistRefreshInterval() time.Duration {
	return time.Duration(c.Blocklist.RefreshHours) * time.Hour
}

func cloneKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
