package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"vpnshield/internal/security"
)

func useTempSettings(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "settings.json")
	previous := GetConfig()
	SetSettingsPath(path)
	t.Cleanup(func() {
		SetSettingsPath(filepath.Join("data", "settings.json"))
		configValue.Store(previous)
	})
	return path
}

func TestDefaultConfigIsNormalized(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}
	if !cfg.Enabled || cfg.Action != "warn" {
		t.Fatalf("enabled/action = %v/%q", cfg.Enabled, cfg.Action)
	}
	if cfg.CacheTTL() != 30*time.Minute || cfg.ProviderCooldown() != 5*time.Minute || cfg.ProviderTimeout() != 3*time.Second {
		t.Fatalf("durations = %s/%s/%s", cfg.CacheTTL(), cfg.ProviderCooldown(), cfg.ProviderTimeout())
	}
	if len(cfg.Providers) != 7 || cfg.Providers[0] != "ip-api" {
		t.Fatalf("providers = %v", cfg.Providers)
	}
	if cfg.GeoLite.AutoUpdate || cfg.GeoLiteUpdateInterval() != 24*time.Hour {
		t.Fatalf("geolite auto/interval = %v/%s", cfg.GeoLite.AutoUpdate, cfg.GeoLiteUpdateInterval())
	}
}

func TestNormalizeCleansEntries(t *testing.T) {
	var cfg Config
	cfg.Action = "KICK"
	cfg.Providers = []string{" IP-API", "ipinfo", "ip-api", "shodan"}
	cfg.APIKeys = map[string]string{" IPInfo ": " token ", "iphub": ""}
	cfg.Whitelist.IPs = []string{"203.0.113.1", "203.0.113.1", "10.0.0.0/8", "nope", "1.2.3.4/99"}
	cfg.Whitelist.Countries = []string{"nl", "NL", "deu"}
	cfg.Blocklist.Sources = []string{"https://lists.example/vpn.txt", "ftp://lists.example/x", "lists.example/y"}

	got, err := Normalize(cfg)
	if err == nil {
		t.Fatal("expected an error for the invalid entries")
	}

	if got.Action != "kick" {
		t.Errorf("action = %q", got.Action)
	}
	if want := []string{"ip-api", "ipinfo"}; !reflect.DeepEqual(got.Providers, want) {
		t.Errorf("providers = %v, want %v", got.Providers, want)
	}
	if want := map[string]string{"ipinfo": "token"}; !reflect.DeepEqual(got.APIKeys, want) {
		t.Errorf("api keys = %v, want %v", got.APIKeys, want)
	}
	if want := []string{"203.0.113.1", "10.0.0.0/8"}; !reflect.DeepEqual(got.Whitelist.IPs, want) {
		t.Errorf("whitelist ips = %v, want %v", got.Whitelist.IPs, want)
	}
	if want := []string{"NL"}; !reflect.DeepEqual(got.Whitelist.Countries, want) {
		t.Errorf("countries = %v, want %v", got.Whitelist.Countries, want)
	}
	if want := []string{"https://lists.example/vpn.txt"}; !reflect.DeepEqual(got.Blocklist.Sources, want) {
		t.Errorf("blocklist sources = %v, want %v", got.Blocklist.Sources, want)
	}
	if got.BlocklistRefreshInterval() != 6*time.Hour {
		t.Errorf("blocklist refresh = %s", got.BlocklistRefreshInterval())
	}
	if got.CacheTTLMinutes != defaultCacheTTLMinutes || got.Detector.Workers != defaultWorkers {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestNormalizeProviderProxy(t *testing.T) {
	got, err := Normalize(Config{Action: "warn", ProviderProxy: " socks5://127.0.0.1:1080 "})
	if err != nil || got.ProviderProxy != "socks5://127.0.0.1:1080" {
		t.Fatalf("valid proxy = %q, err = %v", got.ProviderProxy, err)
	}

	got, err = Normalize(Config{Action: "warn", ProviderProxy: "gopher://127.0.0.1"})
	if err == nil || got.ProviderProxy != "" {
		t.Fatalf("invalid proxy = %q, err = %v", got.ProviderProxy, err)
	}
}

func TestNormalizeRejectsUnknownAction(t *testing.T) {
	got, err := Normalize(Config{Action: "ban"})
	if err == nil || got.Action != "none" {
		t.Fatalf("Normalize action = %q, err = %v", got.Action, err)
	}
}

func TestReadSettingsCreatesDefaultFile(t *testing.T) {
	path := useTempSettings(t)

	ReadSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("settings file not written: %v", err)
	}
	if string(data) != string(defaultConfig) {
		t.Fatal("settings file does not contain the embedded defaults")
	}
	if !GetConfig().Enabled {
		t.Fatal("defaults not applied")
	}
}

func TestUpdateConfigPersistsAndNotifies(t *testing.T) {
	path := useTempSettings(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	updates := Updates()
	<-updates

	err := UpdateConfig(func(cfg *Config) {
		cfg.Whitelist.Countries = append(cfg.Whitelist.Countries, "de")
		cfg.CacheTTLMinutes = 5
	})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	select {
	case cfg := <-updates:
		if cfg.CacheTTL() != 5*time.Minute {
			t.Fatalf("notified ttl = %s", cfg.CacheTTL())
		}
	case <-time.After(time.Second):
		t.Fatal("no update notification")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	var stored Config
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if len(stored.Whitelist.Countries) == 0 || stored.Whitelist.Countries[len(stored.Whitelist.Countries)-1] != "DE" {
		t.Fatalf("stored countries = %v", stored.Whitelist.Countries)
	}
}

func TestConfigSyncIgnoresOwnEvents(t *testing.T) {
	useTempSettings(t)

	var remote Config
	remote.Enabled = false
	remote.Action = "allow"
	payload, _ := json.Marshal(remote)

	own, _ := json.Marshal(configSyncEvent{Origin: configSyncNodeID, Config: payload})
	if err := handleConfigSyncPayload(own); err != nil {
		t.Fatalf("own event: %v", err)
	}
	if GetConfig().Action == "allow" {
		t.Fatal("own event was applied")
	}

	other, _ := json.Marshal(configSyncEvent{Origin: "config-sync:other", Config: payload})
	_ = handleConfigSyncPayload(other)
	if GetConfig().Action != "allow" {
		t.Fatalf("remote event not applied, action = %q", GetConfig().Action)
	}
}

func TestSecretsEncryptedOnDisk(t *testing.T) {
	path := useTempSettings(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Setenv("SETTINGS_ENCRYPTION_KEY", "settings-test-key")
	security.ResetForTests()
	t.Cleanup(security.ResetForTests)

	err := UpdateConfig(func(cfg *Config) {
		cfg.APIKeys = map[string]string{"iphub": "iphub-secret"}
		cfg.GeoLite.LicenseKey = "maxmind-secret"
	})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	var stored Config
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if !security.IsEncrypted(stored.APIKeys["iphub"]) || !security.IsEncrypted(stored.GeoLite.LicenseKey) {
		t.Fatalf("secrets stored in plain text: %+v / %q", stored.APIKeys, stored.GeoLite.LicenseKey)
	}
	if got := GetConfig().APIKeys["iphub"]; got != "iphub-secret" {
		t.Fatalf("in-memory key = %q", got)
	}

	configValue.Store(Config{})
	ReadSettings()
	cfg := GetConfig()
	if cfg.APIKeys["iphub"] != "iphub-secret" || cfg.GeoLite.LicenseKey != "maxmind-secret" {
		t.Fatalf("secrets after reload = %+v / %q", cfg.APIKeys, cfg.GeoLite.LicenseKey)
	}
}
