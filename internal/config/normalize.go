package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"vpnshield/internal/domain"
	"vpnshield/internal/provider"
)

// Normalize fills defaults, lower-cases provider names, upper-cases country
// codes and drops duplicates. Entries that cannot be used are removed and
// reported together in the returned error.
func Normalize(cfg Config) (Config, error) {
	var errs []error

	action, err := domain.ParseAction(cfg.Action)
	if err != nil {
		errs = append(errs, fmt.Errorf("action: %w", err))
		action = domain.ActionNone
	}
	cfg.Action = action

	if cfg.CacheTTLMinutes == 0 {
		cfg.CacheTTLMinutes = defaultCacheTTLMinutes
	}
	if cfg.ProviderCooldownSeconds == 0 {
		cfg.ProviderCooldownSeconds = defaultProviderCooldownSeconds
	}
	if cfg.ProviderTimeoutMs == 0 {
		cfg.ProviderTimeoutMs = defaultProviderTimeoutMs
	}
	if cfg.Detector.Workers == 0 {
		cfg.Detector.Workers = defaultWorkers
	}
	if cfg.Detector.HintTimeoutMs == 0 {
		cfg.Detector.HintTimeoutMs = defaultHintTimeoutMs
	}
	if cfg.Cache.JanitorSeconds == 0 {
		cfg.Cache.JanitorSeconds = defaultJanitorSeconds
	}
	if cfg.GeoLite.UpdateIntervalHours == 0 {
		cfg.GeoLite.UpdateIntervalHours = defaultGeoLiteUpdateHours
	}
	cfg.GeoLite.LicenseKey = strings.TrimSpace(cfg.GeoLite.LicenseKey)
	if cfg.Blocklist.RefreshHours == 0 {
		cfg.Blocklist.RefreshHours = defaultBlocklistRefreshHours
	}

	cfg.ProviderProxy = strings.TrimSpace(cfg.ProviderProxy)
	if _, err := provider.ParseEgress(cfg.ProviderProxy); err != nil {
		errs = append(errs, fmt.Errorf("provider_proxy: %w", err))
		cfg.ProviderProxy = ""
	}

	known := make(map[string]struct{})
	for _, name := range provider.Known() {
		known[name] = struct{}{}
	}
	providers := make([]string, 0, len(cfg.Providers))
	for _, name := range dedupe(cfg.Providers, strings.ToLower) {
		if _, ok := known[name]; !ok {
			errs = append(errs, fmt.Errorf("providers: unknown provider %q", name))
			continue
		}
		providers = append(providers, name)
	}
	cfg.Providers = providers

	keys := make(map[string]string, len(cfg.APIKeys))
	for name, key := range cfg.APIKeys {
		name = strings.ToLower(strings.TrimSpace(name))
		key = strings.TrimSpace(key)
		if name == "" || key == "" {
			continue
		}
		keys[name] = key
	}
	cfg.APIKeys = keys

	ips := make([]string, 0, len(cfg.Whitelist.IPs))
	for _, entry := range dedupe(cfg.Whitelist.IPs, nil) {
		if err := validateWhitelistEntry(entry); err != nil {
			errs = append(errs, fmt.Errorf("whitelist.ips: %w", err))
			continue
		}
		ips = append(ips, entry)
	}
	cfg.Whitelist.IPs = ips

	countries := make([]string, 0, len(cfg.Whitelist.Countries))
	for _, code := range dedupe(cfg.Whitelist.Countries, strings.ToUpper) {
		if len(code) != 2 {
			errs = append(errs, fmt.Errorf("whitelist.countries: %q is not an ISO 3166 alpha-2 code", code))
			continue
		}
		countries = append(countries, code)
	}
	cfg.Whitelist.Countries = countries

	sources := make([]string, 0, len(cfg.Blocklist.Sources))
	for _, source := range dedupe(cfg.Blocklist.Sources, nil) {
		parsed, err := url.ParseRequestURI(source)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("blocklist.sources: %q is not an http(s) URL", source))
			continue
		}
		sources = append(sources, source)
	}
	cfg.Blocklist.Sources = sources

	return cfg, errors.Join(errs...)
}

func validateWhitelistEntry(entry string) error {
	if strings.Contains(entry, "/") {
		if _, err := netip.ParsePrefix(entry); err != nil {
			return fmt.Errorf("invalid range %q", entry)
		}
		return nil
	}
	if _, err := domain.ParseAddress(entry); err != nil {
		return err
	}
	return nil
}

// dedupe trims entries, applies transform and keeps the first occurrence.
func dedupe(entries []string, transform func(string) string) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if transform != nil {
			entry = transform(entry)
		}
		if entry == "" {
			continue
		}
		if _, ok := seen[entry]; ok {
			continue
		}
		seen[entry] = struct{}{}
		out = append(out, entry)
	}
	return out
}
