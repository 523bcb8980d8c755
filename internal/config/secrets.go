package config

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"vpnshield/internal/security"
)

// sealSecrets encrypts provider API keys, the egress proxy URL and the GeoLite
// license key before they leave the process. Without SETTINGS_ENCRYPTION_KEY
// the values are stored as given.
func sealSecrets(cfg Config) (Config, error) {
	if !security.Enabled() {
		return cfg, nil
	}

	var errs []error
	sealed := make(map[string]string, len(cfg.APIKeys))
	for name, key := range cfg.APIKeys {
		value, err := security.EncryptSecret(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("api key %s: %w", name, err))
			continue
		}
		sealed[name] = value
	}
	cfg.APIKeys = sealed

	license, err := security.EncryptSecret(cfg.GeoLite.LicenseKey)
	if err != nil {
		errs = append(errs, fmt.Errorf("geolite license key: %w", err))
		license = ""
	}
	cfg.GeoLite.LicenseKey = license

	egress, err := security.EncryptSecret(cfg.ProviderProxy)
	if err != nil {
		errs = append(errs, fmt.Errorf("provider proxy: %w", err))
		egress = ""
	}
	cfg.ProviderProxy = egress

	return cfg, errors.Join(errs...)
}

// openSecrets reverses sealSecrets. Values that cannot be decrypted are
// cleared so a wrong key never reaches a provider.
func openSecrets(cfg Config) (Config, error) {
	var errs []error
	opened := make(map[string]string, len(cfg.APIKeys))
	for name, key := range cfg.APIKeys {
		value, _, err := security.DecryptSecret(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("api key %s: %w", name, err))
			continue
		}
		opened[name] = value
	}
	if cfg.APIKeys != nil {
		cfg.APIKeys = opened
	}

	license, plain, err := security.DecryptSecret(cfg.GeoLite.LicenseKey)
	if err != nil {
		errs = append(errs, fmt.Errorf("geolite license key: %w", err))
	}
	if plain && license != "" && security.Enabled() {
		log.Debug("GeoLite license key stored in plain text, it will be encrypted on next save")
	}
	cfg.GeoLite.LicenseKey = license

	egress, _, err := security.DecryptSecret(cfg.ProviderProxy)
	if err != nil {
		errs = append(errs, fmt.Errorf("provider proxy: %w", err))
	}
	cfg.ProviderProxy = egress

	return cfg, errors.Join(errs...)
}
