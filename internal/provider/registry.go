package provider

import (
	"fmt"
	"strings"
	"time"
)

// Settings is the immutable configuration used to build the provider chain.
type Settings struct {
	Order   []string
	APIKeys map[string]string
	Timeout time.Duration
	// Egress is an optional proxy URL for outgoing provider calls.
	Egress  string
	GeoLite *GeoLite
	// Blocklist backs the "blocklist" provider; nil leaves it unconfigured.
	Blocklist BlocklistMatcher
	// BaseURLs overrides endpoints per provider name, mainly for tests.
	BaseURLs map[string]string
}

type constructor func(Options) Provider

var constructors = map[string]constructor{
	NameIPAPI:          func(o Options) Provider { return NewIPAPI(o) },
	NameProxyCheck:     func(o Options) Provider { return NewProxyCheck(o) },
	NameIPHub:          func(o Options) Provider { return NewIPHub(o) },
	NameVPNAPI:         func(o Options) Provider { return NewVPNAPI(o) },
	NameIPQualityScore: func(o Options) Provider { return NewIPQualityScore(o) },
	NameIPInfo:         func(o Options) Provider { return NewIPInfo(o) },
}

// Known lists every provider name that Build understands.
func Known() []string {
	names := make([]string, 0, len(constructors)+2)
	for name := range constructors {
		names = append(names, name)
	}
	return append(names, NameGeoLite, NameBlocklist)
}

// Build creates providers in the configured order. Unknown or duplicate names
// are rejected so that a typo in the settings is not silently ignored.
func Build(settings Settings) ([]Provider, error) {
	egress, err := ParseEgress(settings.Egress)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(settings.Order))
	providers := make([]Provider, 0, len(settings.Order))

	for _, raw := range settings.Order {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("provider: %q listed more than once", name)
		}
		seen[name] = struct{}{}

		if name == NameGeoLite {
			geo := settings.GeoLite
			if geo == nil {
				geo = NewGeoLite(nil, nil)
			}
			providers = append(providers, geo)
			continue
		}
		if name == NameBlocklist {
			providers = append(providers, NewBlocklist(settings.Blocklist))
			continue
		}

		build, ok := constructors[name]
		if !ok {
			return nil, fmt.Errorf("provider: unknown provider %q", name)
		}

		providers = append(providers, build(Options{
			APIKey:  settings.APIKeys[name],
			BaseURL: settings.BaseURLs[name],
			Timeout: settings.Timeout,
			Egress:  egress,
		}))
	}

	return providers, nil
}
