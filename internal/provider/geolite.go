package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"

	"vpnshield/internal/domain"
)

const NameGeoLite = "geolite"

var datacenterRegex = regexp.MustCompile(`(?i)(amazon|google|microsoft|digitalocean|linode|akamai|hetzner|ovh|vultr|ibm|alibaba|tencent|cloudflare|rackspace|hostinger|upcloud|azure|gcp|aws|oracle|leaseweb|contabo|choopa|m247|datacamp|hosting|datacenter|data center|server)`)

// ASNReader is the subset of *geoip2.Reader used for ASN lookups.
type ASNReader interface {
	ASN(ip net.IP) (*geoip2.ASN, error)
}

// CountryReader is the subset of *geoip2.Reader used for country lookups.
type CountryReader interface {
	Country(ip net.IP) (*geoip2.Country, error)
}

// GeoLite classifies addresses offline from local MaxMind databases. It can
// only recognise hosting ranges; VPN, proxy and Tor flags are never set.
type GeoLite struct {
	mu      sync.RWMutex
	asn     ASNReader
	country CountryReader
	closers []func() error
	now     func() time.Time
}

func NewGeoLite(asn ASNReader, country CountryReader) *GeoLite {
	return &GeoLite{asn: asn, country: country, now: time.Now}
}

// OpenGeoLite loads the databases from disk. Empty or missing paths leave the
// provider unconfigured so that it answers absent instead of failing.
func OpenGeoLite(asnPath, countryPath string) (*GeoLite, error) {
	g := NewGeoLite(nil, nil)
	if err := g.Reload(asnPath, countryPath); err != nil {
		return g, err
	}
	return g, nil
}

// Reload swaps in freshly opened readers. On error the previous readers stay.
func (g *GeoLite) Reload(asnPath, countryPath string) error {
	var (
		errs    []error
		asn     *geoip2.Reader
		country *geoip2.Reader
	)

	if asnPath != "" {
		reader, err := readerFromDisk(asnPath)
		if err != nil {
			errs = append(errs, fmt.Errorf("asn: %w", err))
		} else {
			asn = reader
		}
	}
	if countryPath != "" {
		reader, err := readerFromDisk(countryPath)
		if err != nil {
			errs = append(errs, fmt.Errorf("country: %w", err))
		} else {
			country = reader
		}
	}

	if asn == nil {
		if country != nil {
			_ = country.Close()
		}
		if len(errs) == 0 {
			return nil
		}
		return fmt.Errorf("geolite: %w", errors.Join(errs...))
	}

	g.mu.Lock()
	old := g.closers
	g.asn = asn
	g.closers = []func() error{asn.Close}
	if country != nil {
		g.country = country
		g.closers = append(g.closers, country.Close)
	} else {
		g.country = nil
	}
	g.mu.Unlock()

	for _, closeFn := range old {
		_ = closeFn()
	}

	if len(errs) > 0 {
		return fmt.Errorf("geolite: %w", errors.Join(errs...))
	}
	return nil
}

func readerFromDisk(path string) (*geoip2.Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return geoip2.FromBytes(data)
}

func (g *GeoLite) Available() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.asn != nil
}

func (g *GeoLite) Close() error {
	g.mu.Lock()
	closers := g.closers
	g.closers = nil
	g.asn = nil
	g.country = nil
	g.mu.Unlock()

	var errs []error
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *GeoLite) Name() string { return NameGeoLite }

func (g *GeoLite) Check(_ context.Context, address string) (domain.Result, error) {
	g.mu.RLock()
	asnReader, countryReader := g.asn, g.country
	g.mu.RUnlock()

	if asnReader == nil {
		return domain.Result{}, fmt.Errorf("geolite: database not loaded: %w", ErrAbsent)
	}

	ip := net.ParseIP(address)
	if ip == nil {
		return domain.Result{}, fmt.Errorf("geolite: invalid address %q: %w", address, ErrAbsent)
	}

	record, err := asnReader.ASN(ip)
	if err != nil {
		return domain.Result{}, fmt.Errorf("geolite: asn lookup: %w", err)
	}
	if record == nil || record.AutonomousSystemNumber == 0 {
		return domain.Result{}, fmt.Errorf("geolite: address not in database: %w", ErrAbsent)
	}

	org := record.AutonomousSystemOrganization
	hosting := datacenterRegex.MatchString(org)

	builder := domain.NewResultBuilder(address).
		Hosting(hosting).
		ServiceName(org).
		ISP(org).
		Org(org).
		ASN("AS" + strconv.FormatUint(uint64(record.AutonomousSystemNumber), 10)).
		RiskScore(riskFromFlags(hosting)).
		Provider(NameGeoLite).
		CreatedAt(g.now())

	if countryReader != nil {
		if c, err := countryReader.Country(ip); err == nil && c != nil {
			builder.CountryCode(c.Country.IsoCode).Country(c.Country.Names["en"])
		}
	}

	return builder.Build(), nil
}
