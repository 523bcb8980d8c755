package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"vpnshield/internal/domain"
)

const (
	NameProxyCheck = "proxycheck"

	proxyCheckURL = "https://proxycheck.io/v2"
)

// ProxyCheck queries proxycheck.io. The key is optional and only raises the
// daily quota.
type ProxyCheck struct {
	opts Options
}

type proxyCheckEntry struct {
	ASN          string `json:"asn"`
	Provider     string `json:"provider"`
	Organisation string `json:"organisation"`
	Country      string `json:"country"`
	IsoCode      string `json:"isocode"`
	City         string `json:"city"`
	Proxy        string `json:"proxy"`
	Type         string `json:"type"`
	Risk         int    `json:"risk"`
	Operator     *struct {
		Name string `json:"name"`
	} `json:"operator,omitempty"`
}

func NewProxyCheck(opts Options) *ProxyCheck {
	return &ProxyCheck{opts: opts.withDefaults(proxyCheckURL)}
}

func (p *ProxyCheck) Name() string { return NameProxyCheck }

func (p *ProxyCheck) Check(ctx context.Context, address string) (domain.Result, error) {
	query := url.Values{}
	query.Set("vpn", "1")
	query.Set("asn", "1")
	query.Set("risk", "1")
	if p.opts.APIKey != "" {
		query.Set("key", p.opts.APIKey)
	}

	endpoint := fmt.Sprintf("%s/%s?%s", p.opts.BaseURL, url.PathEscape(address), query.Encode())
	body, err := fetch(ctx, p.opts.Client, NameProxyCheck, endpoint, nil)
	if err != nil {
		return domain.Result{}, err
	}

	// The address itself is used as a key next to "status" and "message".
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.Result{}, fmt.Errorf("proxycheck: decode response: %w", err)
	}

	var status, message string
	if raw, ok := payload["status"]; ok {
		if err := json.Unmarshal(raw, &status); err != nil {
			return domain.Result{}, fmt.Errorf("proxycheck: decode status: %w", err)
		}
	}
	if raw, ok := payload["message"]; ok {
		if err := json.Unmarshal(raw, &message); err != nil {
			return domain.Result{}, fmt.Errorf("proxycheck: decode message: %w", err)
		}
	}
	switch strings.ToLower(status) {
	case "ok", "warning":
	default:
		return domain.Result{}, fmt.Errorf("proxycheck: status %q: %s", status, message)
	}

	raw, ok := payload[address]
	if !ok {
		return domain.Result{}, fmt.Errorf("proxycheck: no entry for address: %w", ErrAbsent)
	}

	var entry proxyCheckEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.Result{}, fmt.Errorf("proxycheck: decode entry: %w", err)
	}

	flagged := strings.EqualFold(entry.Proxy, "yes")
	kind := strings.ToLower(entry.Type)
	builder := domain.NewResultBuilder(address)

	switch {
	case kind == "tor":
		builder.Tor(true)
	case kind == "vpn":
		builder.VPN(true)
	case kind == "hosting":
		builder.Hosting(true)
	case flagged:
		builder.Proxy(true)
	}

	service := entry.Provider
	if entry.Operator != nil && entry.Operator.Name != "" {
		service = entry.Operator.Name
	}

	return builder.
		ServiceName(service).
		ISP(entry.Provider).
		Org(entry.Organisation).
		ASN(entry.ASN).
		Country(entry.Country).
		CountryCode(entry.IsoCode).
		City(entry.City).
		RiskScore(entry.Risk).
		Provider(NameProxyCheck).
		CreatedAt(p.opts.Now()).
		Build(), nil
}
