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
	NameIPInfo = "ipinfo"

	ipInfoURL = "https://ipinfo.io"
)

// IPInfo queries ipinfo.io. Only plans that include the privacy module can
// classify an address; other tokens yield an absent answer.
type IPInfo struct {
	opts Options
}

type ipInfoResponse struct {
	IP      string `json:"ip"`
	City    string `json:"city"`
	Country string `json:"country"`
	Org     string `json:"org"`
	Privacy *struct {
		VPN     bool   `json:"vpn"`
		Proxy   bool   `json:"proxy"`
		Tor     bool   `json:"tor"`
		Relay   bool   `json:"relay"`
		Hosting bool   `json:"hosting"`
		Service string `json:"service"`
	} `json:"privacy"`
}

func NewIPInfo(opts Options) *IPInfo {
	return &IPInfo{opts: opts.withDefaults(ipInfoURL)}
}

func (p *IPInfo) Name() string { return NameIPInfo }

func (p *IPInfo) Check(ctx context.Context, address string) (domain.Result, error) {
	if p.opts.APIKey == "" {
		return domain.Result{}, fmt.Errorf("ipinfo: token missing: %w", ErrAbsent)
	}

	query := url.Values{}
	query.Set("token", p.opts.APIKey)

	endpoint := fmt.Sprintf("%s/%s?%s", p.opts.BaseURL, url.PathEscape(address), query.Encode())
	body, err := fetch(ctx, p.opts.Client, NameIPInfo, endpoint, nil)
	if err != nil {
		return domain.Result{}, err
	}

	var payload ipInfoResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.Result{}, fmt.Errorf("ipinfo: decode response: %w", err)
	}
	if payload.Privacy == nil {
		return domain.Result{}, fmt.Errorf("ipinfo: privacy data not included in plan: %w", ErrAbsent)
	}

	// org looks like "AS15169 Google LLC".
	asn, orgName := "", payload.Org
	if head, tail, ok := strings.Cut(payload.Org, " "); ok && strings.HasPrefix(head, "AS") {
		asn, orgName = head, tail
	}

	service := payload.Privacy.Service
	if service == "" {
		service = orgName
	}

	priv := payload.Privacy
	return domain.NewResultBuilder(address).
		VPN(priv.VPN).
		Proxy(priv.Proxy || priv.Relay).
		Hosting(priv.Hosting).
		Tor(priv.Tor).
		ServiceName(service).
		Org(orgName).
		ASN(asn).
		CountryCode(payload.Country).
		City(payload.City).
		RiskScore(riskFromFlags(priv.VPN || priv.Proxy || priv.Relay || priv.Hosting || priv.Tor)).
		Provider(NameIPInfo).
		CreatedAt(p.opts.Now()).
		Build(), nil
}
