package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"vpnshield/internal/domain"
)

const (
	NameVPNAPI = "vpnapi"

	vpnAPIURL = "https://vpnapi.io/api"
)

// VPNAPI queries vpnapi.io, which requires a key.
type VPNAPI struct {
	opts Options
}

type vpnAPIResponse struct {
	IP       string `json:"ip"`
	Message  string `json:"message"`
	Security struct {
		VPN   bool `json:"vpn"`
		Proxy bool `json:"proxy"`
		Tor   bool `json:"tor"`
		Relay bool `json:"relay"`
	} `json:"security"`
	Location struct {
		City        string `json:"city"`
		Country     string `json:"country"`
		CountryCode string `json:"country_code"`
	} `json:"location"`
	Network struct {
		Network string `json:"network"`
		ASN     string `json:"autonomous_system_number"`
		ASOrg   string `json:"autonomous_system_organization"`
	} `json:"network"`
}

func NewVPNAPI(opts Options) *VPNAPI {
	return &VPNAPI{opts: opts.withDefaults(vpnAPIURL)}
}

func (p *VPNAPI) Name() string { return NameVPNAPI }

func (p *VPNAPI) Check(ctx context.Context, address string) (domain.Result, error) {
	if p.opts.APIKey == "" {
		return domain.Result{}, fmt.Errorf("vpnapi: api key missing: %w", ErrAbsent)
	}

	query := url.Values{}
	query.Set("key", p.opts.APIKey)

	endpoint := fmt.Sprintf("%s/%s?%s", p.opts.BaseURL, url.PathEscape(address), query.Encode())
	body, err := fetch(ctx, p.opts.Client, NameVPNAPI, endpoint, nil)
	if err != nil {
		return domain.Result{}, err
	}

	var payload vpnAPIResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.Result{}, fmt.Errorf("vpnapi: decode response: %w", err)
	}
	if payload.IP == "" {
		return domain.Result{}, fmt.Errorf("vpnapi: empty response: %s", payload.Message)
	}

	sec := payload.Security
	return domain.NewResultBuilder(address).
		VPN(sec.VPN).
		Proxy(sec.Proxy || sec.Relay).
		Tor(sec.Tor).
		ServiceName(payload.Network.ASOrg).
		Org(payload.Network.ASOrg).
		ASN(payload.Network.ASN).
		Country(payload.Location.Country).
		CountryCode(payload.Location.CountryCode).
		City(payload.Location.City).
		RiskScore(riskFromFlags(sec.VPN || sec.Proxy || sec.Relay || sec.Tor)).
		Provider(NameVPNAPI).
		CreatedAt(p.opts.Now()).
		Build(), nil
}
