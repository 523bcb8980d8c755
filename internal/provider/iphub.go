package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"vpnshield/internal/domain"
)

const (
	NameIPHub = "iphub"

	ipHubURL = "https://v2.api.iphub.info/ip"
)

// IPHub queries iphub.info. block=1 marks non-residential (VPN/hosting)
// addresses, block=2 is a mixed range that is reported but not flagged.
type IPHub struct {
	opts Options
}

type ipHubResponse struct {
	IP          string `json:"ip"`
	CountryCode string `json:"countryCode"`
	CountryName string `json:"countryName"`
	ASN         int    `json:"asn"`
	ISP         string `json:"isp"`
	Block       int    `json:"block"`
}

func NewIPHub(opts Options) *IPHub {
	return &IPHub{opts: opts.withDefaults(ipHubURL)}
}

func (p *IPHub) Name() string { return NameIPHub }

func (p *IPHub) Check(ctx context.Context, address string) (domain.Result, error) {
	if p.opts.APIKey == "" {
		return domain.Result{}, fmt.Errorf("iphub: api key missing: %w", ErrAbsent)
	}

	header := http.Header{}
	header.Set("X-Key", p.opts.APIKey)

	body, err := fetch(ctx, p.opts.Client, NameIPHub, p.opts.BaseURL+"/"+url.PathEscape(address), header)
	if err != nil {
		return domain.Result{}, err
	}

	var payload ipHubResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.Result{}, fmt.Errorf("iphub: decode response: %w", err)
	}

	risk := 0
	switch payload.Block {
	case 1:
		risk = 100
	case 2:
		risk = 50
	}

	asn := ""
	if payload.ASN > 0 {
		asn = "AS" + strconv.Itoa(payload.ASN)
	}

	blocked := payload.Block == 1
	return domain.NewResultBuilder(address).
		VPN(blocked).
		Hosting(blocked).
		ServiceName(payload.ISP).
		ISP(payload.ISP).
		ASN(asn).
		Country(payload.CountryName).
		CountryCode(payload.CountryCode).
		RiskScore(risk).
		Provider(NameIPHub).
		CreatedAt(p.opts.Now()).
		Build(), nil
}
