package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"vpnshield/internal/domain"
)

const (
	NameIPQualityScore = "ipqualityscore"

	ipQualityScoreURL = "https://ipqualityscore.com/api/json/ip"
)

// IPQualityScore queries ipqualityscore.com. The key is part of the path.
type IPQualityScore struct {
	opts Options
}

type ipqsResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	FraudScore   int    `json:"fraud_score"`
	CountryCode  string `json:"country_code"`
	City         string `json:"city"`
	ISP          string `json:"ISP"`
	ASN          int    `json:"ASN"`
	Organization string `json:"organization"`
	Proxy        bool   `json:"proxy"`
	VPN          bool   `json:"vpn"`
	ActiveVPN    bool   `json:"active_vpn"`
	Tor          bool   `json:"tor"`
	ActiveTor    bool   `json:"active_tor"`
	Host         string `json:"host"`
}

func NewIPQualityScore(opts Options) *IPQualityScore {
	return &IPQualityScore{opts: opts.withDefaults(ipQualityScoreURL)}
}

func (p *IPQualityScore) Name() string { return NameIPQualityScore }

func (p *IPQualityScore) Check(ctx context.Context, address string) (domain.Result, error) {
	if p.opts.APIKey == "" {
		return domain.Result{}, fmt.Errorf("ipqualityscore: api key missing: %w", ErrAbsent)
	}

	query := url.Values{}
	query.Set("strictness", "1")
	query.Set("allow_public_access_points", "true")

	endpoint := fmt.Sprintf("%s/%s/%s?%s",
		p.opts.BaseURL,
		url.PathEscape(p.opts.APIKey),
		url.PathEscape(address),
		query.Encode(),
	)
	body, err := fetch(ctx, p.opts.Client, NameIPQualityScore, endpoint, nil)
	if err != nil {
		return domain.Result{}, err
	}

	var payload ipqsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.Result{}, fmt.Errorf("ipqualityscore: decode response: %w", err)
	}
	// Quota exhaustion and invalid keys come back as 200 with success=false.
	if !payload.Success {
		return domain.Result{}, fmt.Errorf("ipqualityscore: request rejected: %s", payload.Message)
	}

	asn := ""
	if payload.ASN > 0 {
		asn = "AS" + strconv.Itoa(payload.ASN)
	}

	vpn := payload.VPN || payload.ActiveVPN
	tor := payload.Tor || payload.ActiveTor
	return domain.NewResultBuilder(address).
		VPN(vpn).
		Proxy(payload.Proxy && !vpn && !tor).
		Tor(tor).
		ServiceName(payload.Organization).
		ISP(payload.ISP).
		Org(payload.Organization).
		ASN(asn).
		CountryCode(payload.CountryCode).
		City(payload.City).
		RiskScore(payload.FraudScore).
		Provider(NameIPQualityScore).
		CreatedAt(p.opts.Now()).
		Build(), nil
}
