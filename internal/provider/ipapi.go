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
	NameIPAPI = "ip-api"

	ipAPIFreeURL   = "http://ip-api.com/json"
	ipAPIProURL    = "https://pro.ip-api.com/json"
	ipAPIFieldList = "status,message,country,countryCode,city,isp,org,as,proxy,hosting,query"
)

// IPAPI queries ip-api.com. The free endpoint needs no key; a key switches to
// the pro endpoint.
type IPAPI struct {
	opts Options
}

type ipAPIResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	City        string `json:"city"`
	ISP         string `json:"isp"`
	Org         string `json:"org"`
	AS          string `json:"as"`
	Proxy       bool   `json:"proxy"`
	Hosting     bool   `json:"hosting"`
}

func NewIPAPI(opts Options) *IPAPI {
	base := ipAPIFreeURL
	if strings.TrimSpace(opts.APIKey) != "" {
		base = ipAPIProURL
	}
	return &IPAPI{opts: opts.withDefaults(base)}
}

func (p *IPAPI) Name() string { return NameIPAPI }

func (p *IPAPI) Check(ctx context.Context, address string) (domain.Result, error) {
	query := url.Values{}
	query.Set("fields", ipAPIFieldList)
	if p.opts.APIKey != "" {
		query.Set("key", p.opts.APIKey)
	}

	endpoint := fmt.Sprintf("%s/%s?%s", p.opts.BaseURL, url.PathEscape(address), query.Encode())
	body, err := fetch(ctx, p.opts.Client, NameIPAPI, endpoint, nil)
	if err != nil {
		return domain.Result{}, err
	}

	var payload ipAPIResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.Result{}, fmt.Errorf("ip-api: decode response: %w", err)
	}

	// "fail" covers reserved/private ranges and malformed queries.
	if !strings.EqualFold(payload.Status, "success") {
		return domain.Result{}, fmt.Errorf("ip-api: %s: %w", payload.Message, ErrAbsent)
	}

	asn, _, _ := strings.Cut(payload.AS, " ")

	return domain.NewResultBuilder(address).
		Proxy(payload.Proxy).
		Hosting(payload.Hosting).
		ServiceName(payload.Org).
		ISP(payload.ISP).
		Org(payload.Org).
		ASN(asn).
		Country(payload.Country).
		CountryCode(payload.CountryCode).
		City(payload.City).
		RiskScore(riskFromFlags(payload.Proxy || payload.Hosting)).
		Provider(NameIPAPI).
		CreatedAt(p.opts.Now()).
		Build(), nil
}
