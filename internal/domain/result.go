package domain

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	// RiskScoreUnknown marks a result whose risk could not be determined.
	RiskScoreUnknown = -1

	ProviderNone = "none"

	ReasonWhitelisted        = "whitelisted"
	ReasonCountryWhitelisted = "country_whitelisted"
	ReasonInvalidAddress     = "invalid_address"
	ReasonDisabled           = "disabled"
	ReasonUnknown            = "unknown"
	ReasonOverloaded         = "overloaded"
)

// Result describes the outcome of one address lookup. It is immutable once
// built; use ResultBuilder to construct one.
type Result struct {
	address     string
	isVPN       bool
	isProxy     bool
	isHosting   bool
	isTor       bool
	serviceName string
	isp         string
	org         string
	asn         string
	country     string
	countryCode string
	city        string
	realAddress string
	riskScore   int
	provider    string
	reason      string
	createdAt   time.Time
}

func (r Result) Address() string      { return r.address }
func (r Result) IsVPN() bool          { return r.isVPN }
func (r Result) IsProxy() bool        { return r.isProxy }
func (r Result) IsHosting() bool      { return r.isHosting }
func (r Result) IsTor() bool          { return r.isTor }
func (r Result) ServiceName() string  { return r.serviceName }
func (r Result) ISP() string          { return r.isp }
func (r Result) Org() string          { return r.org }
func (r Result) ASN() string          { return r.asn }
func (r Result) Country() string      { return r.country }
func (r Result) CountryCode() string  { return r.countryCode }
func (r Result) City() string         { return r.city }
func (r Result) RealAddress() string  { return r.realAddress }
func (r Result) RiskScore() int       { return r.riskScore }
func (r Result) Provider() string     { return r.provider }
func (r Result) Reason() string       { return r.reason }
func (r Result) CreatedAt() time.Time { return r.createdAt }

// Dangerous reports whether any anonymization flag is set.
func (r Result) Dangerous() bool {
	return r.isVPN || r.isProxy || r.isHosting || r.isTor
}

// Undetermined reports whether no provider could classify the address.
func (r Result) Undetermined() bool {
	return r.riskScore == RiskScoreUnknown && r.provider == ProviderNone
}

// CleanResult returns a non-dangerous result carrying the given reason.
func CleanResult(address, reason string, now time.Time) Result {
	return NewResultBuilder(address).
		Reason(reason).
		Provider(reason).
		CreatedAt(now).
		Build()
}

// UnknownResult is the fail-open fallback used when no provider produced an answer.
func UnknownResult(address, reason string, now time.Time) Result {
	return NewResultBuilder(address).
		RiskScore(RiskScoreUnknown).
		Provider(ProviderNone).
		Reason(reason).
		CreatedAt(now).
		Build()
}

// CountryOverride turns the result into a clean one while keeping the
// descriptive metadata reported by the provider.
func (r Result) CountryOverride() Result {
	clean := r
	clean.isVPN = false
	clean.isProxy = false
	clean.isHosting = false
	clean.isTor = false
	clean.riskScore = 0
	clean.reason = ReasonCountryWhitelisted + ":" + strings.ToUpper(r.countryCode)
	return clean
}

// ResultBuilder accumulates fields before producing an immutable Result.
type ResultBuilder struct {
	result Result
}

func NewResultBuilder(address string) *ResultBuilder {
	return &ResultBuilder{result: Result{address: address}}
}

func (b *ResultBuilder) VPN(v bool) *ResultBuilder           { b.result.isVPN = v; return b }
func (b *ResultBuilder) Proxy(v bool) *ResultBuilder         { b.result.isProxy = v; return b }
func (b *ResultBuilder) Hosting(v bool) *ResultBuilder       { b.result.isHosting = v; return b }
func (b *ResultBuilder) Tor(v bool) *ResultBuilder           { b.result.isTor = v; return b }
func (b *ResultBuilder) ServiceName(v string) *ResultBuilder { b.result.serviceName = v; return b }
func (b *ResultBuilder) ISP(v string) *ResultBuilder         { b.result.isp = v; return b }
func (b *ResultBuilder) Org(v string) *ResultBuilder         { b.result.org = v; return b }
func (b *ResultBuilder) ASN(v string) *ResultBuilder         { b.result.asn = v; return b }
func (b *ResultBuilder) Country(v string) *ResultBuilder     { b.result.country = v; return b }
func (b *ResultBuilder) City(v string) *ResultBuilder        { b.result.city = v; return b }
func (b *ResultBuilder) RealAddress(v string) *ResultBuilder { b.result.realAddress = v; return b }
func (b *ResultBuilder) RiskScore(v int) *ResultBuilder      { b.result.riskScore = v; return b }
func (b *ResultBuilder) Provider(v string) *ResultBuilder    { b.result.provider = v; return b }
func (b *ResultBuilder) Reason(v string) *ResultBuilder      { b.result.reason = v; return b }
func (b *ResultBuilder) CreatedAt(v time.Time) *ResultBuilder {
	b.result.createdAt = v
	return b
}

func (b *ResultBuilder) CountryCode(v string) *ResultBuilder {
	b.result.countryCode = strings.ToUpper(strings.TrimSpace(v))
	return b
}

// Build returns a copy, so the builder may be reused without affecting
// results that were already handed out.
func (b *ResultBuilder) Build() Result {
	r := b.result
	if r.createdAt.IsZero() {
		r.createdAt = time.Now()
	}
	return r
}

type resultJSON struct {
	Address     string    `json:"address"`
	IsVPN       bool      `json:"is_vpn"`
	IsProxy     bool      `json:"is_proxy"`
	IsHosting   bool      `json:"is_hosting"`
	IsTor       bool      `json:"is_tor"`
	Dangerous   bool      `json:"dangerous"`
	ServiceName string    `json:"service_name,omitempty"`
	ISP         string    `json:"isp,omitempty"`
	Org         string    `json:"org,omitempty"`
	ASN         string    `json:"asn,omitempty"`
	Country     string    `json:"country,omitempty"`
	CountryCode string    `json:"country_code,omitempty"`
	City        string    `json:"city,omitempty"`
	RealAddress string    `json:"real_address,omitempty"`
	RiskScore   int       `json:"risk_score"`
	Provider    string    `json:"api_provider"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		Address:     r.address,
		IsVPN:       r.isVPN,
		IsProxy:     r.isProxy,
		IsHosting:   r.isHosting,
		IsTor:       r.isTor,
		Dangerous:   r.Dangerous(),
		ServiceName: r.serviceName,
		ISP:         r.isp,
		Org:         r.org,
		ASN:         r.asn,
		Country:     r.country,
		CountryCode: r.countryCode,
		City:        r.city,
		RealAddress: r.realAddress,
		RiskScore:   r.riskScore,
		Provider:    r.provider,
		Reason:      r.reason,
		CreatedAt:   r.createdAt,
	})
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var raw resultJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Result{
		address:     raw.Address,
		isVPN:       raw.IsVPN,
		isProxy:     raw.IsProxy,
		isHosting:   raw.IsHosting,
		isTor:       raw.IsTor,
		serviceName: raw.ServiceName,
		isp:         raw.ISP,
		org:         raw.Org,
		asn:         raw.ASN,
		country:     raw.Country,
		countryCode: raw.CountryCode,
		city:        raw.City,
		realAddress: raw.RealAddress,
		riskScore:   raw.RiskScore,
		provider:    raw.Provider,
		reason:      raw.Reason,
		createdAt:   raw.CreatedAt,
	}
	return nil
}
