package provider

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"vpnshield/internal/domain"
)

const NameBlocklist = "blocklist"

// BlocklistMatcher reports which list, if any, contains addr.
type BlocklistMatcher interface {
	Lookup(addr netip.Addr) (source string, ok bool)
}

// Blocklist flags addresses found on downloaded VPN or datacenter lists.
// Addresses that are not listed are reported absent so the next provider in
// the rotation gets to answer.
type Blocklist struct {
	matcher BlocklistMatcher
	now     func() time.Time
}

func NewBlocklist(matcher BlocklistMatcher) *Blocklist {
	return &Blocklist{matcher: matcher, now: time.Now}
}

func (b *Blocklist) Name() string { return NameBlocklist }

func (b *Blocklist) Check(_ context.Context, address string) (domain.Result, error) {
	if b.matcher == nil {
		return domain.Result{}, fmt.Errorf("blocklist: not configured: %w", ErrAbsent)
	}

	addr, err := domain.ParseAddress(address)
	if err != nil {
		return domain.Result{}, fmt.Errorf("blocklist: %v: %w", err, ErrAbsent)
	}

	source, ok := b.matcher.Lookup(addr)
	if !ok {
		return domain.Result{}, fmt.Errorf("blocklist: %s not listed: %w", address, ErrAbsent)
	}

	return domain.NewResultBuilder(address).
		VPN(true).
		Org(source).
		RiskScore(riskFromFlags(true)).
		Provider(NameBlocklist).
		CreatedAt(b.now()).
		Build(), nil
}
