package whitelist

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"vpnshield/internal/domain"
)

var (
	cgnatPrefix     = netip.MustParsePrefix("100.64.0.0/10")
	siteLocalPrefix = netip.MustParsePrefix("fec0::/10")
)

type snapshot struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

// ChangeFunc is called after a local mutation of the explicit set.
type ChangeFunc func(op, entry string)

const (
	OpAdd    = "add"
	OpRemove = "remove"
)

// Whitelist holds addresses and countries that are never reported as
// dangerous. Readers load immutable snapshots; writers copy on write.
type Whitelist struct {
	writeMu   sync.Mutex
	entries   atomic.Pointer[snapshot]
	countries atomic.Pointer[map[string]struct{}]

	onChange atomic.Pointer[ChangeFunc]
}

// New builds a whitelist. Malformed entries are logged and skipped.
func New(entries, countries []string) *Whitelist {
	w := &Whitelist{}

	snap := &snapshot{addrs: make(map[netip.Addr]struct{})}
	for _, raw := range entries {
		if err := snap.add(raw); err != nil {
			log.Warn("Ignoring whitelist entry", "entry", raw, "error", err)
		}
	}
	w.entries.Store(snap)
	w.SetCountries(countries)

	return w
}

// OnChange registers fn to be told about Add/Remove calls.
func (w *Whitelist) OnChange(fn ChangeFunc) {
	if fn == nil {
		w.onChange.Store(nil)
		return
	}
	w.onChange.Store(&fn)
}

// IsWhitelisted reports explicit membership or a private/local address.
func (w *Whitelist) IsWhitelisted(raw string) bool {
	addr, err := domain.ParseAddress(raw)
	if err != nil {
		return false
	}
	return IsPrivateOrLocal(addr) || w.entries.Load().contains(addr)
}

// IsPrivateOrLocal covers loopback, link-local, private, CGNAT, site-local and
// unspecified addresses.
func IsPrivateOrLocal(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsUnspecified() ||
		cgnatPrefix.Contains(addr) ||
		siteLocalPrefix.Contains(addr)
}

// CountryAllowed reports whether a result from this ISO country is exempt.
func (w *Whitelist) CountryAllowed(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return false
	}
	set := w.countries.Load()
	if set == nil {
		return false
	}
	_, ok := (*set)[code]
	return ok
}

// SetCountries replaces the country allow-list.
func (w *Whitelist) SetCountries(codes []string) {
	set := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code != "" {
			set[code] = struct{}{}
		}
	}
	w.countries.Store(&set)
}

// Add inserts an address or CIDR range.
func (w *Whitelist) Add(entry string) error {
	normalized, err := w.addLocal(entry)
	if err != nil {
		return err
	}
	w.notify(OpAdd, normalized)
	return nil
}

// Remove deletes an address or CIDR range and reports whether it was present.
func (w *Whitelist) Remove(entry string) bool {
	normalized, removed := w.removeLocal(entry)
	if removed {
		w.notify(OpRemove, normalized)
	}
	return removed
}

func (w *Whitelist) addLocal(entry string) (string, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	next := w.entries.Load().clone()
	if err := next.add(entry); err != nil {
		return "", err
	}
	w.entries.Store(next)
	return normalizeEntry(entry), nil
}

func (w *Whitelist) removeLocal(entry string) (string, bool) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	next := w.entries.Load().clone()
	if !next.remove(entry) {
		return "", false
	}
	w.entries.Store(next)
	return normalizeEntry(entry), true
}

func (w *Whitelist) notify(op, entry string) {
	if fn := w.onChange.Load(); fn != nil {
		(*fn)(op, entry)
	}
}

// Entries lists the explicit set, sorted.
func (w *Whitelist) Entries() []string {
	snap := w.entries.Load()
	out := make([]string, 0, len(snap.addrs)+len(snap.prefixes))
	for addr := range snap.addrs {
		out = append(out, addr.String())
	}
	for _, prefix := range snap.prefixes {
		out = append(out, prefix.String())
	}
	sort.Strings(out)
	return out
}

// Countries lists the allowed country codes, sorted.
func (w *Whitelist) Countries() []string {
	set := w.countries.Load()
	if set == nil {
		return nil
	}
	out := make([]string, 0, len(*set))
	for code := range *set {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func normalizeEntry(entry string) string {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			return prefix.Masked().String()
		}
		return entry
	}
	if addr, err := domain.ParseAddress(entry); err == nil {
		return addr.String()
	}
	return entry
}

func (s *snapshot) clone() *snapshot {
	cp := &snapshot{
		addrs:    make(map[netip.Addr]struct{}, len(s.addrs)),
		prefixes: append([]netip.Prefix(nil), s.prefixes...),
	}
	for addr := range s.addrs {
		cp.addrs[addr] = struct{}{}
	}
	return cp
}

func (s *snapshot) add(entry string) error {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return fmt.Errorf("whitelist: invalid range %q: %w", entry, err)
		}
		prefix = prefix.Masked()
		for _, existing := range s.prefixes {
			if existing == prefix {
				return nil
			}
		}
		s.prefixes = append(s.prefixes, prefix)
		return nil
	}

	addr, err := domain.ParseAddress(entry)
	if err != nil {
		return fmt.Errorf("whitelist: %w", err)
	}
	s.addrs[addr] = struct{}{}
	return nil
}

func (s *snapshot) remove(entry string) bool {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return false
		}
		prefix = prefix.Masked()
		for i, existing := range s.prefixes {
			if existing == prefix {
				s.prefixes = append(s.prefixes[:i], s.prefixes[i+1:]...)
				return true
			}
		}
		return false
	}

	addr, err := domain.ParseAddress(entry)
	if err != nil {
		return false
	}
	if _, ok := s.addrs[addr]; !ok {
		return false
	}
	delete(s.addrs, addr)
	return true
}

func (s *snapshot) contains(addr netip.Addr) bool {
	if _, ok := s.addrs[addr]; ok {
		return true
	}
	for _, prefix := range s.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
