package blocklist

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"vpnshield/internal/domain"
)

const (
	maxResponseBytes = 10 << 20 // 10 MiB safety cap
	fetchTimeout     = 30 * time.Second
)

// Repository persists the merged list so a restarted node can match
// addresses before the next download.
type Repository interface {
	ReplaceBlocklist(ctx context.Context, entries []domain.BlocklistEntry) (int64, error)
	LoadBlocklist(ctx context.Context) ([]domain.BlocklistEntry, error)
}

type RefreshOutcome struct {
	Sources        int   `json:"sources"`
	FailedSources  int   `json:"failed_sources"`
	Entries        int   `json:"entries"`
	NewEntries     int   `json:"new_entries"`
	RemovedEntries int64 `json:"removed_entries"`
}

// Manager downloads VPN and datacenter address lists and answers membership
// queries from an in-memory snapshot that is swapped atomically.
type Manager struct {
	repo    Repository
	client  *http.Client
	snap    atomic.Pointer[matchSet]
	refresh singleflight.Group
	sync    redisSync
}

func NewManager(repo Repository) *Manager {
	m := &Manager{
		repo:   repo,
		client: &http.Client{Timeout: fetchTimeout},
	}
	m.snap.Store(buildMatchSet(nil))
	return m
}

// Lookup reports the source of the first list containing addr.
func (m *Manager) Lookup(addr netip.Addr) (string, bool) {
	return m.snap.Load().lookup(addr.Unmap())
}

// Len reports how many single addresses and networks are loaded.
func (m *Manager) Len() (addrs, networks int) {
	snap := m.snap.Load()
	return len(snap.addrs), len(snap.v4) + len(snap.v6)
}

// LoadCache replaces the in-memory snapshot with the stored entries.
func (m *Manager) LoadCache(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	entries, err := m.repo.LoadBlocklist(ctx)
	if err != nil {
		return err
	}
	m.snap.Store(buildMatchSet(entries))
	return nil
}

// Refresh downloads every source, persists the merged result and swaps it in.
// Concurrent calls share one download.
func (m *Manager) Refresh(ctx context.Context, sources []string) (*RefreshOutcome, error) {
	result, err, _ := m.refresh.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx, sources)
	})
	if err != nil {
		return nil, err
	}
	outcome, _ := result.(*RefreshOutcome)
	return outcome, nil
}

func (m *Manager) doRefresh(ctx context.Context, sources []string) (*RefreshOutcome, error) {
	outcome := &RefreshOutcome{Sources: len(sources)}
	if len(sources) == 0 {
		return outcome, m.LoadCache(ctx)
	}

	before := m.snap.Load()
	seen := make(map[string]struct{})
	var entries []domain.BlocklistEntry

	for _, src := range sources {
		prefixes, err := m.fetch(ctx, src)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			outcome.FailedSources++
			log.Warn("Blocklist fetch failed", "source", src, "error", err)
			continue
		}

		for _, prefix := range prefixes {
			key := prefix.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			entries = append(entries, domain.BlocklistEntry{CIDR: key, Source: src})
		}
	}

	if outcome.FailedSources == len(sources) {
		return nil, fmt.Errorf("blocklist: all %d sources failed", len(sources))
	}

	for _, entry := range entries {
		if !before.containsEntry(entry.CIDR) {
			outcome.NewEntries++
		}
	}
	outcome.Entries = len(entries)

	if m.repo != nil {
		removed, err := m.repo.ReplaceBlocklist(ctx, entries)
		if err != nil {
			return nil, err
		}
		outcome.RemovedEntries = removed
	}

	m.snap.Store(buildMatchSet(entries))
	m.sync.publish(ctx)
	return outcome, nil
}

func (m *Manager) fetch(ctx context.Context, source string) ([]netip.Prefix, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return parseList(content), nil
}

// parseList accepts one or more addresses or CIDR networks per line,
// separated by whitespace, commas or semicolons. Text after '#' is ignored.
func parseList(payload []byte) []netip.Prefix {
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 1024), 1024*1024)

	var out []netip.Prefix
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ' ' || r == '\t' || r == ',' || r == ';'
		})
		for _, field := range fields {
			if prefix, ok := parseEntry(field); ok {
				out = append(out, prefix)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		log.Warn("Blocklist scanner warning", "error", err)
	}
	return out
}

func parseEntry(raw string) (netip.Prefix, bool) {
	if strings.Contains(raw, "/") {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, false
		}
		return prefix.Masked(), true
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil || addr.Zone() != "" {
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), true
}

type ipv4Range struct {
	start  uint32
	end    uint32
	source string
}

type prefixEntry struct {
	prefix netip.Prefix
	source string
}

// matchSet holds exact addresses in a map, IPv4 networks as merged sorted
// ranges for binary search, and IPv6 networks in a short slice.
type matchSet struct {
	addrs map[netip.Addr]string
	v4    []ipv4Range
	v6    []prefixEntry
	cidrs map[string]struct{}
}

func buildMatchSet(entries []domain.BlocklistEntry) *matchSet {
	set := &matchSet{
		addrs: make(map[netip.Addr]string),
		cidrs: make(map[string]struct{}, len(entries)),
	}

	var ranges []ipv4Range
	for _, entry := range entries {
		prefix, ok := parseEntry(entry.CIDR)
		if !ok {
			continue
		}
		set.cidrs[prefix.String()] = struct{}{}

		addr := prefix.Addr()
		switch {
		case prefix.IsSingleIP():
			if _, exists := set.addrs[addr]; !exists {
				set.addrs[addr] = entry.Source
			}
		case addr.Is4():
			start := ipv4ToUint32(addr)
			hostBits := 32 - prefix.Bits()
			end := start | uint32(uint64(1)<<hostBits-1)
			ranges = append(ranges, ipv4Range{start: start, end: end, source: entry.Source})
		default:
			set.v6 = append(set.v6, prefixEntry{prefix: prefix, source: entry.Source})
		}
	}

	set.v4 = mergeRanges(ranges)
	return set
}

// mergeRanges sorts by start and folds overlapping ranges so that a binary
// search can find every covered address. The earliest range names the source.
func mergeRanges(ranges []ipv4Range) []ipv4Range {
	if len(ranges) == 0 {
		return nil
	}
	slices.SortFunc(ranges, func(a, b ipv4Range) int {
		if c := cmp.Compare(a.start, b.start); c != 0 {
			return c
		}
		return cmp.Compare(b.end, a.end)
	})

	merged := ranges[:1]
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.start <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func (s *matchSet) lookup(addr netip.Addr) (string, bool) {
	if !addr.IsValid() {
		return "", false
	}
	if source, ok := s.addrs[addr]; ok {
		return source, true
	}

	if addr.Is4() {
		u := ipv4ToUint32(addr)
		lo, hi := 0, len(s.v4)
		for lo < hi {
			mid := (lo + hi) / 2
			switch {
			case u < s.v4[mid].start:
				hi = mid
			case u > s.v4[mid].end:
				lo = mid + 1
			default:
				return s.v4[mid].source, true
			}
		}
		return "", false
	}

	for _, entry := range s.v6 {
		if entry.prefix.Contains(addr) {
			return entry.source, true
		}
	}
	return "", false
}

func (s *matchSet) containsEntry(cidr string) bool {
	_, ok := s.cidrs[cidr]
	return ok
}

func ipv4ToUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
