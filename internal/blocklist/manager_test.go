package blocklist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"

	"vpnshield/internal/domain"
)

type memoryRepo struct {
	mu      sync.Mutex
	entries []domain.BlocklistEntry
	loads   int
}

func (r *memoryRepo) ReplaceBlocklist(_ context.Context, entries []domain.BlocklistEntry) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := int64(0)
	if len(r.entries) > len(entries) {
		removed = int64(len(r.entries) - len(entries))
	}
	r.entries = append([]domain.BlocklistEntry(nil), entries...)
	return removed, nil
}

func (r *memoryRepo) LoadBlocklist(context.Context) ([]domain.BlocklistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads++
	return append([]domain.BlocklistEntry(nil), r.entries...), nil
}

func listServer(t *testing.T, bodies map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := bodies[r.URL.Path]
		if !ok {
			http.Error(w, "missing", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func mustLookup(t *testing.T, m *Manager, raw string) (string, bool) {
	t.Helper()
	return m.Lookup(netip.MustParseAddr(raw))
}

func TestParseListAcceptsCommonFormats(t *testing.T) {
	payload := []byte(`# VPN exits
192.0.2.10
198.51.100.0/24, 203.0.113.0/25 ; 203.0.113.7
2001:db8::/32	# documentation range
not-an-ip 10.0.0.0/99
::ffff:192.0.2.99
`)
	got := parseList(payload)

	want := []string{
		"192.0.2.10/32",
		"198.51.100.0/24",
		"203.0.113.0/25",
		"203.0.113.7/32",
		"2001:db8::/32",
		"192.0.2.99/32",
	}
	if len(got) != len(want) {
		t.Fatalf("parsed %v, want %v", got, want)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Fatalf("entry %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestMatchSetLookup(t *testing.T) {
	set := buildMatchSet([]domain.BlocklistEntry{
		{CIDR: "10.0.0.0/8", Source: "wide"},
		{CIDR: "10.1.0.0/16", Source: "narrow"},
		{CIDR: "10.255.255.0/24", Source: "tail"},
		{CIDR: "172.16.5.0/24", Source: "dc"},
		{CIDR: "192.0.2.1/32", Source: "single"},
		{CIDR: "2001:db8::/48", Source: "v6"},
	})

	tests := []struct {
		addr   string
		source string
		found  bool
	}{
		{addr: "10.1.2.3", source: "wide", found: true},
		{addr: "10.255.255.9", source: "wide", found: true},
		{addr: "11.0.0.0", found: false},
		{addr: "172.16.5.255", source: "dc", found: true},
		{addr: "172.16.6.0", found: false},
		{addr: "192.0.2.1", source: "single", found: true},
		{addr: "192.0.2.2", found: false},
		{addr: "2001:db8::1", source: "v6", found: true},
		{addr: "2001:db9::1", found: false},
	}
	for _, tt := range tests {
		source, found := set.lookup(netip.MustParseAddr(tt.addr))
		if found != tt.found || source != tt.source {
			t.Errorf("lookup(%s) = %q/%v, want %q/%v", tt.addr, source, found, tt.source, tt.found)
		}
	}

	if got := len(set.v4); got != 2 {
		t.Fatalf("merged v4 ranges = %d, want 2", got)
	}
}

func TestLookupUnmapsIPv4InIPv6(t *testing.T) {
	m := NewManager(nil)
	m.snap.Store(buildMatchSet([]domain.BlocklistEntry{{CIDR: "192.0.2.0/24", Source: "s"}}))

	if _, ok := mustLookup(t, m, "::ffff:192.0.2.4"); !ok {
		t.Fatal("mapped address not matched")
	}
}

func TestRefreshMergesSourcesAndPersists(t *testing.T) {
	srv := listServer(t, map[string]string{
		"/vpn.txt": "192.0.2.0/24\n198.51.100.5\n",
		"/dc.txt":  "198.51.100.5\n203.0.113.0/24\n",
	})
	repo := &memoryRepo{}
	m := NewManager(repo)

	outcome, err := m.Refresh(context.Background(), []string{srv.URL + "/vpn.txt", srv.URL + "/dc.txt", srv.URL + "/gone.txt"})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if outcome.Sources != 3 || outcome.FailedSources != 1 || outcome.Entries != 3 || outcome.NewEntries != 3 {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(repo.entries) != 3 {
		t.Fatalf("persisted %d entries, want 3", len(repo.entries))
	}

	source, ok := mustLookup(t, m, "198.51.100.5")
	if !ok || source != srv.URL+"/vpn.txt" {
		t.Fatalf("lookup = %q/%v, want first source", source, ok)
	}
	if _, ok := mustLookup(t, m, "203.0.113.200"); !ok {
		t.Fatal("datacenter range not loaded")
	}

	outcome, err = m.Refresh(context.Background(), []string{srv.URL + "/vpn.txt"})
	if err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if outcome.NewEntries != 0 || outcome.RemovedEntries != 1 {
		t.Fatalf("second outcome = %+v", outcome)
	}
	if _, ok := mustLookup(t, m, "203.0.113.200"); ok {
		t.Fatal("dropped source still matches")
	}
}

func TestRefreshFailsWhenEverySourceFails(t *testing.T) {
	srv := listServer(t, nil)
	m := NewManager(&memoryRepo{})
	m.snap.Store(buildMatchSet([]domain.BlocklistEntry{{CIDR: "192.0.2.1/32"}}))

	if _, err := m.Refresh(context.Background(), []string{srv.URL + "/a", srv.URL + "/b"}); err == nil {
		t.Fatal("expected an error when all sources fail")
	}
	if _, ok := mustLookup(t, m, "192.0.2.1"); !ok {
		t.Fatal("previous snapshot replaced after failed refresh")
	}
}

func TestRefreshWithoutSourcesLoadsStoredList(t *testing.T) {
	repo := &memoryRepo{entries: []domain.BlocklistEntry{{CIDR: "192.0.2.0/24", Source: "db"}}}
	m := NewManager(repo)

	if _, err := m.Refresh(context.Background(), nil); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if source, ok := mustLookup(t, m, "192.0.2.77"); !ok || source != "db" {
		t.Fatalf("lookup = %q/%v", source, ok)
	}
}

func TestNotificationReloadsUnlessOwnOrigin(t *testing.T) {
	repo := &memoryRepo{entries: []domain.BlocklistEntry{{CIDR: "192.0.2.0/24", Source: "db"}}}
	m := NewManager(repo)
	m.sync.nodeID = "self"

	m.handleNotification(context.Background(), "self")
	if repo.loads != 0 {
		t.Fatalf("own notification triggered %d reloads", repo.loads)
	}

	m.handleNotification(context.Background(), "other")
	if repo.loads != 1 {
		t.Fatalf("remote notification loads = %d, want 1", repo.loads)
	}
	if addrs, networks := m.Len(); addrs != 0 || networks != 1 {
		t.Fatalf("Len = %d/%d, want 0/1", addrs, networks)
	}
}
