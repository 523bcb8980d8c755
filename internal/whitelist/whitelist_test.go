package whitelist

import (
	"encoding/json"
	"net/netip"
	"reflect"
	"sync"
	"testing"
)

func TestIsWhitelistedExplicitAndRanges(t *testing.T) {
	w := New([]string{"203.0.113.7", "198.51.100.0/24", "2001:db8::1", "not-an-ip"}, nil)

	tests := []struct {
		addr string
		want bool
	}{
		{"203.0.113.7", true},
		{"203.0.113.8", false},
		{"198.51.100.250", true},
		{"198.51.101.1", false},
		{"[2001:db8::1]:443", true},
		{"::ffff:203.0.113.7", true},
		{"8.8.8.8", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		if got := w.IsWhitelisted(tt.addr); got != tt.want {
			t.Errorf("IsWhitelisted(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestPrivateAndLocalAddressesAreAlwaysWhitelisted(t *testing.T) {
	w := New(nil, nil)
	for _, addr := range []string{
		"127.0.0.1",
		"10.1.2.3",
		"172.16.5.4",
		"192.168.1.1",
		"169.254.10.10",
		"100.64.0.1",
		"100.127.255.254",
		"0.0.0.0",
		"::1",
		"::",
		"fe80::1",
		"fc00::1",
		"fec0::1",
	} {
		if !w.IsWhitelisted(addr) {
			t.Errorf("IsWhitelisted(%q) = false, want true", addr)
		}
	}

	if IsPrivateOrLocal(netip.MustParseAddr("100.128.0.1")) {
		t.Fatal("100.128.0.1 is outside CGNAT space")
	}
}

func TestAddRemoveAndEntries(t *testing.T) {
	w := New(nil, nil)

	if err := w.Add("198.51.100.9/24"); err != nil {
		t.Fatalf("Add range: %v", err)
	}
	if err := w.Add("203.0.113.1"); err != nil {
		t.Fatalf("Add address: %v", err)
	}
	if err := w.Add("nope"); err == nil {
		t.Fatal("Add accepted a malformed entry")
	}

	want := []string{"198.51.100.0/24", "203.0.113.1"}
	if got := w.Entries(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Entries() = %v, want %v", got, want)
	}

	if !w.Remove("198.51.100.0/24") {
		t.Fatal("Remove range returned false")
	}
	if w.Remove("198.51.100.0/24") {
		t.Fatal("second Remove returned true")
	}
	if w.IsWhitelisted("198.51.100.7") {
		t.Fatal("address still whitelisted after range removal")
	}
}

func TestCountryAllowedIsCaseInsensitive(t *testing.T) {
	w := New(nil, []string{"nl", " De "})
	if !w.CountryAllowed("NL") || !w.CountryAllowed("de") {
		t.Fatal("configured countries not allowed")
	}
	if w.CountryAllowed("US") || w.CountryAllowed("") {
		t.Fatal("unexpected country allowed")
	}

	w.SetCountries([]string{"us"})
	if w.CountryAllowed("NL") || !w.CountryAllowed("US") {
		t.Fatalf("Countries() after replace = %v", w.Countries())
	}
}

func TestOnChangeReportsNormalizedEntries(t *testing.T) {
	w := New(nil, nil)

	var got []string
	w.OnChange(func(op, entry string) { got = append(got, op+" "+entry) })

	_ = w.Add("10.0.0.1/8")
	w.Remove("10.0.0.0/8")
	w.Remove("1.1.1.1")

	want := []string{"add 10.0.0.0/8", "remove 10.0.0.0/8"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("changes = %v, want %v", got, want)
	}
}

func TestRedisSyncAppliesRemoteEventsWithoutEcho(t *testing.T) {
	w := New(nil, nil)
	s := NewRedisSync(w, nil)

	echoed := false
	w.OnChange(func(string, string) { echoed = true })

	remote, _ := json.Marshal(syncEvent{Op: OpAdd, Origin: "other-node", Entry: "203.0.113.5"})
	s.handlePayload(remote)
	if !w.IsWhitelisted("203.0.113.5") {
		t.Fatal("remote add not applied")
	}

	own, _ := json.Marshal(syncEvent{Op: OpRemove, Origin: s.nodeID, Entry: "203.0.113.5"})
	s.handlePayload(own)
	if !w.IsWhitelisted("203.0.113.5") {
		t.Fatal("event from own node must be ignored")
	}

	removal, _ := json.Marshal(syncEvent{Op: OpRemove, Origin: "other-node", Entry: "203.0.113.5"})
	s.handlePayload(removal)
	if w.IsWhitelisted("203.0.113.5") {
		t.Fatal("remote remove not applied")
	}

	if echoed {
		t.Fatal("remote events must not trigger local change hooks")
	}
}

func TestConcurrentReadsAndWrites(t *testing.T) {
	w := New(nil, []string{"NL"})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = w.Add("203.0.113.1")
				w.Remove("203.0.113.1")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				w.IsWhitelisted("203.0.113.1")
				w.CountryAllowed("NL")
			}
		}()
	}
	wg.Wait()
}
