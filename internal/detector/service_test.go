package detector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"vpnshield/internal/cache"
	"vpnshield/internal/domain"
	"vpnshield/internal/provider"
	"vpnshield/internal/rotator"
	"vpnshield/internal/whitelist"
)

type stubProvider struct {
	name  string
	calls atomic.Int32
	check func(call int32, address string) (domain.Result, error)
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Check(_ context.Context, address string) (domain.Result, error) {
	call := s.calls.Add(1)
	return s.check(call, address)
}

func vpnProvider(name, country string) *stubProvider {
	return &stubProvider{name: name, check: func(_ int32, address string) (domain.Result, error) {
		return domain.NewResultBuilder(address).
			VPN(true).
			CountryCode(country).
			ServiceName("ExampleVPN").
			RiskScore(100).
			Provider(name).
			Build(), nil
	}}
}

func failingProvider(name string) *stubProvider {
	return &stubProvider{name: name, check: func(int32, string) (domain.Result, error) {
		return domain.Result{}, errors.New("dial tcp: i/o timeout")
	}}
}

type testEnv struct {
	service *Service
	rotator *rotator.Rotator
	clock   *clock.Mock
	list    *whitelist.Whitelist
}

func newTestEnv(t *testing.T, providers []provider.Provider, list *whitelist.Whitelist, store Store) testEnv {
	t.Helper()

	mock := clock.NewMock()
	if list == nil {
		list = whitelist.New(nil, nil)
	}
	rot := rotator.New(providers, time.Minute, rotator.WithClock(mock))

	svc, err := New(Config{
		Rotator:   rot,
		Cache:     cache.New(cache.WithClock(mock)),
		Whitelist: list,
		Store:     store,
		Workers:   8,
		Clock:     mock,
		Settings: Settings{
			Enabled:        true,
			Action:         domain.ActionKick,
			CacheTTL:       10 * time.Minute,
			DedupeInFlight: true,
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	return testEnv{service: svc, rotator: rot, clock: mock, list: list}
}

func await[T any](t *testing.T, f *Future[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("future did not resolve")
	}
	return v
}

func TestWhitelistedAddressesSkipProviders(t *testing.T) {
	p := vpnProvider("A", "US")
	env := newTestEnv(t, []provider.Provider{p}, whitelist.New([]string{"203.0.113.7", "198.51.100.0/24"}, nil), nil)

	for _, addr := range []string{"203.0.113.7", "198.51.100.20", "127.0.0.1", "10.0.0.8", "192.168.0.4", "169.254.1.1", "::1", "fe80::2"} {
		result := await(t, env.service.CheckAddress(addr))
		if result.Dangerous() {
			t.Errorf("CheckAddress(%q) dangerous, want clean", addr)
		}
		if result.Reason() != domain.ReasonWhitelisted {
			t.Errorf("CheckAddress(%q) reason = %q, want %q", addr, result.Reason(), domain.ReasonWhitelisted)
		}
	}
	if got := p.calls.Load(); got != 0 {
		t.Fatalf("provider calls = %d, want 0", got)
	}
}

func TestCachedResultServesRepeatChecks(t *testing.T) {
	p := &stubProvider{name: "A", check: func(call int32, address string) (domain.Result, error) {
		if call > 1 {
			return domain.Result{}, errors.New("second call must not happen")
		}
		return domain.NewResultBuilder(address).Proxy(true).Provider("A").Build(), nil
	}}
	env := newTestEnv(t, []provider.Provider{p}, nil, nil)

	first := await(t, env.service.CheckAddress("203.0.113.20"))
	env.clock.Add(5 * time.Minute)
	second := await(t, env.service.CheckAddress("203.0.113.20"))

	if got := p.calls.Load(); got != 1 {
		t.Fatalf("provider calls = %d, want 1", got)
	}
	if !first.IsProxy() || !second.IsProxy() || second.Provider() != "A" {
		t.Fatalf("second result = %+v, want cached proxy result from A", second)
	}
}

func TestFailoverCoolsFailingProvider(t *testing.T) {
	a := failingProvider("A")
	b := vpnProvider("B", "US")
	env := newTestEnv(t, []provider.Provider{a, b}, nil, nil)

	result := await(t, env.service.CheckAddress("203.0.113.30"))
	if !result.IsVPN() || result.Provider() != "B" {
		t.Fatalf("result vpn/provider = %v/%q, want true/B", result.IsVPN(), result.Provider())
	}
	if env.rotator.Available("A") {
		t.Fatal("provider A should be cooling")
	}
}

func TestCountryOverrideCleansResult(t *testing.T) {
	p := vpnProvider("A", "nl")
	env := newTestEnv(t, []provider.Provider{p}, whitelist.New(nil, []string{"NL"}), nil)

	result := await(t, env.service.CheckAddress("203.0.113.40"))
	if result.Dangerous() {
		t.Fatal("allow-listed country must produce a clean result")
	}
	if result.Reason() != "country_whitelisted:NL" {
		t.Fatalf("reason = %q, want country_whitelisted:NL", result.Reason())
	}
	if result.Provider() != "A" || result.RiskScore() != 0 {
		t.Fatalf("provider/risk = %q/%d, want A/0", result.Provider(), result.RiskScore())
	}
}

func TestExhaustionFailsOpen(t *testing.T) {
	a := failingProvider("A")
	b := failingProvider("B")
	env := newTestEnv(t, []provider.Provider{a, b}, nil, nil)

	for _, addr := range []string{"203.0.113.50", "203.0.113.51"} {
		result := await(t, env.service.CheckAddress(addr))
		if result.Dangerous() {
			t.Fatalf("%s: exhausted result must not be dangerous", addr)
		}
		if result.RiskScore() != domain.RiskScoreUnknown || result.Provider() != domain.ProviderNone {
			t.Fatalf("%s: risk/provider = %d/%q, want %d/%q", addr, result.RiskScore(), result.Provider(), domain.RiskScoreUnknown, domain.ProviderNone)
		}
	}
	if a.calls.Load() != 1 || b.calls.Load() != 1 {
		t.Fatalf("calls A=%d B=%d, want 1 each while cooling", a.calls.Load(), b.calls.Load())
	}
}

func TestNoProvidersFailsOpen(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	if result := await(t, env.service.CheckAddress("203.0.113.52")); !result.Undetermined() {
		t.Fatalf("result = %+v, want unknown sentinel", result)
	}
}

func TestInvalidAndDisabled(t *testing.T) {
	p := vpnProvider("A", "US")
	env := newTestEnv(t, []provider.Provider{p}, nil, nil)

	invalid := await(t, env.service.CheckAddress("not-an-address"))
	if invalid.Reason() != domain.ReasonInvalidAddress || !invalid.Undetermined() {
		t.Fatalf("invalid result = %+v", invalid)
	}

	settings := env.service.Settings()
	settings.Enabled = false
	env.service.UpdateSettings(settings)

	disabled := await(t, env.service.CheckAddress("203.0.113.60"))
	if disabled.Reason() != domain.ReasonDisabled || disabled.Dangerous() {
		t.Fatalf("disabled result = %+v", disabled)
	}
	if got := p.calls.Load(); got != 0 {
		t.Fatalf("provider calls = %d, want 0", got)
	}
}

func TestConcurrentChecksShareOneLookup(t *testing.T) {
	release := make(chan struct{})
	p := &stubProvider{name: "A", check: func(_ int32, address string) (domain.Result, error) {
		<-release
		return domain.NewResultBuilder(address).Hosting(true).Provider("A").Build(), nil
	}}
	env := newTestEnv(t, []provider.Provider{p}, nil, nil)

	futures := make([]*Future[domain.Result], 4)
	for i := range futures {
		futures[i] = env.service.CheckAddress("203.0.113.70")
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	for _, f := range futures {
		if result := await(t, f); !result.IsHosting() {
			t.Fatalf("result = %+v, want hosting", result)
		}
	}
	if got := p.calls.Load(); got != 1 {
		t.Fatalf("provider calls = %d, want 1", got)
	}
}

func TestAddToWhitelistTakesEffect(t *testing.T) {
	p := vpnProvider("A", "US")
	env := newTestEnv(t, []provider.Provider{p}, nil, nil)

	if r := await(t, env.service.CheckAddress("203.0.113.80")); !r.IsVPN() {
		t.Fatal("expected vpn before whitelisting")
	}
	if err := env.service.AddToWhitelist("203.0.113.80"); err != nil {
		t.Fatalf("AddToWhitelist: %v", err)
	}
	if r := await(t, env.service.CheckAddress("203.0.113.80")); r.Reason() != domain.ReasonWhitelisted {
		t.Fatalf("reason = %q, want whitelisted", r.Reason())
	}

	if !env.service.RemoveFromWhitelist("203.0.113.80") {
		t.Fatal("RemoveFromWhitelist returned false")
	}
	env.service.ClearCache()
	if r := await(t, env.service.CheckAddress("203.0.113.80")); !r.IsVPN() {
		t.Fatal("expected vpn after removal")
	}
	if got := p.calls.Load(); got != 2 {
		t.Fatalf("provider calls = %d, want 2", got)
	}
}

type recordingStore struct {
	mu         sync.Mutex
	detections []domain.Detection
	tracked    []domain.AddressHistory
	dangerous  map[string]bool
	hints      atomic.Int32
}

func (s *recordingStore) LogDetection(_ context.Context, result domain.Result, subject domain.Subject, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections = append(s.detections, domain.NewDetection(result, subject, action, time.Time{}))
	return nil
}

func (s *recordingStore) TrackAddress(_ context.Context, subject domain.Subject, address string, isVPN bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = append(s.tracked, domain.AddressHistory{SubjectID: subject.ID, Address: address, IsVPN: isVPN})
	return nil
}

func (s *recordingStore) GetLikelyRealAddress(_ context.Context, subjectID string) (string, bool) {
	if subjectID == "alice" {
		return "198.51.100.1", true
	}
	return "", false
}

func (s *recordingStore) IsKnownDangerous(_ context.Context, address string) bool {
	s.hints.Add(1)
	return s.dangerous[address]
}

func (s *recordingStore) GetStats(context.Context) domain.Stats {
	return domain.Stats{TotalDetections: 7}
}

func (s *recordingStore) GetRecentDetections(_ context.Context, limit int) []domain.Detection {
	return make([]domain.Detection, limit)
}

func (s *recordingStore) GetAddressHistory(context.Context, string) []domain.AddressHistory {
	return nil
}

func (s *recordingStore) snapshot() ([]domain.Detection, []domain.AddressHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Detection(nil), s.detections...), append([]domain.AddressHistory(nil), s.tracked...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInspectRecordsDangerousResults(t *testing.T) {
	store := &recordingStore{}
	env := newTestEnv(t, []provider.Provider{vpnProvider("A", "US")}, nil, store)
	alice := domain.Subject{ID: "alice", Name: "Alice"}

	result := await(t, env.service.Inspect("203.0.113.90", alice, ""))
	if !result.IsVPN() {
		t.Fatal("expected vpn result")
	}

	waitFor(t, func() bool {
		d, h := store.snapshot()
		return len(d) == 1 && len(h) == 1
	})
	detections, history := store.snapshot()
	if detections[0].Action != domain.ActionKick || detections[0].SubjectID != "alice" {
		t.Fatalf("detection = %+v, want kick for alice", detections[0])
	}
	if !history[0].IsVPN || history[0].Address != "203.0.113.90" {
		t.Fatalf("history = %+v", history[0])
	}
	waitFor(t, func() bool { return store.hints.Load() == 1 })
}

func TestInspectTracksCleanAndSkipsWhitelisted(t *testing.T) {
	store := &recordingStore{}
	clean := &stubProvider{name: "A", check: func(_ int32, address string) (domain.Result, error) {
		return domain.NewResultBuilder(address).Provider("A").Build(), nil
	}}
	env := newTestEnv(t, []provider.Provider{clean}, nil, store)
	alice := domain.Subject{ID: "alice", Name: "Alice"}

	await(t, env.service.Inspect("127.0.0.1", alice, domain.ActionWarn))
	await(t, env.service.Inspect("203.0.113.91", alice, domain.ActionWarn))
	await(t, env.service.Inspect("203.0.113.92", domain.Subject{}, domain.ActionWarn))

	waitFor(t, func() bool {
		_, h := store.snapshot()
		return len(h) == 1
	})
	detections, history := store.snapshot()
	if len(detections) != 0 {
		t.Fatalf("detections = %d, want 0 for clean results", len(detections))
	}
	if history[0].Address != "203.0.113.91" || history[0].IsVPN {
		t.Fatalf("history = %+v", history[0])
	}
}

func TestStoreOperationsResolve(t *testing.T) {
	store := &recordingStore{dangerous: map[string]bool{"203.0.113.99": true}}
	env := newTestEnv(t, nil, nil, store)

	if got := await(t, env.service.GetLikelyRealAddress("alice")); got != "198.51.100.1" {
		t.Fatalf("likely address = %q", got)
	}
	if got := await(t, env.service.GetLikelyRealAddress("bob")); got != "" {
		t.Fatalf("likely address for bob = %q, want empty", got)
	}
	if !await(t, env.service.IsKnownDangerous("203.0.113.99")) {
		t.Fatal("expected known dangerous")
	}
	if got := await(t, env.service.GetStats()); got.TotalDetections != 7 {
		t.Fatalf("stats = %+v", got)
	}
	if got := await(t, env.service.GetRecentDetections(3)); len(got) != 3 {
		t.Fatalf("recent = %d, want 3", len(got))
	}
}

func TestStoreOperationsWithoutStore(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	if got := await(t, env.service.GetLikelyRealAddress("alice")); got != "" {
		t.Fatalf("likely address = %q, want empty", got)
	}
	if got := await(t, env.service.GetStats()); got.TotalDetections != 0 {
		t.Fatalf("stats = %+v, want zero", got)
	}
	if _, err := env.service.LogDetection(domain.Result{}, domain.Subject{}, "").Await(context.Background()); err != nil {
		t.Fatalf("LogDetection without store: %v", err)
	}
}
