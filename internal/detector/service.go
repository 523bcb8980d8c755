package detector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/singleflight"

	"vpnshield/internal/cache"
	"vpnshield/internal/domain"
	"vpnshield/internal/metrics"
	"vpnshield/internal/rotator"
	"vpnshield/internal/whitelist"
)

const (
	DefaultWorkers     = 64
	DefaultCacheTTL    = 30 * time.Minute
	DefaultHintTimeout = 500 * time.Millisecond

	poolReleaseTimeout = 5 * time.Second

	resolutionWhitelisted     = "whitelisted"
	resolutionInvalid         = "invalid"
	resolutionDisabled        = "disabled"
	resolutionCache           = "cache"
	resolutionProvider        = "provider"
	resolutionCountryOverride = "country_override"
	resolutionExhausted       = "exhausted"
	resolutionOverloaded      = "overloaded"
)

var ErrOverloaded = errors.New("detector: worker pool saturated")

// Store is the persistence the service delegates to. Implementations contain
// their own errors and return safe defaults from reads.
type Store interface {
	LogDetection(ctx context.Context, result domain.Result, subject domain.Subject, action string) error
	TrackAddress(ctx context.Context, subject domain.Subject, address string, isVPN bool) error
	GetLikelyRealAddress(ctx context.Context, subjectID string) (string, bool)
	IsKnownDangerous(ctx context.Context, address string) bool
	GetStats(ctx context.Context) domain.Stats
	GetRecentDetections(ctx context.Context, limit int) []domain.Detection
	GetAddressHistory(ctx context.Context, subjectID string) []domain.AddressHistory
}

// Settings are the runtime knobs that may change on config reload.
type Settings struct {
	Enabled        bool
	Action         string
	CacheTTL       time.Duration
	AlertsEnabled  bool
	DedupeInFlight bool
	HintTimeout    time.Duration

	// LogCleanResults records non-dangerous checks as detections too.
	LogCleanResults bool
}

func (s Settings) normalized() Settings {
	if s.CacheTTL <= 0 {
		s.CacheTTL = DefaultCacheTTL
	}
	if s.HintTimeout <= 0 {
		s.HintTimeout = DefaultHintTimeout
	}
	if s.Action == "" {
		s.Action = domain.ActionNone
	}
	return s
}

type Config struct {
	Rotator   *rotator.Rotator
	Cache     *cache.Cache
	Whitelist *whitelist.Whitelist
	Store     Store
	Workers   int
	Clock     clock.Clock
	Settings  Settings
}

// Service orchestrates whitelist, cache, provider rotation and persistence.
// No method blocks the caller on I/O; results arrive through futures.
type Service struct {
	cache     *cache.Cache
	whitelist *whitelist.Whitelist
	store     Store
	clock     clock.Clock
	pool      *ants.Pool
	inflight  singleflight.Group

	rotator  atomic.Pointer[rotator.Rotator]
	settings atomic.Pointer[Settings]
}

func New(cfg Config) (*Service, error) {
	if cfg.Rotator == nil {
		cfg.Rotator = rotator.New(nil, rotator.DefaultCooldown)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New(cache.WithClock(cfg.Clock))
	}
	if cfg.Whitelist == nil {
		cfg.Whitelist = whitelist.New(nil, nil)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	pool, err := ants.NewPool(cfg.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			log.Error("Detector task panicked", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("detector: create worker pool: %w", err)
	}

	s := &Service{
		cache:     cfg.Cache,
		whitelist: cfg.Whitelist,
		store:     cfg.Store,
		clock:     cfg.Clock,
		pool:      pool,
	}
	s.rotator.Store(cfg.Rotator)
	s.UpdateSettings(cfg.Settings)

	return s, nil
}

// Close waits for running tasks to finish, up to a short timeout.
func (s *Service) Close() error {
	return s.pool.ReleaseTimeout(poolReleaseTimeout)
}

func (s *Service) UpdateSettings(settings Settings) {
	normalized := settings.normalized()
	s.settings.Store(&normalized)
}

func (s *Service) Settings() Settings {
	return *s.settings.Load()
}

// SetRotator swaps the provider set. Checks already running keep the old one.
func (s *Service) SetRotator(r *rotator.Rotator) {
	if r != nil {
		s.rotator.Store(r)
	}
}

func (s *Service) ProviderStates() []rotator.ProviderState {
	return s.rotator.Load().States()
}

func (s *Service) Whitelist() *whitelist.Whitelist {
	return s.whitelist
}

// submit schedules task on the pool without blocking.
func (s *Service) submit(task func()) error {
	err := s.pool.Submit(task)
	if errors.Is(err, ants.ErrPoolOverload) {
		return ErrOverloaded
	}
	return err
}

// CheckAddress classifies address. The future always resolves with a Result;
// when nothing can be determined the Result is the unknown sentinel.
func (s *Service) CheckAddress(address string) *Future[domain.Result] {
	settings := s.Settings()
	now := s.clock.Now()

	addr, err := domain.ParseAddress(address)
	if err != nil {
		metrics.ObserveCheck(resolutionInvalid)
		log.Debug("Rejected malformed address", "address", address, "error", err)
		return resolvedFuture(domain.UnknownResult(address, domain.ReasonInvalidAddress, now), nil)
	}
	key := addr.String()

	if !settings.Enabled {
		metrics.ObserveCheck(resolutionDisabled)
		return resolvedFuture(domain.CleanResult(key, domain.ReasonDisabled, now), nil)
	}

	if s.whitelist.IsWhitelisted(key) {
		metrics.ObserveCheck(resolutionWhitelisted)
		return resolvedFuture(domain.CleanResult(key, domain.ReasonWhitelisted, now), nil)
	}

	future := newFuture[domain.Result]()
	task := func() {
		defer func() {
			if p := recover(); p != nil {
				log.Error("Address check panicked", "address", key, "panic", p)
				future.resolve(domain.UnknownResult(key, domain.ReasonUnknown, s.clock.Now()), nil)
			}
		}()
		future.resolve(s.lookupShared(key, settings), nil)
	}

	if err := s.submit(task); err != nil {
		metrics.ObserveCheck(resolutionOverloaded)
		log.Warn("Address check not scheduled, failing open", "address", key, "error", err)
		future.resolve(domain.UnknownResult(key, domain.ReasonOverloaded, now), nil)
	}

	return future
}

func (s *Service) lookupShared(key string, settings Settings) domain.Result {
	if !settings.DedupeInFlight {
		return s.lookup(key, settings)
	}
	v, _, _ := s.inflight.Do(key, func() (any, error) {
		return s.lookup(key, settings), nil
	})
	return v.(domain.Result)
}

func (s *Service) lookup(key string, settings Settings) domain.Result {
	ctx := context.Background()

	if cached, ok := s.cache.Get(ctx, key); ok {
		metrics.ObserveCheck(resolutionCache)
		return cached
	}

	s.historyHint(key, settings.HintTimeout)

	result, ok := s.rotator.Load().Query(ctx, key)
	resolution := resolutionProvider
	switch {
	case !ok:
		resolution = resolutionExhausted
		log.Warn("No provider could classify address, failing open", "address", key)
		result = domain.UnknownResult(key, domain.ReasonUnknown, s.clock.Now())
	case s.whitelist.CountryAllowed(result.CountryCode()):
		resolution = resolutionCountryOverride
		log.Debug("Country allow-listed, overriding result", "address", key, "country", result.CountryCode(), "provider", result.Provider())
		result = result.CountryOverride()
	}
	metrics.ObserveCheck(resolution)

	s.cache.Put(ctx, key, result, settings.CacheTTL)
	return result
}

// historyHint asks the store about past detections without waiting for it.
func (s *Service) historyHint(key string, timeout time.Duration) {
	if s.store == nil {
		return
	}
	err := s.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if s.store.IsKnownDangerous(ctx, key) {
			log.Debug("Address was flagged before", "address", key)
		}
	})
	if err != nil {
		log.Debug("Skipped history hint", "address", key, "error", err)
	}
}

// Inspect checks address and records the outcome for subject. Dangerous
// results (every result with LogCleanResults) are logged as detections with
// action; non-anonymous subjects get their address history updated.
func (s *Service) Inspect(address string, subject domain.Subject, action string) *Future[domain.Result] {
	settings := s.Settings()
	if action == "" {
		action = settings.Action
	}

	checked := s.CheckAddress(address)
	out := newFuture[domain.Result]()

	checked.Then(func(result domain.Result) {
		if !recordable(result) {
			out.resolve(result, nil)
			return
		}

		if result.Dangerous() {
			if settings.AlertsEnabled {
				log.Warn("Anonymized connection detected",
					"address", result.Address(),
					"subject", subject.Name,
					"vpn", result.IsVPN(),
					"proxy", result.IsProxy(),
					"hosting", result.IsHosting(),
					"tor", result.IsTor(),
					"service", result.ServiceName(),
					"provider", result.Provider(),
					"action", action,
				)
			}
		}
		if result.Dangerous() || settings.LogCleanResults {
			s.LogDetection(result, subject, action)
		}
		if !subject.Anonymous() {
			s.TrackAddress(subject, result.Address(), result.IsVPN())
		}
		out.resolve(result, nil)
	})

	return out
}

func recordable(result domain.Result) bool {
	switch result.Reason() {
	case domain.ReasonInvalidAddress, domain.ReasonDisabled, domain.ReasonWhitelisted:
		return false
	}
	return true
}

// AddToWhitelist adds an address or CIDR range and drops any cached result
// for a single address.
func (s *Service) AddToWhitelist(entry string) error {
	if err := s.whitelist.Add(entry); err != nil {
		return err
	}
	if addr, err := domain.ParseAddress(entry); err == nil {
		s.cache.Invalidate(context.Background(), addr.String())
	}
	return nil
}

func (s *Service) RemoveFromWhitelist(entry string) bool {
	return s.whitelist.Remove(entry)
}

func (s *Service) ClearCache() {
	s.cache.Clear(context.Background())
}
