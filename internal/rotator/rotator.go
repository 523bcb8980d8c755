package rotator

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"

	"vpnshield/internal/domain"
	"vpnshield/internal/metrics"
	"vpnshield/internal/provider"
)

const DefaultCooldown = 5 * time.Minute

// ProviderState is the reporting view of one provider's breaker.
type ProviderState struct {
	Name          string    `json:"name"`
	Available     bool      `json:"available"`
	CoolDownUntil time.Time `json:"cool_down_until,omitempty"`
}

// Rotator walks the provider list round robin and benches providers that
// fail for a fixed cool-down. The pointer is shared by all callers.
type Rotator struct {
	mu        sync.Mutex
	providers []provider.Provider
	coolDown  map[string]time.Time
	pointer   int

	cooldown time.Duration
	clock    clock.Clock
}

type Option func(*Rotator)

func WithClock(c clock.Clock) Option {
	return func(r *Rotator) {
		if c != nil {
			r.clock = c
		}
	}
}

func New(providers []provider.Provider, cooldown time.Duration, opts ...Option) *Rotator {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	r := &Rotator{
		providers: append([]provider.Provider(nil), providers...),
		coolDown:  make(map[string]time.Time),
		cooldown:  cooldown,
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Len returns the number of configured providers.
func (r *Rotator) Len() int {
	return len(r.providers)
}

// Query tries at most one full lap of providers and returns the first answer.
// Cooling providers still consume an attempt. The network call is made
// without holding the lock.
func (r *Rotator) Query(ctx context.Context, address string) (domain.Result, bool) {
	n := len(r.providers)
	for attempt := 0; attempt < n; attempt++ {
		if ctx.Err() != nil {
			return domain.Result{}, false
		}

		p, available := r.next()
		if !available {
			metrics.ObserveProviderAttempt(p.Name(), metrics.OutcomeCooling)
			continue
		}

		result, err := p.Check(ctx, address)
		switch {
		case err == nil:
			metrics.ObserveProviderAttempt(p.Name(), metrics.OutcomeSuccess)
			return result, true
		case provider.IsAbsent(err):
			metrics.ObserveProviderAttempt(p.Name(), metrics.OutcomeAbsent)
			log.Debug("provider had no answer", "provider", p.Name(), "address", address, "reason", err)
		default:
			metrics.ObserveProviderAttempt(p.Name(), metrics.OutcomeFailure)
			until := r.markFailed(p.Name())
			log.Warn("provider failed, cooling down", "provider", p.Name(), "until", until.Format(time.RFC3339), "error", err)
		}
	}

	return domain.Result{}, false
}

func (r *Rotator) next() (provider.Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.providers[r.pointer]
	r.pointer = (r.pointer + 1) % len(r.providers)

	until, cooling := r.coolDown[p.Name()]
	if cooling && r.clock.Now().Before(until) {
		return p, false
	}
	return p, true
}

// markFailed overwrites any previous cool-down; they never stack.
func (r *Rotator) markFailed(name string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	until := r.clock.Now().Add(r.cooldown)
	r.coolDown[name] = until
	metrics.SetProviderCooling(name, true)
	return until
}

// Available reports whether the named provider is currently outside its cool-down.
func (r *Rotator) Available(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	until, ok := r.coolDown[name]
	return !ok || !r.clock.Now().Before(until)
}

// States returns a snapshot in configured order.
func (r *Rotator) States() []ProviderState {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	states := make([]ProviderState, 0, len(r.providers))
	for _, p := range r.providers {
		state := ProviderState{Name: p.Name(), Available: true}
		if until, ok := r.coolDown[p.Name()]; ok && now.Before(until) {
			state.Available = false
			state.CoolDownUntil = until
		} else {
			metrics.SetProviderCooling(p.Name(), false)
		}
		states = append(states, state)
	}
	return states
}

// Reset clears every cool-down.
func (r *Rotator) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range r.coolDown {
		metrics.SetProviderCooling(name, false)
	}
	r.coolDown = make(map[string]time.Time)
}
