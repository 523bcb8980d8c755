package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vpnshield/internal/domain"
)

const DefaultTimeout = 3 * time.Second

// ErrAbsent is returned when a provider has nothing to say about an address,
// e.g. because it is not configured. It must not trip the circuit breaker.
var ErrAbsent = errors.New("provider: no answer")

// Provider adapts one external reputation service.
type Provider interface {
	Name() string
	Check(ctx context.Context, address string) (domain.Result, error)
}

// StatusError reports a non-successful HTTP status from a provider endpoint.
type StatusError struct {
	Provider   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Provider, e.StatusCode)
}

// IsAbsent reports whether err means "no answer" rather than a failure.
func IsAbsent(err error) bool {
	return errors.Is(err, ErrAbsent)
}

// Options configures an HTTP backed provider.
type Options struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// Egress routes outgoing calls through an http(s) or socks5 proxy.
	Egress *url.URL
	Client *http.Client
	Now    func() time.Time
}

func (o Options) withDefaults(baseURL string) Options {
	if o.BaseURL == "" {
		o.BaseURL = baseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Client == nil {
		o.Client = newHTTPClient(o.Timeout, o.Egress)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.APIKey = strings.TrimSpace(o.APIKey)
	return o
}

func riskFromFlags(dangerous bool) int {
	if dangerous {
		return 100
	}
	return 0
}
