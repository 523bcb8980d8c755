package provider

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/net/proxy"
)

const maxResponseBytes = 1 << 20

// newHTTPClient bounds connect, handshake, header wait and the whole call so a
// hanging backend cannot hold a rotation slot beyond timeout.
func newHTTPClient(timeout time.Duration, egress *url.URL) *http.Client {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}

	if egress != nil {
		if err := routeThrough(transport, dialer, egress); err != nil {
			log.Warn("Ignoring provider egress proxy", "proxy", egress.Redacted(), "error", err)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// ParseEgress validates a provider proxy URL. An empty string means direct
// connections (or HTTP_PROXY from the environment).
func ParseEgress(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("provider: invalid egress proxy: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("provider: unsupported egress proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("provider: egress proxy %q has no host", u.Redacted())
	}
	return u, nil
}

func routeThrough(transport *http.Transport, dialer *net.Dialer, egress *url.URL) error {
	switch egress.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(egress)
		return nil
	}

	socks, err := proxy.FromURL(egress, dialer)
	if err != nil {
		return err
	}
	transport.Proxy = nil
	if ctxDialer, ok := socks.(proxy.ContextDialer); ok {
		transport.DialContext = ctxDialer.DialContext
	} else {
		transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return socks.Dial(network, addr)
		}
	}
	return nil
}

// fetch performs a GET and returns the raw body. Any status outside 2xx is a
// *StatusError so that callers can trip the breaker on rate limiting.
func fetch(ctx context.Context, client *http.Client, name, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", name, err)
	}
	req.Header.Set("Accept", "application/json")
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Provider: name, StatusCode: resp.StatusCode}
	}

	return body, nil
}
