package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vpnshield"

const (
	OutcomeSuccess = "success"
	OutcomeAbsent  = "absent"
	OutcomeFailure = "failure"
	OutcomeCooling = "cooling"
)

var (
	Registry = prometheus.NewRegistry()

	providerAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_attempts_total",
		Help:      "Provider attempts by outcome.",
	}, []string{"provider", "outcome"})

	providerCooling = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "provider_cooling",
		Help:      "1 while a provider is benched by the circuit breaker.",
	}, []string{"provider"})

	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Result cache lookups by tier and outcome.",
	}, []string{"tier", "outcome"})

	checks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checks_total",
		Help:      "Completed address checks by how they were resolved.",
	}, []string{"resolution"})

	storeWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_writes_total",
		Help:      "Store write operations by kind and outcome.",
	}, []string{"kind", "outcome"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		providerAttempts,
		providerCooling,
		cacheLookups,
		checks,
		storeWrites,
	)
}

func ObserveProviderAttempt(provider, outcome string) {
	providerAttempts.WithLabelValues(provider, outcome).Inc()
}

func SetProviderCooling(provider string, cooling bool) {
	value := 0.0
	if cooling {
		value = 1
	}
	providerCooling.WithLabelValues(provider).Set(value)
}

func ObserveCacheLookup(tier string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheLookups.WithLabelValues(tier, outcome).Inc()
}

func ObserveCheck(resolution string) {
	checks.WithLabelValues(resolution).Inc()
}

func ObserveStoreWrite(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	storeWrites.WithLabelValues(kind, outcome).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
