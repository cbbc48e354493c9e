package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once         sync.Once
	serviceState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bitcoin_stack",
			Subsystem: "service",
			Name:      "state",
			Help:      "Service runtime state gauge (1 for current state).",
		},
		[]string{"name", "state"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bitcoin_stack",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of restarts for the service.",
		},
		[]string{"name"},
	)
	serviceHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bitcoin_stack",
			Subsystem: "service",
			Name:      "healthy",
			Help:      "Service health (1 healthy, 0 unhealthy).",
		},
		[]string{"name"},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bitcoin_stack",
			Subsystem: "startup",
			Name:      "stage_seconds",
			Help:      "Time for a startup stage to reach healthy.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"stage"},
	)
	certExpiry = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bitcoin_stack",
			Subsystem: "tls",
			Name:      "cert_expiry_seconds",
			Help:      "Seconds until certificate expiry per domain.",
		},
		[]string{"domain"},
	)
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(serviceState, serviceRestarts, serviceHealthy, stageDuration, certExpiry)
	})
}

// ObserveServiceState marks the service's current state.
func ObserveServiceState(name, state string) {
	serviceState.WithLabelValues(name, state).Set(1)
}

func IncRestarts(name string) { serviceRestarts.WithLabelValues(name).Inc() }

func SetHealthy(name string, healthy bool) {
	if healthy {
		serviceHealthy.WithLabelValues(name).Set(1)
	} else {
		serviceHealthy.WithLabelValues(name).Set(0)
	}
}

// ObserveStageDuration records how long a startup stage took to become
// healthy.
func ObserveStageDuration(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SetCertExpiry records the remaining validity for a domain certificate.
func SetCertExpiry(domain string, expires time.Time) {
	certExpiry.WithLabelValues(domain).Set(time.Until(expires).Seconds())
}
