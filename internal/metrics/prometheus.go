package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every exported metric
const Namespace = "enricher"

// Collectors are the Prometheus metrics of the enrichment pipeline
type Collectors struct {
	DomainsProcessed *prometheus.CounterVec
	StrategyAttempts *prometheus.CounterVec
	StrategyDuration *prometheus.HistogramVec
	RenderInflight   prometheus.Gauge
	ExecutionsActive prometheus.Gauge
}

// NewCollectors creates and registers the collectors on reg (the default registerer if nil)
func NewCollectors(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collectors{
		DomainsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "domains_processed_total",
				Help:      "Domains that reached a terminal state, by outcome",
			},
			[]string{"outcome"},
		),
		StrategyAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "strategy_attempts_total",
				Help:      "Extraction strategy attempts, by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		StrategyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "strategy_duration_seconds",
				Help:      "Duration of extraction strategy attempts in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"strategy"},
		),
		RenderInflight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "render_inflight",
				Help:      "Browser renders currently running",
			},
		),
		ExecutionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "executions_active",
				Help:      "Enrichment executions currently running",
			},
		),
	}
}
