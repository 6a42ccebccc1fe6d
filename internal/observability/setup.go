package observability

import (
	"net/http"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ncecere/usage_insights/internal/config"
)

// Provider owns the Prometheus registry and the counters the cache and
// aggregation layers report into. All record methods tolerate a nil
// receiver so callers never guard.
type Provider struct {
	registry    *promreg.Registry
	promHandler http.Handler

	cacheLookups    *promreg.CounterVec
	rebuilds        *promreg.CounterVec
	rebuildDuration promreg.Histogram
	lockContention  promreg.Counter
	aggregateTime   promreg.Histogram
}

func Setup(cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableMetrics {
		return nil, nil
	}

	registry := promreg.NewRegistry()
	provider := &Provider{
		registry:    registry,
		promHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}),
	}

	provider.cacheLookups = promreg.NewCounterVec(
		promreg.CounterOpts{
			Namespace: "usage_insights",
			Name:      "daily_cache_lookups_total",
			Help:      "Daily cache lookups by outcome (hit or miss).",
		},
		[]string{"outcome"},
	)
	provider.rebuilds = promreg.NewCounterVec(
		promreg.CounterOpts{
			Namespace: "usage_insights",
			Name:      "daily_cache_rebuilds_total",
			Help:      "Completed daily cache rebuilds by record completeness.",
		},
		[]string{"complete"},
	)
	provider.rebuildDuration = promreg.NewHistogram(
		promreg.HistogramOpts{
			Namespace: "usage_insights",
			Name:      "daily_cache_rebuild_duration_seconds",
			Help:      "Duration of daily cache rebuilds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	provider.lockContention = promreg.NewCounter(
		promreg.CounterOpts{
			Namespace: "usage_insights",
			Name:      "daily_cache_lock_contention_total",
			Help:      "Rebuild attempts that found the day lock held elsewhere.",
		},
	)
	provider.aggregateTime = promreg.NewHistogram(
		promreg.HistogramOpts{
			Namespace: "usage_insights",
			Name:      "aggregation_duration_seconds",
			Help:      "Duration of filtered period aggregations.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	collectors := []promreg.Collector{
		provider.cacheLookups,
		provider.rebuilds,
		provider.rebuildDuration,
		provider.lockContention,
		provider.aggregateTime,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}

	return provider, nil
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil || p.promHandler == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) RecordCacheLookup(outcome string) {
	if p == nil || p.cacheLookups == nil {
		return
	}
	p.cacheLookups.WithLabelValues(outcome).Inc()
}

func (p *Provider) RecordRebuild(duration time.Duration, complete bool) {
	if p == nil || p.rebuilds == nil {
		return
	}
	label := "false"
	if complete {
		label = "true"
	}
	p.rebuilds.WithLabelValues(label).Inc()
	p.rebuildDuration.Observe(duration.Seconds())
}

func (p *Provider) RecordLockContention() {
	if p == nil || p.lockContention == nil {
		return
	}
	p.lockContention.Inc()
}

func (p *Provider) RecordAggregation(duration time.Duration) {
	if p == nil || p.aggregateTime == nil {
		return
	}
	p.aggregateTime.Observe(duration.Seconds())
}
