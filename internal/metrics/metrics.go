// Package metrics registers the export's Prometheus collectors.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/evanschultz/kanflow/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Upstream request outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeRetryable = "retryable"
	OutcomeFailed    = "failed"
)

var (
	initOnce sync.Once

	itemsClassifiedCounter  *prometheus.CounterVec
	upstreamRequestsCounter *prometheus.CounterVec
	upstreamRetriesCounter  prometheus.Counter
	itemReplayDuration      prometheus.Histogram
	cacheLoadsCounter       *prometheus.CounterVec
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		itemsClassifiedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kanflow_items_classified_total",
				Help: "Work items classified against the prior export, by class.",
			},
			[]string{"class"},
		)

		upstreamRequestsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kanflow_upstream_requests_total",
				Help: "Upstream HTTP attempts by outcome.",
			},
			[]string{"outcome"},
		)

		upstreamRetriesCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kanflow_upstream_retries_total",
				Help: "Upstream requests retried after a transient failure.",
			},
		)

		itemReplayDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kanflow_item_replay_duration_seconds",
				Help:    "Time to fetch and replay one work item history.",
				Buckets: prometheus.DefBuckets,
			},
		)

		cacheLoadsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kanflow_cache_loads_total",
				Help: "Prior export loads by resulting cache status.",
			},
			[]string{"status"},
		)

		prometheus.MustRegister(
			itemsClassifiedCounter,
			upstreamRequestsCounter,
			upstreamRetriesCounter,
			itemReplayDuration,
			cacheLoadsCounter,
		)

		for _, class := range []domain.Classification{domain.ClassNew, domain.ClassChanged, domain.ClassUnchanged} {
			itemsClassifiedCounter.WithLabelValues(string(class))
		}
		for _, outcome := range []string{OutcomeOK, OutcomeRetryable, OutcomeFailed} {
			upstreamRequestsCounter.WithLabelValues(outcome)
		}
		for _, status := range []domain.CacheStatus{
			domain.CacheLoaded,
			domain.CacheMissing,
			domain.CacheHeaderMismatch,
			domain.CacheMalformed,
			domain.CacheDisabled,
		} {
			cacheLoadsCounter.WithLabelValues(string(status))
		}
	})
}

func AddItemsClassified(class domain.Classification, n int) {
	Init()
	itemsClassifiedCounter.WithLabelValues(string(class)).Add(float64(n))
}

func IncUpstreamRequest(outcome string) {
	Init()
	upstreamRequestsCounter.WithLabelValues(outcome).Inc()
}

func IncUpstreamRetries() {
	Init()
	upstreamRetriesCounter.Inc()
}

func ObserveItemReplay(d time.Duration) {
	Init()
	itemReplayDuration.Observe(d.Seconds())
}

func IncCacheLoad(status domain.CacheStatus) {
	Init()
	cacheLoadsCounter.WithLabelValues(string(status)).Inc()
}

// WriteTextfile writes the default registry in node-exporter textfile format.
func WriteTextfile(path string) error {
	Init()
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
