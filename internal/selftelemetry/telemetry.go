// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package selftelemetry provides Prometheus metrics for the collector
// process and the latest capacity snapshot.
package selftelemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platformbuilds/pmaxcap/internal/capacity"
)

// Metrics holds all self-telemetry metrics. Each instance owns its
// registry, so several can coexist in one process.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	ready     atomic.Bool

	// Lifecycle
	Ready prometheus.Gauge

	// Collection runs
	CollectionRuns       *prometheus.CounterVec
	CollectionDuration   prometheus.Histogram
	CollectionInProgress prometheus.Gauge
	CollectionRejected   prometheus.Counter
	LastSuccess          prometheus.Gauge
	ItemsSkipped         *prometheus.CounterVec
	LevelsDegraded       *prometheus.CounterVec

	// Event subscribers
	Subscribers        prometheus.Gauge
	SubscribersDropped prometheus.Counter

	// Latest snapshot
	SystemCapacity    *prometheus.GaugeVec
	SystemUtilization *prometheus.GaugeVec
	SRPUtilization    *prometheus.GaugeVec
	SRPSubscription   *prometheus.GaugeVec
	EntityCount       *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance with all metrics registered
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "pmaxcap"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector(namespace),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		namespace: namespace,
		registry:  reg,
	}

	m.Ready = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ready",
		Help:      "Whether a capacity snapshot is available (1 = ready)",
	})

	// Collection runs
	m.CollectionRuns = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collection_runs_total",
		Help:      "Total number of collection runs by outcome",
	}, []string{"outcome"})

	m.CollectionDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "collection_duration_seconds",
		Help:      "Duration of collection runs in seconds",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})

	m.CollectionInProgress = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "collection_in_progress",
		Help:      "Whether a collection run is in progress (1 = running)",
	})

	m.CollectionRejected = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collection_requests_rejected_total",
		Help:      "Total collection requests rejected because a run was in progress",
	})

	m.LastSuccess = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_successful_collection_timestamp_seconds",
		Help:      "Unix time of the last successful collection run",
	})

	m.ItemsSkipped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collection_items_skipped_total",
		Help:      "Total pools, storage groups and volumes skipped after a fetch error",
	}, []string{"level"})

	m.LevelsDegraded = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collection_levels_degraded_total",
		Help:      "Total levels degraded to empty because their list could not be fetched",
	}, []string{"level"})

	// Event subscribers
	m.Subscribers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_subscribers",
		Help:      "Current number of event subscribers",
	})

	m.SubscribersDropped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_subscribers_dropped_total",
		Help:      "Total subscribers dropped for falling behind",
	})

	// Latest snapshot
	m.SystemCapacity = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "system_capacity_gigabytes",
		Help:      "Array-wide capacity by kind",
	}, []string{"array_id", "kind"})

	m.SystemUtilization = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "system_utilization_percent",
		Help:      "Array-wide effective capacity utilization",
	}, []string{"array_id"})

	m.SRPUtilization = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "srp_utilization_percent",
		Help:      "Storage resource pool utilization",
	}, []string{"array_id", "srp_id"})

	m.SRPSubscription = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "srp_subscription_percent",
		Help:      "Storage resource pool subscription",
	}, []string{"array_id", "srp_id"})

	m.EntityCount = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "entities",
		Help:      "Number of entities per level in the latest snapshot",
	}, []string{"array_id", "level"})

	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SetReady sets the readiness state
func (m *Metrics) SetReady(ready bool) {
	m.ready.Store(ready)
	if ready {
		m.Ready.Set(1)
	} else {
		m.Ready.Set(0)
	}
}

// IsReady returns the current readiness state
func (m *Metrics) IsReady() bool {
	return m.ready.Load()
}

// SetInProgress flips the in-progress gauge.
func (m *Metrics) SetInProgress(running bool) {
	if running {
		m.CollectionInProgress.Set(1)
	} else {
		m.CollectionInProgress.Set(0)
	}
}

// ObserveRejected counts a trigger refused because a run was in progress.
func (m *Metrics) ObserveRejected() {
	m.CollectionRejected.Inc()
}

// ObserveRun records the outcome of a collection run.
func (m *Metrics) ObserveRun(err error, d time.Duration) {
	m.CollectionDuration.Observe(d.Seconds())
	if err != nil {
		m.CollectionRuns.WithLabelValues("failure").Inc()
		return
	}
	m.CollectionRuns.WithLabelValues("success").Inc()
}

// ObserveSnapshot updates the capacity gauges and run counters from s.
func (m *Metrics) ObserveSnapshot(s *capacity.Snapshot) {
	m.LastSuccess.Set(float64(s.CollectionTimestamp.Unix()))

	m.SystemCapacity.Reset()
	m.SystemCapacity.WithLabelValues(s.ArrayID, "effective_used").Set(s.System.EffectiveUsedGB)
	m.SystemCapacity.WithLabelValues(s.ArrayID, "max_effective").Set(s.System.MaxEffectiveGB)
	m.SystemCapacity.WithLabelValues(s.ArrayID, "subscribed").Set(s.System.SubscribedGB)
	m.SystemCapacity.WithLabelValues(s.ArrayID, "total_usable").Set(s.System.TotalUsableGB)
	m.SystemCapacity.WithLabelValues(s.ArrayID, "free").Set(s.System.FreeGB)
	m.SystemUtilization.WithLabelValues(s.ArrayID).Set(s.System.UtilizationPercent)

	// pools can disappear between runs
	m.SRPUtilization.Reset()
	m.SRPSubscription.Reset()
	for _, p := range s.SRPs {
		m.SRPUtilization.WithLabelValues(s.ArrayID, p.SRPID).Set(p.UtilizationPercent)
		m.SRPSubscription.WithLabelValues(s.ArrayID, p.SRPID).Set(p.SubscriptionPercent)
	}

	m.EntityCount.WithLabelValues(s.ArrayID, string(capacity.LevelSRP)).Set(float64(s.TotalSRPs()))
	m.EntityCount.WithLabelValues(s.ArrayID, string(capacity.LevelStorageGroups)).Set(float64(s.TotalStorageGroups()))
	m.EntityCount.WithLabelValues(s.ArrayID, string(capacity.LevelVolumes)).Set(float64(s.TotalVolumes()))

	for _, l := range s.Levels {
		if l.Skipped > 0 {
			m.ItemsSkipped.WithLabelValues(string(l.Level)).Add(float64(l.Skipped))
		}
		if l.Degraded {
			m.LevelsDegraded.WithLabelValues(string(l.Level)).Inc()
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// HealthzHandler always answers ok while the process is serving.
func (m *Metrics) HealthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// ReadyzHandler answers ok once a snapshot is available.
func (m *Metrics) ReadyzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if m.IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	})
}
