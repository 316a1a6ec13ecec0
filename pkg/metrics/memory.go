package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initMemoryMetrics(cfg Config) {
	m.entriesLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engram_entries_live",
		Help: "Number of entries in the live corpus",
	})

	m.snapshotBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engram_snapshot_bytes",
		Help: "Size of the last written snapshot in bytes",
	})

	m.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_operations_total",
		Help: "Memory operations by type and status",
	}, []string{"op", "status"})

	m.recallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engram_recall_duration_seconds",
		Help:    "End to end recall latency including embedding",
		Buckets: cfg.RecallDurationBuckets,
	})

	m.saveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engram_save_duration_seconds",
		Help:    "Snapshot write latency",
		Buckets: cfg.SaveDurationBuckets,
	})

	m.cacheEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_search_cache_events_total",
		Help: "Search cache lookups by result",
	}, []string{"result"})

	m.persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engram_persist_failures_total",
		Help: "Snapshot writes that failed",
	})

	m.consolidation = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engram_consolidation_total",
		Help: "Entries removed by consolidation, by action",
	}, []string{"action"})

	m.registry.MustRegister(
		m.entriesLive,
		m.snapshotBytes,
		m.operations,
		m.recallDuration,
		m.saveDuration,
		m.cacheEvents,
		m.persistFailures,
		m.consolidation,
	)
}

// SetEntriesLive records the live corpus size.
func (m *Manager) SetEntriesLive(n float64) {
	if !m.enabled {
		return
	}
	m.entriesLive.Set(n)
}

// SetSnapshotBytes records the size of the last snapshot.
func (m *Manager) SetSnapshotBytes(n float64) {
	if !m.enabled {
		return
	}
	m.snapshotBytes.Set(n)
}

// RecordOperation counts one remember, recall or forget call.
func (m *Manager) RecordOperation(op, status string) {
	if !m.enabled {
		return
	}
	m.operations.WithLabelValues(op, status).Inc()
}

// RecordRecallDuration records end to end recall latency.
func (m *Manager) RecordRecallDuration(d time.Duration) {
	if !m.enabled {
		return
	}
	m.recallDuration.Observe(d.Seconds())
}

// RecordSaveDuration records snapshot write latency.
func (m *Manager) RecordSaveDuration(d time.Duration) {
	if !m.enabled {
		return
	}
	m.saveDuration.Observe(d.Seconds())
}

// RecordCacheHit counts a search cache hit.
func (m *Manager) RecordCacheHit() {
	if !m.enabled {
		return
	}
	m.cacheEvents.WithLabelValues("hit").Inc()
}

// RecordCacheMiss counts a search cache miss.
func (m *Manager) RecordCacheMiss() {
	if !m.enabled {
		return
	}
	m.cacheEvents.WithLabelValues("miss").Inc()
}

// RecordPersistFailure counts a failed snapshot write.
func (m *Manager) RecordPersistFailure() {
	if !m.enabled {
		return
	}
	m.persistFailures.Inc()
}

// RecordConsolidation counts entries merged and evicted by one pass.
func (m *Manager) RecordConsolidation(merged, evicted int) {
	if !m.enabled {
		return
	}
	m.consolidation.WithLabelValues("merged").Add(float64(merged))
	m.consolidation.WithLabelValues("evicted").Add(float64(evicted))
}
