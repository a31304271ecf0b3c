package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
)

// IndexMetrics tracks index builds and the snapshot currently serving queries.
type IndexMetrics struct {
	registry *prometheus.Registry
	service  string

	buildTotal      *prometheus.CounterVec
	buildDuration   *prometheus.HistogramVec
	activeChunks    prometheus.Gauge
	activeDocuments prometheus.Gauge
	activeWarnings  prometheus.Gauge
	activeVersion   *prometheus.GaugeVec
}

// NewIndexMetrics registers into registry, or into a fresh one when nil.
func NewIndexMetrics(service string, registry *prometheus.Registry) *IndexMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	constLabels := prometheus.Labels{"service": service}

	buildTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "builds_total",
			Help:      "Total index builds by status.",
		},
		[]string{"service", "status"},
	)
	buildDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "build_duration_seconds",
			Help:      "Index build duration in seconds by status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"service", "status"},
	)
	activeChunks := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "index",
		Name:        "active_chunks",
		Help:        "Chunks in the active index snapshot.",
		ConstLabels: constLabels,
	})
	activeDocuments := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "index",
		Name:        "active_documents",
		Help:        "Documents in the active index snapshot.",
		ConstLabels: constLabels,
	})
	activeWarnings := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "index",
		Name:        "active_ingestion_warnings",
		Help:        "Documents skipped while building the active snapshot.",
		ConstLabels: constLabels,
	})
	activeVersion := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "active_version_info",
			Help:      "Always 1; labels identify the active index version.",
		},
		[]string{"service", "version", "embedding_model"},
	)

	registry.MustRegister(buildTotal, buildDuration, activeChunks, activeDocuments, activeWarnings, activeVersion)

	return &IndexMetrics{
		registry:        registry,
		service:         service,
		buildTotal:      buildTotal,
		buildDuration:   buildDuration,
		activeChunks:    activeChunks,
		activeDocuments: activeDocuments,
		activeWarnings:  activeWarnings,
		activeVersion:   activeVersion,
	}
}

func (m *IndexMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *IndexMetrics) ObserveBuild(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.buildTotal.WithLabelValues(m.service, status).Inc()
	m.buildDuration.WithLabelValues(m.service, status).Observe(duration.Seconds())
}

func (m *IndexMetrics) SetActive(manifest domain.IndexManifest) {
	m.activeChunks.Set(float64(manifest.ChunkCount))
	m.activeDocuments.Set(float64(len(manifest.Documents)))
	m.activeWarnings.Set(float64(len(manifest.Warnings)))
	m.activeVersion.Reset()
	if manifest.Version != "" {
		m.activeVersion.WithLabelValues(m.service, manifest.Version, manifest.EmbeddingModel).Set(1)
	}
}
