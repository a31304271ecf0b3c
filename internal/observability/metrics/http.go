package metrics

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
)

const namespace = "crag"

type HTTPServerMetrics struct {
	registry *prometheus.Registry
	service  string

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	retrievalTotal    *prometheus.CounterVec
	retrievalResults  *prometheus.HistogramVec
	retrievalEmpty    *prometheus.CounterVec
	retrievalDuration *prometheus.HistogramVec
	answersTotal      *prometheus.CounterVec
	answerSources     *prometheus.HistogramVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	retrievalTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "requests_total",
			Help:      "Total hybrid retrieval requests by status.",
		},
		[]string{"service", "status"},
	)
	retrievalResults := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "results",
			Help:      "Distribution of passages returned per successful retrieval.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service"},
	)
	retrievalEmpty := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "empty_total",
			Help:      "Total successful retrievals without any passage.",
		},
		[]string{"service"},
	)
	retrievalDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "Hybrid retrieval duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)
	answersTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "answer",
			Name:      "total",
			Help:      "Total answered questions by outcome.",
		},
		[]string{"service", "outcome"},
	)
	answerSources := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "answer",
			Name:      "sources",
			Help:      "Distribution of cited sources per answer.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		},
		[]string{"service"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		retrievalTotal,
		retrievalResults,
		retrievalEmpty,
		retrievalDuration,
		answersTotal,
		answerSources,
	)

	return &HTTPServerMetrics{
		registry:          registry,
		service:           service,
		requestTotal:      requestTotal,
		requestDuration:   requestDuration,
		requestInFlight:   requestInFlight,
		retrievalTotal:    retrievalTotal,
		retrievalResults:  retrievalResults,
		retrievalEmpty:    retrievalEmpty,
		retrievalDuration: retrievalDuration,
		answersTotal:      answersTotal,
		answerSources:     answerSources,
	}
}

// Registry lets other collectors share the /metrics endpoint.
func (m *HTTPServerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			m.service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(m.service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	const prefix = "/v1/sessions/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return prefix + "{session_id}" + rest[i:]
	}
	return prefix + "{session_id}"
}

func (m *HTTPServerMetrics) ObserveRetrieval(duration time.Duration, results int, err error) {
	m.retrievalDuration.WithLabelValues(m.service).Observe(duration.Seconds())
	if err != nil {
		m.retrievalTotal.WithLabelValues(m.service, retrievalStatus(err)).Inc()
		return
	}
	m.retrievalTotal.WithLabelValues(m.service, "ok").Inc()
	m.retrievalResults.WithLabelValues(m.service).Observe(float64(results))
	if results == 0 {
		m.retrievalEmpty.WithLabelValues(m.service).Inc()
	}
}

func retrievalStatus(err error) string {
	switch {
	case errors.Is(err, domain.ErrIndexNotReady):
		return "index_not_ready"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, domain.ErrExternalService):
		return "external_error"
	default:
		return "error"
	}
}

func (m *HTTPServerMetrics) RecordAnswer(answer *domain.Answer) {
	if answer == nil {
		return
	}
	outcome := "answered"
	if answer.NoMatch {
		outcome = "no_match"
	}
	m.answersTotal.WithLabelValues(m.service, outcome).Inc()
	m.answerSources.WithLabelValues(m.service).Observe(float64(len(answer.Sources)))
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
