// Package metrics exposes download counters for Prometheus. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	segments       *prometheus.CounterVec
	bytes          *prometheus.CounterVec
	retries        prometheus.Counter
	segmentSeconds *prometheus.HistogramVec
	inFlight       prometheus.Gauge
	lectures       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		segments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "echodl",
			Name:      "segments_total",
			Help:      "Segments fetched, by stream and result.",
		}, []string{"stream", "result"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "echodl",
			Name:      "bytes_total",
			Help:      "Body bytes written, by stream.",
		}, []string{"stream"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "echodl",
			Name:      "retries_total",
			Help:      "HTTP retries after transient failures.",
		}),
		segmentSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "echodl",
			Name:      "segment_fetch_seconds",
			Help:      "Wall time per successful segment fetch including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"stream"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "echodl",
			Name:      "requests_in_flight",
			Help:      "Segment requests currently holding a worker slot.",
		}),
		lectures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "echodl",
			Name:      "lectures_total",
			Help:      "Lecture feeds finished, by status.",
		}, []string{"status"}),
	}
	m.Registry.MustRegister(m.segments, m.bytes, m.retries, m.segmentSeconds, m.inFlight, m.lectures)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SegmentDone(stream string, n int64, d time.Duration) {
	if m == nil {
		return
	}
	m.segments.WithLabelValues(stream, "ok").Inc()
	m.bytes.WithLabelValues(stream).Add(float64(n))
	m.segmentSeconds.WithLabelValues(stream).Observe(d.Seconds())
}

func (m *Metrics) SegmentFailed(stream string) {
	if m == nil {
		return
	}
	m.segments.WithLabelValues(stream, "failed").Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) InFlight(delta int) {
	if m == nil {
		return
	}
	m.inFlight.Add(float64(delta))
}

func (m *Metrics) LectureFinished(status string) {
	if m == nil {
		return
	}
	m.lectures.WithLabelValues(status).Inc()
}
