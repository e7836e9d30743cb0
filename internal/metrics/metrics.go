// Package metrics exposes the process-wide Prometheus collectors for the control
// service and the HTTP API. Per-event activity metrics live in activity/sinks.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	controlRequestsTotal       *prometheus.CounterVec
	controlRequestSeconds      *prometheus.HistogramVec
	indicatorVisible           prometheus.Gauge
	bypassActive               prometheus.Gauge
	wordListSize               prometheus.Gauge
	blockedCount               prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "searchguard_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "searchguard_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		controlRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "searchguard_control_requests_total",
				Help: "Control messages handled, labeled by type and ack status.",
			},
			[]string{"type", "status"},
		)

		controlRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "searchguard_control_request_duration_seconds",
				Help:    "Time to answer a control message.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"type"},
		)

		indicatorVisible = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "searchguard_indicator_visible",
			Help: "1 when the active-blocking indicator is shown.",
		})

		bypassActive = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "searchguard_bypass_active",
			Help: "1 while a bypass window is open.",
		})

		wordListSize = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "searchguard_word_list_size",
			Help: "Number of entries in the NG word list.",
		})

		blockedCount = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "searchguard_blocked_count",
			Help: "Persisted lifetime count of blocked queries.",
		})
	})
}

// HostLabel reduces a URL or host to a lowercase hostname suitable as a label.
// It returns "unknown" if nothing usable remains.
func HostLabel(raw string) string {
	if raw == "" {
		return "unknown"
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveControl records one answered control message.
func ObserveControl(msgType, status string, duration time.Duration) {
	controlRequestsTotal.WithLabelValues(msgType, status).Inc()
	controlRequestSeconds.WithLabelValues(msgType).Observe(duration.Seconds())
}

// SetIndicator publishes the indicator visibility.
func SetIndicator(visible bool) {
	indicatorVisible.Set(boolGauge(visible))
}

// SetStateGauges mirrors the stored configuration into gauges.
func SetStateGauges(words int, bypassed bool, blocked int64) {
	wordListSize.Set(float64(words))
	bypassActive.Set(boolGauge(bypassed))
	blockedCount.Set(float64(blocked))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
