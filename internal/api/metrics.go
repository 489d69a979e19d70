/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-chi/chi/v5"
)

// HTTPRequestMetrics holds Prometheus metrics for served HTTP requests.
type HTTPRequestMetrics struct {
	Durations *prometheus.HistogramVec
	InFlight  prometheus.Gauge
}

// NewHTTPRequestMetrics creates a new HTTPRequestMetrics.
func NewHTTPRequestMetrics() *HTTPRequestMetrics {
	return &HTTPRequestMetrics{
		Durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "A histogram of the HTTP request durations.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route", "status_code"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests being served.",
		}),
	}
}

// MustRegister registers metrics in Prometheus client and panics if any error occurs.
func (m *HTTPRequestMetrics) MustRegister() {
	prometheus.MustRegister(m.Durations, m.InFlight)
}

// Unregister unregisters metrics in Prometheus client.
func (m *HTTPRequestMetrics) Unregister() {
	prometheus.Unregister(m.Durations)
	prometheus.Unregister(m.InFlight)
}

// Middleware collects request metrics for every served request.
func (m *HTTPRequestMetrics) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			m.InFlight.Inc()
			defer m.InFlight.Dec()

			wrapped := &responseWriterWrapper{ResponseWriter: rw}
			start := time.Now()
			next.ServeHTTP(wrapped, r)

			route := "unknown"
			if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
				if pattern := routeCtx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			m.Durations.With(prometheus.Labels{
				"method":      r.Method,
				"route":       route,
				"status_code": strconv.Itoa(wrapped.status),
			}).Observe(time.Since(start).Seconds())
		})
	}
}
