// Package metrics exports messaging metrics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cmwolfe/msgbook/messaging"
)

const namespace = "msgbook"

// DefaultDurationBuckets spans sub-millisecond replies up to the default request timeout.
var DefaultDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// PrometheusCollector implements messaging.MetricsCollector on Prometheus vectors.
type PrometheusCollector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	publishesTotal  *prometheus.CounterVec
	deliveriesTotal *prometheus.CounterVec
	pending         prometheus.Gauge
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates the collector and registers it on reg.
// A nil registerer leaves the vectors unregistered.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "request",
			Name:      "total",
			Help:      "Request/reply exchanges by destination and outcome.",
		}, []string{"destination", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "request",
			Name:      "duration_seconds",
			Help:      "Time from sending a request until its outcome was known.",
			Buckets:   DefaultDurationBuckets,
		}, []string{"destination", "outcome"}),
		publishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "total",
			Help:      "Messages handed to the transport by destination and result.",
		}, []string{"destination", "result"}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "total",
			Help:      "Inbound messages by dispatch route.",
		}, []string{"route"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "request",
			Name:      "pending",
			Help:      "Requests awaiting a reply.",
		}),
	}
	if reg == nil {
		return c, nil
	}
	var err error
	if c.requestsTotal, err = register(reg, c.requestsTotal); err != nil {
		return nil, err
	}
	if c.requestDuration, err = register(reg, c.requestDuration); err != nil {
		return nil, err
	}
	if c.publishesTotal, err = register(reg, c.publishesTotal); err != nil {
		return nil, err
	}
	if c.deliveriesTotal, err = register(reg, c.deliveriesTotal); err != nil {
		return nil, err
	}
	if c.pending, err = register(reg, c.pending); err != nil {
		return nil, err
	}
	return c, nil
}

// register adopts an already registered collector of the same shape.
func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return col, err
	}
	return col, nil
}

// MustNewPrometheusCollector is like NewPrometheusCollector but panics on registration errors.
func MustNewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c, err := NewPrometheusCollector(reg)
	if err != nil {
		panic(err)
	}
	return c
}

// RecordRequest implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordRequest(destination string, outcome string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(destination, outcome).Inc()
	c.requestDuration.WithLabelValues(destination, outcome).Observe(duration.Seconds())
}

// RecordPublish implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordPublish(destination string, success bool) {
	result := "ok"
	if !success {
		result = "error"
	}
	c.publishesTotal.WithLabelValues(destination, result).Inc()
}

// RecordDelivery implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordDelivery(route string) {
	c.deliveriesTotal.WithLabelValues(route).Inc()
}

// SetPending implements messaging.MetricsCollector
func (c *PrometheusCollector) SetPending(n int) {
	c.pending.Set(float64(n))
}

// Server exposes a registry on /metrics
type Server struct {
	srv      *http.Server
	listener net.Listener
}

// Serve starts an HTTP server for gatherer on addr. Use ":0" for a random port.
func Serve(addr string, gatherer prometheus.Gatherer, logger *slog.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s := &Server{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: listener,
	}
	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", listener.Addr().String())
	return s, nil
}

// Addr returns the address the server listens on
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
