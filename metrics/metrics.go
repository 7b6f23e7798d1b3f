package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors exported by both binaries.
type Metrics struct {
	// HTTP requests (method, path, status_code)
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP latency (method, path)
	HTTPRequestDuration *prometheus.HistogramVec

	// hold attempts (result: ok, refreshed, already_booked, held_by_other, invalid, error)
	HoldsTotal *prometheus.CounterVec

	// book attempts (result: ok, conflict, expired_hold, invalid, error)
	BookingsTotal *prometheus.CounterVec

	// holds removed by release, batch release, booking and the sweeper (reason)
	HoldsRemovedTotal *prometheus.CounterVec

	// time spent waiting for a show's lock
	LockWaitDuration prometheus.Histogram

	// messages published to subscribers (kind: delta, reload) and dropped ones
	BroadcastsTotal *prometheus.CounterVec
	BroadcastDrops  prometheus.Counter

	// connected websocket subscribers
	Subscribers prometheus.Gauge
}

func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers every collector on reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HoldsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seat_holds_total",
				Help: "Hold attempts by result",
			},
			[]string{"result"},
		),
		BookingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seat_bookings_total",
				Help: "Book attempts by result",
			},
			[]string{"result"},
		),
		HoldsRemovedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seat_holds_removed_total",
				Help: "Holds removed by reason",
			},
			[]string{"reason"},
		),
		LockWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "show_lock_wait_seconds",
				Help:    "Time spent waiting for a show partition lock",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 2},
			},
		),
		BroadcastsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seat_broadcasts_total",
				Help: "Seat state messages published",
			},
			[]string{"kind"},
		),
		BroadcastDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "seat_broadcast_drops_total",
				Help: "Messages dropped because a subscriber buffer was full",
			},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "seat_subscribers",
				Help: "Currently connected subscribers",
			},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HoldsTotal,
		m.BookingsTotal,
		m.HoldsRemovedTotal,
		m.LockWaitDuration,
		m.BroadcastsTotal,
		m.BroadcastDrops,
		m.Subscribers,
	)

	return m
}

// Nop returns collectors registered on a throwaway registry, for callers
// that don't export metrics.
func Nop() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}
