package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ridesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_rides_submitted_total",
		Help: "Ride submissions by admission result.",
	}, []string{"result"})

	wavesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_waves_started_total",
		Help: "Offer waves launched.",
	})

	offersSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_offers_sent_total",
		Help: "Individual offers delivered to drivers.",
	})

	offersUndeliverable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_offers_undeliverable_total",
		Help: "Offers to drivers whose connection was gone.",
	})

	rejectionsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_rejections_total",
		Help: "Recorded rejections by reason.",
	}, []string{"reason"})

	ordersAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_orders_accepted_total",
		Help: "Orders that found a driver.",
	})

	ordersExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_orders_exhausted_total",
		Help: "Orders cancelled after all waves failed.",
	})

	timeToAccept = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_time_to_accept_seconds",
		Help:    "Seconds from submission to acceptance.",
		Buckets: []float64{1, 2, 5, 10, 20, 40, 60, 120},
	})

	dirtyOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_dirty_orders",
		Help: "Terminal orders awaiting a successful storage write.",
	})
)
