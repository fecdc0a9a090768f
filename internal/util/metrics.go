package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingEventsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_events_received_total",
		Help: "Total number of booking events consumed",
	})

	BookingEventsDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_events_duplicate_total",
		Help: "Total number of redelivered booking events dropped by deduplication",
	})

	BookingEventsInvalidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_events_invalid_total",
		Help: "Total number of booking events rejected as invalid",
	})

	OrdersPersistedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_persisted_total",
		Help: "Total number of orders durably written to the ledger",
	})

	OrdersFulfilledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_fulfilled_total",
		Help: "Total number of orders that reached INVENTORY_UPDATED",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of orders that ended in FAILED",
	}, []string{"reason"})

	InventoryUpdateLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_update_latency_seconds",
		Help:    "Latency of inventory update calls including retries",
		Buckets: prometheus.DefBuckets,
	})

	InventoryUpdateRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_update_retries_total",
		Help: "Total number of inventory update retry attempts",
	})

	SweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciliation_sweep_runs_total",
		Help: "Total number of reconciliation sweep executions",
	})

	SweepRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciliation_sweep_recovered_total",
		Help: "Total number of stuck orders promoted to INVENTORY_UPDATED by the sweep",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
