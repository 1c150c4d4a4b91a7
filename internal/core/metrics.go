package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	movementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mrp_stock_movements_total",
		Help: "Stock movements journaled, by movement type.",
	}, []string{"type"})

	orderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mrp_manufacturing_order_transitions_total",
		Help: "Manufacturing order state transitions, by target status.",
	}, []string{"status"})

	// averageCostUpdateFailures is the observability hook for the
	// best-effort weighted-average cost update: failures are swallowed
	// so they never block the movement, but they must stay visible.
	averageCostUpdateFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mrp_average_cost_update_failures_total",
		Help: "Weighted-average cost updates that failed and were skipped.",
	})
)
