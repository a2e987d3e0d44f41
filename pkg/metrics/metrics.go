// Package metrics exposes prometheus instrumentation for the order pipeline
// and the wallet ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersTotal counts order commands by command and outcome.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "orders",
		Name:      "commands_total",
		Help:      "Order commands processed, by command and outcome.",
	}, []string{"command", "outcome"})

	// OrderRejections counts rejected orders by error code.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "orders",
		Name:      "rejections_total",
		Help:      "Rejected orders, by machine-readable error code.",
	}, []string{"code"})

	// FillsTotal counts paper-engine fills by order type.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "engine",
		Name:      "fills_total",
		Help:      "Simulated fills, by order type.",
	}, []string{"type"})

	// LedgerOpsTotal counts ledger primitives by kind and outcome.
	LedgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger operations, by transaction kind and outcome.",
	}, []string{"kind", "outcome"})

	// SecurityRejections counts security-gate failures by check.
	SecurityRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "security",
		Name:      "rejections_total",
		Help:      "Security check failures, by check name.",
	}, []string{"check"})
)
