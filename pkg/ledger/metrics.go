package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LookupsTotal tracks ledger lookups by backend and result
	LookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ftm_ledger_lookups_total",
			Help: "Total number of ledger lookups",
		},
		[]string{"backend", "result"}, // "hit", "miss"
	)

	// MarksTotal tracks marks written by backend
	MarksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ftm_ledger_marks_total",
			Help: "Total number of ledger marks written",
		},
		[]string{"backend"},
	)

	// ErrorsTotal tracks ledger operation errors
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ftm_ledger_errors_total",
			Help: "Total number of ledger operation errors",
		},
		[]string{"operation"}, // "get", "set"
	)
)
