package spreadsheet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/vogtb/go-spreadsheet/packages/spreadsheet")

var (
	transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadsheet_transactions_total",
		Help: "Transactions finished, by outcome",
	}, []string{"outcome"})

	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadsheet_executions_total",
		Help: "Code cell executions, by language and outcome",
	}, []string{"language", "outcome"})

	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spreadsheet_execution_duration_seconds",
		Help:    "Duration of code cell executions",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
	}, []string{"language"})

	cascadeIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spreadsheet_cascade_iterations",
		Help:    "Dirty queue pops per committed transaction",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	cycleAbortsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spreadsheet_cycle_aborts_total",
		Help: "Cascades cut short by the iteration budget",
	})
)
