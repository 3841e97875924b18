package recalc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// writesTotal counts write operations by kind
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recalc_writes_total",
		Help: "Total cell writes by kind",
	}, []string{"kind"})

	// cellsDirtied counts formula cells transitioned to dirty
	cellsDirtied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recalc_cells_dirtied_total",
		Help: "Total formula cells marked dirty",
	})

	// evaluationsTotal counts formula evaluations by result
	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recalc_evaluations_total",
		Help: "Total formula evaluations by result",
	}, []string{"result"})

	// cacheHits counts reads answered from a clean cache
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recalc_cache_hits_total",
		Help: "Total reads served from the cached value",
	})

	// brokenCells counts formula cells that became broken
	brokenCells = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recalc_broken_cells_total",
		Help: "Total formula cells broken by cause",
	}, []string{"cause"})

	// evaluationDuration tracks a single formula evaluation, precedents included
	evaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recalc_evaluation_duration_seconds",
		Help:    "Formula evaluation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
	})
)

const (
	resultOK       = "ok"
	resultError    = "error"
	resultCircular = "circular"

	causeSheetDeleted = "sheet_deleted"
	causeShift        = "structural_shift"
)
