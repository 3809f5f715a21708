package importer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loadergate",
		Subsystem: "import",
		Name:      "rows_total",
		Help:      "Imported rows by action and result.",
	}, []string{"action", "result"})

	rowsRerouted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "loadergate",
		Subsystem: "import",
		Name:      "rows_rerouted_total",
		Help:      "CREATE rows applied as updates because the loader already existed.",
	})

	batchesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loadergate",
		Subsystem: "import",
		Name:      "batches_total",
		Help:      "Completed import batches.",
	}, []string{"dry_run"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "loadergate",
		Subsystem: "import",
		Name:      "batch_duration_seconds",
		Help:      "Wall time of import batches.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	batchSlotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "loadergate",
		Subsystem: "import",
		Name:      "batch_slots_in_use",
		Help:      "Import batches currently holding a limiter slot.",
	})

	importsRefused = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "loadergate",
		Subsystem: "import",
		Name:      "refused_total",
		Help:      "Batches refused because no slot freed up in time.",
	})
)
