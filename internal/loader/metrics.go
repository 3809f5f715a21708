package loader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/JonMunkholm/loadergate/internal/errs"
)

var (
	lifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loadergate",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Loader version lifecycle operations broken down by operation and outcome.",
	}, []string{"op", "result"})

	lifecycleConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loadergate",
		Subsystem: "lifecycle",
		Name:      "conflicts_total",
		Help:      "Uniqueness conflicts raised by loader version writes, by operation.",
	}, []string{"op"})
)

func recordTransition(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errs.IsConflict(err):
		result = "conflict"
		lifecycleConflicts.WithLabelValues(op).Inc()
	case errs.IsValidation(err):
		result = "invalid"
	case errs.IsInvalidState(err):
		result = "invalid_state"
	case errs.IsAuthorization(err):
		result = "forbidden"
	default:
		result = "error"
	}
	lifecycleTransitions.WithLabelValues(op, result).Inc()
}
