package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the factory-level instrumentation. Every factory gets its
// own set, labeled with the factory name, registered on the supplied
// Registerer (or a private registry when none is given).
type Metrics struct {
	registry prometheus.Registerer

	processed      *prometheus.CounterVec
	rollbacks      *prometheus.CounterVec
	droppedReplies prometheus.Counter
	initiations    *prometheus.CounterVec
	processSeconds *prometheus.HistogramVec
}

func newMetrics(registerer prometheus.Registerer, factoryName string) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	constLabels := prometheus.Labels{"factory": factoryName}

	m := &Metrics{
		registry: registerer,
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "stageflow",
			Name:        "messages_processed_total",
			Help:        "Messages processed and committed, per stage.",
			ConstLabels: constLabels,
		}, []string{"stage"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "stageflow",
			Name:        "messages_rolled_back_total",
			Help:        "Stage executions rolled back for redelivery, per stage.",
			ConstLabels: constLabels,
		}, []string{"stage"}),
		droppedReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "stageflow",
			Name:        "replies_dropped_total",
			Help:        "Replies silently dropped because the stack was empty.",
			ConstLabels: constLabels,
		}),
		initiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "stageflow",
			Name:        "initiations_total",
			Help:        "Initiations performed, per initiator.",
			ConstLabels: constLabels,
		}, []string{"initiator"}),
		processSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "stageflow",
			Name:        "stage_process_seconds",
			Help:        "Wall time of one receive-process-commit cycle, per stage.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"stage"}),
	}

	registerer.MustRegister(m.processed, m.rollbacks, m.droppedReplies, m.initiations, m.processSeconds)
	return m
}

// DroppedReplies returns the observable counter for empty-stack replies.
func (m *Metrics) DroppedReplies() prometheus.Counter { return m.droppedReplies }
