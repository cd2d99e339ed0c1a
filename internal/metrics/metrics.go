package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	deploys = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "bot",
			Name:      "deploys_total",
			Help:      "Deploy attempts by result.",
		}, []string{"result"},
	)
	stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "bot",
			Name:      "stops_total",
			Help:      "Bots leaving Running, by reason.",
		}, []string{"reason"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "bot",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botvisor",
			Subsystem: "bot",
			Name:      "current_state",
			Help:      "Current lifecycle state of bots (1 = active state, 0 = inactive).",
		}, []string{"bot", "state"},
	)
	heartbeatAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botvisor",
			Subsystem: "bot",
			Name:      "last_heartbeat_age_seconds",
			Help:      "Seconds since the last heartbeat was received.",
		}, []string{"bot"},
	)

	eventsPersisted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "reconciler",
			Name:      "events_persisted_total",
			Help:      "Events written to the durable log.",
		}, []string{"kind"},
	)
	duplicates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "reconciler",
			Name:      "duplicate_events_total",
			Help:      "Events discarded as already seen.",
		},
	)
	gaps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "reconciler",
			Name:      "sequence_gaps_total",
			Help:      "Missing sequence numbers observed between consecutive events.",
		},
	)
	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "reconciler",
			Name:      "ignored_messages_total",
			Help:      "Broker messages ignored, by cause.",
		}, []string{"cause"},
	)
	flushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "botvisor",
			Subsystem: "reconciler",
			Name:      "flush_duration_seconds",
			Help:      "Time spent committing one batch.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	flushErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "reconciler",
			Name:      "flush_errors_total",
			Help:      "Failed batch commits.",
		},
	)
	resubscribes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "broker",
			Name:      "resubscribes_total",
			Help:      "Subscriptions re-established after a disconnect.",
		},
	)
	archives = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "archive",
			Name:      "runs_total",
			Help:      "Archive attempts by result.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		deploys, stops, stateTransitions, currentStates, heartbeatAge,
		eventsPersisted, duplicates, gaps, dropped, flushDuration, flushErrors,
		resubscribes, archives,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncDeploy(result string) {
	if regOK.Load() {
		deploys.WithLabelValues(result).Inc()
	}
}

func IncStop(reason string) {
	if regOK.Load() {
		stops.WithLabelValues(reason).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(bot, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(bot, state).Set(value)
	}
}

// ForgetBot drops per-bot series once a bot is gone.
func ForgetBot(bot string) {
	if regOK.Load() {
		currentStates.DeletePartialMatch(prometheus.Labels{"bot": bot})
		heartbeatAge.DeleteLabelValues(bot)
	}
}

func SetHeartbeatAge(bot string, seconds float64) {
	if regOK.Load() {
		heartbeatAge.WithLabelValues(bot).Set(seconds)
	}
}

func AddEventsPersisted(kind string, n int) {
	if regOK.Load() {
		eventsPersisted.WithLabelValues(kind).Add(float64(n))
	}
}

func IncDuplicate() {
	if regOK.Load() {
		duplicates.Inc()
	}
}

func AddGap(missing uint64) {
	if regOK.Load() {
		gaps.Add(float64(missing))
	}
}

func IncIgnored(cause string) {
	if regOK.Load() {
		dropped.WithLabelValues(cause).Inc()
	}
}

func ObserveFlush(seconds float64, err error) {
	if regOK.Load() {
		flushDuration.Observe(seconds)
		if err != nil {
			flushErrors.Inc()
		}
	}
}

func IncResubscribe() {
	if regOK.Load() {
		resubscribes.Inc()
	}
}

func IncArchive(result string) {
	if regOK.Load() {
		archives.WithLabelValues(result).Inc()
	}
}
