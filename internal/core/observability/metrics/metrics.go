// Package metrics declares the prometheus collectors of the store. Collectors
// are package level and registered once with Register.
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "worldstore"

var ApplyResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "world",
	Name:      "apply_results",
	Help:      "Transactions by outcome.",
}, []string{"backend", "result"})

var ApplyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "world",
	Name:      "apply_duration_seconds",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
}, []string{"backend"})

var ApplyRetries = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "world",
	Name:      "apply_retries",
	Help:      "Transactions rebuilt after a rejection.",
})

var MalformedChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "world",
	Name:      "malformed_changes",
	Help:      "Logged changes dropped because they could not be decoded.",
}, []string{"backend"})

var SubscriptionCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "subscription",
	Name:      "active",
})

var SubscriptionChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "subscription",
	Name:      "changes",
	Help:      "Changes seen by subscriptions at each stage: received, aggregated, filtered.",
}, []string{"stage"})

var SubscriptionFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "subscription",
	Name:      "flushes",
}, []string{"phase"})

var SubscriptionLag = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "subscription",
	Name:      "lag_seconds",
	Help:      "Age of the last log entry read by a subscription.",
})

var BootstrapEntities = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "subscription",
	Name:      "bootstrap_entities",
})

var ReplicaState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "replica",
	Name:      "state",
	Help:      "1 for the current state of each replica.",
}, []string{"replica", "state"})

var ReplicaReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "replica",
	Name:      "reconnects",
}, []string{"replica", "reason"})

var ServerConnections = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "server",
	Name:      "connections",
})

var ServerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "server",
	Name:      "requests",
}, []string{"method", "result"})

var (
	registerOnce sync.Once
	registerErr  error
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ApplyResults,
		ApplyDuration,
		ApplyRetries,
		MalformedChanges,
		SubscriptionCount,
		SubscriptionChanges,
		SubscriptionFlushes,
		SubscriptionLag,
		BootstrapEntities,
		ReplicaState,
		ReplicaReconnects,
		ServerConnections,
		ServerRequests,
	}
}

// Register adds every collector to reg. Only the first call has an effect.
func Register(reg prometheus.Registerer) error {
	registerOnce.Do(func() {
		for _, c := range collectors() {
			if err := reg.Register(c); err != nil {
				var already prometheus.AlreadyRegisteredError
				if !errors.As(err, &already) {
					registerErr = err
					return
				}
			}
		}
	})
	return registerErr
}
