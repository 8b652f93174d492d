package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "bastion_access"

var (
	// RequestsProcessed counts processed grant, removal and shutdown requests by outcome.
	RequestsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Processed requests by path and outcome.",
	}, []string{"path", "outcome"})

	// StageFailures counts aborted requests per stage and error kind.
	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_failures_total",
		Help:      "Aborted requests per lifecycle stage and error kind.",
	}, []string{"stage", "kind"})

	// APICalls counts raw provider API calls.
	APICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_calls_total",
		Help:      "Raw provider API call counts.",
	}, []string{"endpoint", "status"})

	// APIDuration records provider API latency.
	APIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_duration_seconds",
		Help:      "Provider API call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"endpoint"})

	// LeasesScheduled counts one-shot removal schedules created or replaced.
	LeasesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leases_scheduled_total",
		Help:      "Removal schedules created or replaced.",
	})

	// PermanentGrants counts grants that reused an ACL entry outside the reserved pool.
	PermanentGrants = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "permanent_grants_total",
		Help:      "Grants matched to a pre-existing ACL entry outside the reserved pool.",
	})

	// PollAttempts counts status polls per wait phase.
	PollAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_attempts_total",
		Help:      "Status polls per wait phase.",
	}, []string{"phase"})

	// PowerTransitionDuration records how long start/stop transitions took.
	PowerTransitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "power_transition_seconds",
		Help:      "Bastion power transition duration in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"direction"})

	// ACLPoolFree tracks free rule numbers in the reserved ACL pool as last observed.
	ACLPoolFree = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "acl_pool_free",
		Help:      "Free rule numbers in the reserved ACL pool at the last grant.",
	})

	// PendingSchedules tracks removal schedules held by the local backend.
	PendingSchedules = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_schedules",
		Help:      "Removal schedules waiting to fire in the local backend.",
	})
)

// Push sends the default registry to a Pushgateway. A short-lived Lambda
// invocation has no scrape window, so this is called once per invocation.
func Push(url, job string) error {
	if url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(prometheus.DefaultGatherer).Push(); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
