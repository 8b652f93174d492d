package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/developingchet/bastion-access/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetricCollectorsNonNil verifies the package-level collectors exist and
// pass Prometheus linting rules.
func TestMetricCollectorsNonNil(t *testing.T) {
	tests := []struct {
		name string
		c    prometheus.Collector
	}{
		{"RequestsProcessed", metrics.RequestsProcessed},
		{"StageFailures", metrics.StageFailures},
		{"APICalls", metrics.APICalls},
		{"APIDuration", metrics.APIDuration},
		{"LeasesScheduled", metrics.LeasesScheduled},
		{"PermanentGrants", metrics.PermanentGrants},
		{"PollAttempts", metrics.PollAttempts},
		{"PowerTransitionDuration", metrics.PowerTransitionDuration},
		{"ACLPoolFree", metrics.ACLPoolFree},
		{"PendingSchedules", metrics.PendingSchedules},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.c == nil {
				t.Fatal("collector is nil")
			}
			lintErrs, err := testutil.CollectAndLint(tc.c)
			if err != nil {
				t.Errorf("CollectAndLint gather error: %v", err)
			}
			if len(lintErrs) > 0 {
				t.Errorf("prometheus lint errors: %v", lintErrs)
			}
		})
	}
}

// TestMetricNamespace verifies every collector is registered under the
// bastion_access_ namespace.
func TestMetricNamespace(t *testing.T) {
	for _, c := range []prometheus.Collector{
		metrics.RequestsProcessed, metrics.StageFailures, metrics.APICalls,
		metrics.LeasesScheduled, metrics.ACLPoolFree,
	} {
		ch := make(chan *prometheus.Desc, 4)
		c.Describe(ch)
		close(ch)
		for d := range ch {
			if !strings.Contains(d.String(), `fqName: "bastion_access_`) {
				t.Errorf("descriptor outside namespace: %s", d.String())
			}
		}
	}
}

func TestRequestsProcessedIncrement(t *testing.T) {
	before := testutil.ToFloat64(metrics.RequestsProcessed.WithLabelValues("grant", "test"))
	metrics.RequestsProcessed.WithLabelValues("grant", "test").Inc()
	after := testutil.ToFloat64(metrics.RequestsProcessed.WithLabelValues("grant", "test"))
	if after-before != 1 {
		t.Errorf("expected increment of 1, got %v", after-before)
	}
}

func TestPushNoURL(t *testing.T) {
	if err := metrics.Push("", "bastion-access"); err != nil {
		t.Errorf("Push with empty URL: %v", err)
	}
}

func TestPushGateway(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := metrics.Push(srv.URL, "bastion-access"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !strings.Contains(gotPath, "/metrics/job/bastion-access") {
		t.Errorf("unexpected push path %q", gotPath)
	}
}
