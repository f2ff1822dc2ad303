package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	return rec.Body.String()
}

func TestInstancesAreIndependent(t *testing.T) {
	a := New()
	b := New()

	a.JobsDropped.Inc()
	if out := scrape(t, a); !strings.Contains(out, "buyscope_dispatch_jobs_dropped_total 1") {
		t.Fatalf("expected 1 dropped job:\n%s", out)
	}
	if out := scrape(t, b); !strings.Contains(out, "buyscope_dispatch_jobs_dropped_total 0") {
		t.Fatalf("expected independent registry:\n%s", out)
	}
}

func TestHandlerExposesLabelledCollectors(t *testing.T) {
	m := New()
	m.BuysClassified.WithLabelValues("bsc").Add(3)

	if out := scrape(t, m); !strings.Contains(out, `buyscope_events_buys_total{chain="bsc"} 3`) {
		t.Fatalf("metrics output missing buys counter:\n%s", out)
	}
}
