package obs

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDomainCounters(t *testing.T) {
	m := NewMetrics()
	m.AccessDecision(true)
	m.AccessDecision(false)
	m.AccessDecision(false)
	m.DowngradeSkipped()
	m.Reparented(3)
	m.BulkRecord(true)
	m.BulkRecord(false)

	if got := testutil.ToFloat64(m.accessDecisions.WithLabelValues("deny")); got != 2 {
		t.Fatalf("deny decisions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.downgradesSkipped); got != 1 {
		t.Fatalf("downgrades skipped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.reparents); got != 1 {
		t.Fatalf("reparents = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.bulkRecords.WithLabelValues("failed")); got != 1 {
		t.Fatalf("bulk failed = %v, want 1", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.AccessDecision(true)
	m.Reconciled("created")
	m.RequestStarted()("GET", "/", 200)
	m.SetBuildInfo("dev", "none")
}

func TestHandlerExposesRequests(t *testing.T) {
	m := NewMetrics()
	m.SetBuildInfo("1.0.0", "abc123")
	done := m.RequestStarted()
	done("GET", "/v1/users/{id}", 200)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	text := string(body)
	if !strings.Contains(text, `http_requests_total{method="GET",route="/v1/users/{id}",status="200"} 1`) {
		t.Fatalf("request counter missing:\n%s", text)
	}
	if !strings.Contains(text, `build_info{commit="abc123",version="1.0.0"} 1`) {
		t.Fatalf("build_info missing")
	}
}
