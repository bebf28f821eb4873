package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsHandlerExposesRegisteredCollectors(t *testing.T) {
	m := New()
	m.SetAgentsConnected(3)
	m.IncInFlight()
	m.ObserveCommand("system.exec", true)
	m.ObserveCommand("system.exec", false)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"fleetline_agents_connected 3",
		"fleetline_inflight_agent_requests 1",
		`fleetline_commands_total{method="system.exec",outcome="failure"} 1`,
		`fleetline_commands_total{method="system.exec",outcome="success"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestMetricsInstancesAreIndependent(t *testing.T) {
	a := New()
	b := New()
	a.SetAgentsConnected(5)
	b.SetAgentsConnected(1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)

	if strings.Contains(rec.Body.String(), "fleetline_agents_connected 5") {
		t.Fatal("second Metrics instance should not see the first instance's gauge value")
	}
}
