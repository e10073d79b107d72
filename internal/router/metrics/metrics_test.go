package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordOutcome(t *testing.T) {
	m := New("")
	m.RecordOutcome(OutcomeRouted)
	m.RecordOutcome(OutcomeRouted)
	m.RecordOutcome(OutcomeDuplicate)

	expected := `
# HELP dialtest_router_calls_total Inbound call notifications by routing outcome
# TYPE dialtest_router_calls_total counter
dialtest_router_calls_total{outcome="duplicate"} 1
dialtest_router_calls_total{outcome="routed"} 2
`
	if err := testutil.CollectAndCompare(m.CallsTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric output: %v", err)
	}
}

func TestAgentsGaugeAndRedirect(t *testing.T) {
	m := New("")
	m.SetAgents(3)
	if got := testutil.ToFloat64(m.Agents); got != 3 {
		t.Errorf("agents = %v, want 3", got)
	}

	m.RecordRedirect(120 * time.Millisecond)
	if testutil.CollectAndCount(m.RedirectDuration) != 1 {
		t.Error("redirect histogram not collected")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New("")
	m.RecordWebhookEvent("IncomingCall")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`dialtest_router_webhook_events_total{type="IncomingCall"} 1`,
		"dialtest_router_agents 0",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestEventFeedMetrics(t *testing.T) {
	m := New("")
	var dropped int64 = 2
	m.WatchDroppedEvents(func() int64 { return dropped })
	m.RecordEvent("call.routed")
	m.RecordEvent("call.routed")

	if got := testutil.ToFloat64(m.Events.WithLabelValues("call.routed")); got != 2 {
		t.Errorf("call.routed = %v, want 2", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "dialtest_router_events_dropped_total 2") {
		t.Error("dropped counter not exposed")
	}
}
