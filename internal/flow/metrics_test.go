package flow

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustNewMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := MustNewMetrics(reg)
	b := MustNewMetrics(reg)

	a.IncChatRequest(OutcomeAnswered)
	b.IncChatRequest(OutcomeAnswered)
	if got := promtest.ToFloat64(a.chatRequests.WithLabelValues(OutcomeAnswered)); got != 2 {
		t.Errorf("expected shared counter value 2, got %v", got)
	}

	a.ObserveToolCall("get_weather", "success", time.Millisecond)
	if got := promtest.ToFloat64(b.toolCalls.WithLabelValues("get_weather", "success")); got != 1 {
		t.Errorf("expected tool call count 1, got %v", got)
	}

	done := a.trackActive()
	if got := promtest.ToFloat64(a.activeRequests); got != 1 {
		t.Errorf("expected one active request, got %v", got)
	}
	done()
	if got := promtest.ToFloat64(a.activeRequests); got != 0 {
		t.Errorf("expected no active requests, got %v", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.IncChatRequest(OutcomeError)
	m.ObserveStage("gate", "pass", time.Second)
	m.ObserveToolCall("x", "error", 0)
	m.ObserveAgentRounds(3)
	m.trackActive()()
}
