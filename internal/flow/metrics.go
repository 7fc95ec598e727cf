package flow

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report coaching activity.
type Metrics struct {
	chatRequests   *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	toolCalls      *prometheus.CounterVec
	agentRounds    prometheus.Histogram
	activeRequests prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns metrics registered with the global Prometheus
// registry. Collectors are created only once.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs Metrics on reg. Collectors already registered
// under the same name are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		chatRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wellness",
				Subsystem: "coach",
				Name:      "chat_requests_total",
				Help:      "Chat requests by outcome.",
			},
			[]string{"outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "wellness",
				Subsystem: "coach",
				Name:      "stage_duration_seconds",
				Help:      "Duration spent in each chat pipeline stage.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage", "status"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wellness",
				Subsystem: "agent",
				Name:      "tool_calls_total",
				Help:      "Tool calls executed on behalf of the agent.",
			},
			[]string{"tool", "status"},
		),
		agentRounds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "wellness",
				Subsystem: "agent",
				Name:      "tool_rounds",
				Help:      "Tool rounds needed before the agent produced a final reply.",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 10},
			},
		),
		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wellness",
				Subsystem: "coach",
				Name:      "active_requests",
				Help:      "Chat requests currently being processed.",
			},
		),
	}

	if c, err := registerOrReuse(reg, m.chatRequests); err == nil {
		m.chatRequests = c.(*prometheus.CounterVec)
	} else {
		panic(err)
	}
	if c, err := registerOrReuse(reg, m.stageDuration); err == nil {
		m.stageDuration = c.(*prometheus.HistogramVec)
	} else {
		panic(err)
	}
	if c, err := registerOrReuse(reg, m.toolCalls); err == nil {
		m.toolCalls = c.(*prometheus.CounterVec)
	} else {
		panic(err)
	}
	if c, err := registerOrReuse(reg, m.agentRounds); err == nil {
		m.agentRounds = c.(prometheus.Histogram)
	} else {
		panic(err)
	}
	if c, err := registerOrReuse(reg, m.activeRequests); err == nil {
		m.activeRequests = c.(prometheus.Gauge)
	} else {
		panic(err)
	}
	return m
}

func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector, nil
		}
		return nil, err
	}
	return c, nil
}

// IncChatRequest counts a finished chat request.
func (m *Metrics) IncChatRequest(outcome string) {
	if m == nil {
		return
	}
	m.chatRequests.WithLabelValues(outcome).Inc()
}

// ObserveStage records the time spent in a pipeline stage.
func (m *Metrics) ObserveStage(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

// ObserveToolCall counts a tool call. Its signature matches tools.CallObserver.
func (m *Metrics) ObserveToolCall(tool, status string, _ time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
}

// ObserveAgentRounds records the tool rounds of one invocation.
func (m *Metrics) ObserveAgentRounds(rounds int) {
	if m == nil {
		return
	}
	m.agentRounds.Observe(float64(rounds))
}

func (m *Metrics) trackActive() func() {
	if m == nil {
		return func() {}
	}
	m.activeRequests.Inc()
	return m.activeRequests.Dec
}
