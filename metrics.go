package pulsetester

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts runs and channel tests. A nil *Metrics records nothing.
type Metrics struct {
	runsStarted   prometheus.Counter
	runsStopped   prometheus.Counter
	runsCompleted prometheus.Counter
	streamErrors  prometheus.Counter
	streaming     prometheus.Gauge
	channelTests  *prometheus.CounterVec
	testSeconds   prometheus.Histogram
}

// NewMetrics creates the tester's collectors and registers them with reg,
// unless reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsetester_runs_started_total",
			Help: "Sequences accepted by the device.",
		}),
		runsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsetester_runs_stopped_total",
			Help: "Runs ended by Stop, forcing the final state.",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsetester_runs_completed_total",
			Help: "Bounded runs that played all their repetitions.",
		}),
		streamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsetester_stream_errors_total",
			Help: "Device or transport failures while starting or stopping a run.",
		}),
		streaming: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulsetester_streaming",
			Help: "1 while a sequence is streaming, else 0.",
		}),
		channelTests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsetester_channel_tests_total",
			Help: "Finished channel tests by signal kind and result.",
		}, []string{"kind", "result"}),
		testSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulsetester_channel_test_seconds",
			Help:    "Wall time of one channel test, Testing to Tested/Error.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runsStarted, m.runsStopped, m.runsCompleted, m.streamErrors,
			m.streaming, m.channelTests, m.testSeconds)
	}
	return m
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
	m.streaming.Set(1)
}

func (m *Metrics) runEnded(stopped bool) {
	if m == nil {
		return
	}
	if stopped {
		m.runsStopped.Inc()
	} else {
		m.runsCompleted.Inc()
	}
	m.streaming.Set(0)
}

func (m *Metrics) streamError() {
	if m == nil {
		return
	}
	m.streamErrors.Inc()
}

func (m *Metrics) channelTested(kind SignalKind, state ChannelState, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.channelTests.WithLabelValues(kind.String(), state.Status.String()).Inc()
	m.testSeconds.Observe(elapsed.Seconds())
}
