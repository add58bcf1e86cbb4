package pulsetester

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.runStarted()
	m.runEnded(true)
	m.runStarted()
	m.runEnded(false)
	m.streamError()
	m.channelTested(Digital, ChannelState{Status: ChannelTested}, 3*time.Millisecond)
	m.channelTested(Analog, ChannelState{Status: ChannelError, Message: "x"}, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsStopped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsCompleted))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.streaming))

	expected := `
# HELP pulsetester_channel_tests_total Finished channel tests by signal kind and result.
# TYPE pulsetester_channel_tests_total counter
pulsetester_channel_tests_total{kind="analog",result="Error"} 1
pulsetester_channel_tests_total{kind="digital",result="Tested"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pulsetester_channel_tests_total"))
	count, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Equal(t, 8, count)

	// A nil Metrics records nothing and does not panic.
	var none *Metrics
	none.runStarted()
	none.runEnded(false)
	none.streamError()
	none.channelTested(Digital, ChannelState{}, 0)

	// Without a registry the collectors still count.
	unregistered := NewMetrics(nil)
	unregistered.streamError()
	assert.Equal(t, 1.0, testutil.ToFloat64(unregistered.streamErrors))
}
