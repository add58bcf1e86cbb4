package pulsetester

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelStatusText(t *testing.T) {
	for _, s := range []ChannelStatus{ChannelIdle, ChannelTesting, ChannelTested, ChannelError} {
		text, err := s.MarshalText()
		assert.NoError(t, err)
		var back ChannelStatus
		assert.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}
	var s ChannelStatus
	assert.Error(t, s.UnmarshalText([]byte("Broken")))
	assert.Equal(t, "ChannelStatus(9)", ChannelStatus(9).String())
}

func TestChannelState(t *testing.T) {
	assert.Equal(t, "Testing", ChannelState{Status: ChannelTesting}.String())
	assert.Equal(t, "Error(digital channel 2: no samples)",
		ChannelState{Status: ChannelError, Message: "digital channel 2: no samples"}.String())
	assert.False(t, ChannelState{Status: ChannelIdle}.IsFinal())
	assert.False(t, ChannelState{Status: ChannelTesting}.IsFinal())
	assert.True(t, ChannelState{Status: ChannelTested}.IsFinal())
	assert.True(t, ChannelState{Status: ChannelError}.IsFinal())

	var k SignalKind
	assert.NoError(t, k.UnmarshalText([]byte("analog")))
	assert.Equal(t, Analog, k)
	assert.Error(t, k.UnmarshalText([]byte("optical")))
}
