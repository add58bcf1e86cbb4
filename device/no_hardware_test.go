package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func twoStepSequence() *Sequence {
	return &Sequence{Pulses: []Pulse{
		{Duration: 1000, Digital: 0x1, Analog: []float64{0.5, 0}},
		{Duration: 1000, Digital: 0x0, Analog: []float64{-0.5, 0}},
	}}
}

func TestNoHardware(t *testing.T) {
	ctx := context.Background()
	nh := NewNoHardware(DefaultCapabilities)
	if nh.IsStreaming() {
		t.Error("NoHardware is streaming before Stream")
	}
	final := OutputState{Digital: 0x3, Analog: []float64{0.25, 0}}
	if err := nh.Stream(ctx, twoStepSequence(), Indefinite, final); err != nil {
		t.Fatal(err)
	}
	assert.True(t, nh.IsStreaming())
	assert.Equal(t, uint32(0x1), nh.Outputs().Digital)

	finished, err := nh.HasFinished(ctx)
	assert.NoError(t, err)
	assert.False(t, finished, "indefinite stream should never finish")

	assert.NoError(t, nh.ForceFinal(ctx))
	assert.False(t, nh.IsStreaming())
	assert.Equal(t, final, nh.Outputs())

	zero := Zero(DefaultCapabilities)
	assert.NoError(t, nh.Constant(ctx, zero))
	assert.Equal(t, zero, nh.Outputs())

	s, f, c := nh.Calls()
	assert.Equal(t, []int{1, 1, 1}, []int{s, f, c})
	assert.NotEmpty(t, nh.Inspect())

	assert.NoError(t, nh.Close())
	assert.Error(t, nh.Close(), "second Close should fail")
	assert.Error(t, nh.Stream(ctx, twoStepSequence(), 1, zero))
}

func TestNoHardwareBoundedFinishes(t *testing.T) {
	ctx := context.Background()
	nh := NewNoHardware(DefaultCapabilities)
	final := Zero(DefaultCapabilities)
	if err := nh.Stream(ctx, twoStepSequence(), 3, final); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		finished, err := nh.HasFinished(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if finished {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bounded stream of 6 µs did not finish within 1 s")
		}
		time.Sleep(time.Millisecond)
	}
	assert.False(t, nh.IsStreaming())
	assert.Equal(t, final, nh.Outputs())
}

func TestNoHardwareRejects(t *testing.T) {
	ctx := context.Background()
	nh := NewNoHardware(DefaultCapabilities)
	zero := Zero(DefaultCapabilities)

	var tests = []struct {
		name  string
		seq   *Sequence
		nRuns int64
	}{
		{"empty", &Sequence{}, 1},
		{"zero duration", &Sequence{Pulses: []Pulse{{Duration: 0}}}, 1},
		{"digital mask beyond 8 channels", &Sequence{Pulses: []Pulse{{Duration: 10, Digital: 0x100}}}, 1},
		{"too many analog", &Sequence{Pulses: []Pulse{{Duration: 10, Analog: []float64{0, 0, 0}}}}, 1},
		{"analog over range", &Sequence{Pulses: []Pulse{{Duration: 10, Analog: []float64{1.5, 0}}}}, 1},
		{"analog under range", &Sequence{Pulses: []Pulse{{Duration: 10, Analog: []float64{0, -1.01}}}}, 1},
		{"zero runs", twoStepSequence(), 0},
		{"runs below -1", twoStepSequence(), -2},
	}
	for _, test := range tests {
		if err := nh.Stream(ctx, test.seq, test.nRuns, zero); err == nil {
			t.Errorf("NoHardware.Stream(%s) succeeded, want error", test.name)
		}
	}
	assert.False(t, nh.IsStreaming())

	busy := errors.New("channel busy")
	nh.FailNextStream(busy)
	assert.ErrorIs(t, nh.Stream(ctx, twoStepSequence(), 1, zero), busy)
	assert.NoError(t, nh.Stream(ctx, twoStepSequence(), 1, zero), "failure injection should apply once")
}

func TestConnectSim(t *testing.T) {
	h, err := Connect(context.Background(), "sim://bench")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := h.(*NoHardware); !ok {
		t.Errorf("Connect(sim://bench) returned %T, want *NoHardware", h)
	}
	assert.Equal(t, DefaultCapabilities, h.Capabilities())
	if _, err := Connect(context.Background(), "  "); err == nil {
		t.Error("Connect with empty address should fail")
	}
}

func TestDigitalCount(t *testing.T) {
	var tests = []struct {
		declared, want int
	}{
		{8, 8}, {4, 4}, {12, 8}, {40, 8}, {0, 0}, {-1, 0},
	}
	for _, test := range tests {
		caps := Capabilities{DigitalChannels: test.declared}
		if got := caps.DigitalCount(); got != test.want {
			t.Errorf("DigitalCount() with %d declared = %d, want %d", test.declared, got, test.want)
		}
	}

	// A device declaring more channels than the wire carries still refuses them.
	caps := DefaultCapabilities
	caps.DigitalChannels = 12
	nh := NewNoHardware(caps)
	seq := &Sequence{Pulses: []Pulse{{Duration: 10, Digital: 1 << 9, Analog: []float64{0, 0}}}}
	assert.Error(t, nh.Stream(context.Background(), seq, 1, Zero(caps)))
}
