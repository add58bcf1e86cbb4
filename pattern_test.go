package pulsetester

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePattern(t *testing.T) {
	samples := []Sample{{1000, 1}, {1000, 0}}
	p, err := ValidatePattern(samples, Digital)
	require.NoError(t, err)
	assert.Equal(t, Digital, p.Kind())
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, samples, p.Samples())
	assert.Equal(t, 2*time.Microsecond, p.Duration())
	assert.Equal(t, Sample{1000, 0}, p.Last())

	// The pattern keeps its own copy.
	samples[0].Level = 0
	assert.Equal(t, 1.0, p.Samples()[0].Level)
	out := p.Samples()
	out[1].Duration = 5
	assert.Equal(t, int64(1000), p.Samples()[1].Duration)

	analog := []Sample{{1000, 0.5}, {1000, -0.5}, {10, 3.7}}
	if _, err := ValidatePattern(analog, Analog); err != nil {
		t.Errorf("ValidatePattern(%v, Analog) error: %v", analog, err)
	}
}

func TestValidatePatternErrors(t *testing.T) {
	tests := []struct {
		name    string
		samples []Sample
		kind    SignalKind
		index   int
	}{
		{"empty", []Sample{}, Digital, -1},
		{"nil", nil, Analog, -1},
		{"digital level 0.5", []Sample{{10, 1}, {10, 0.5}}, Digital, 1},
		{"digital level 2", []Sample{{10, 2}}, Digital, 0},
		{"zero duration", []Sample{{10, 1}, {0, 0}}, Digital, 1},
		{"negative duration", []Sample{{-5, 0.1}}, Analog, 0},
		{"NaN level", []Sample{{10, 0}, {10, 0}, {10, math.NaN()}}, Analog, 2},
		{"Inf level", []Sample{{10, math.Inf(-1)}}, Analog, 0},
		{"unknown kind", []Sample{{10, 0}}, SignalKind(7), -1},
	}
	for _, test := range tests {
		p, err := ValidatePattern(test.samples, test.kind)
		if p != nil {
			t.Errorf("%s: ValidatePattern returned a pattern, want nil", test.name)
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: ValidatePattern error %v, want *ValidationError", test.name, err)
			continue
		}
		assert.Equal(t, test.index, verr.Index, test.name)
		assert.NotEmpty(t, verr.Error(), test.name)
	}
}

func TestParseSignalKind(t *testing.T) {
	for _, s := range []string{"d", "D", "digital", " Digital "} {
		kind, err := ParseSignalKind(s)
		assert.NoError(t, err, s)
		assert.Equal(t, Digital, kind, s)
	}
	for _, s := range []string{"a", "A", "analog", "ANALOG"} {
		kind, err := ParseSignalKind(s)
		assert.NoError(t, err, s)
		assert.Equal(t, Analog, kind, s)
	}
	_, err := ParseSignalKind("x")
	assert.Error(t, err)
	assert.Equal(t, "SignalKind(9)", SignalKind(9).String())
}

func TestSquareWave(t *testing.T) {
	samples := SquareWave(10000, 1, 0, 3)
	assert.Len(t, samples, 6)
	for i, s := range samples {
		want := 1.0
		if i%2 == 1 {
			want = 0
		}
		assert.Equal(t, Sample{10000, want}, s)
	}
	for _, kind := range []SignalKind{Digital, Analog} {
		if _, err := ValidatePattern(DefaultSamples(kind), kind); err != nil {
			t.Errorf("default %s waveform does not validate: %v", kind, err)
		}
	}
}
