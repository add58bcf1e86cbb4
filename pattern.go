package pulsetester

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// SignalKind says whether a channel is a digital or an analog output.
type SignalKind int

// Names for the possible values of SignalKind
const (
	Digital SignalKind = iota
	Analog
)

func (k SignalKind) String() string {
	switch k {
	case Digital:
		return "digital"
	case Analog:
		return "analog"
	}
	return fmt.Sprintf("SignalKind(%d)", int(k))
}

// ParseSignalKind accepts "d", "digital", "a" or "analog" in any case.
func ParseSignalKind(s string) (SignalKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "d", "digital":
		return Digital, nil
	case "a", "analog":
		return Analog, nil
	}
	return Digital, fmt.Errorf("signal kind %q is not digital (D) or analog (A)", s)
}

// Sample is one step of a channel waveform: hold Level for Duration ns.
type Sample struct {
	Duration int64
	Level    float64
}

// Pattern is a validated, immutable list of samples for one channel.
type Pattern struct {
	kind    SignalKind
	samples []Sample
}

// ValidationError reports a pattern that cannot be streamed. Index is the
// offending sample, or -1 when the problem is the pattern as a whole.
type ValidationError struct {
	Kind   SignalKind
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid %s pattern: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("invalid %s pattern: sample %d: %s", e.Kind, e.Index, e.Reason)
}

// ValidatePattern checks samples against the rules for kind and returns the
// Pattern that holds a private copy of them.
func ValidatePattern(samples []Sample, kind SignalKind) (*Pattern, error) {
	if kind != Digital && kind != Analog {
		return nil, &ValidationError{Kind: kind, Index: -1, Reason: "unknown signal kind"}
	}
	if len(samples) == 0 {
		return nil, &ValidationError{Kind: kind, Index: -1, Reason: "no samples"}
	}
	for i, s := range samples {
		if s.Duration <= 0 {
			return nil, &ValidationError{Kind: kind, Index: i,
				Reason: fmt.Sprintf("duration %d ns, want > 0", s.Duration)}
		}
		switch kind {
		case Digital:
			if s.Level != 0 && s.Level != 1 {
				return nil, &ValidationError{Kind: kind, Index: i,
					Reason: fmt.Sprintf("level %v, want 0 or 1", s.Level)}
			}
		case Analog:
			if math.IsNaN(s.Level) || math.IsInf(s.Level, 0) {
				return nil, &ValidationError{Kind: kind, Index: i,
					Reason: fmt.Sprintf("level %v is not finite", s.Level)}
			}
		}
	}
	p := &Pattern{kind: kind, samples: make([]Sample, len(samples))}
	copy(p.samples, samples)
	return p, nil
}

// Kind returns the signal kind the pattern was validated for.
func (p *Pattern) Kind() SignalKind {
	return p.kind
}

// Len returns the number of samples.
func (p *Pattern) Len() int {
	return len(p.samples)
}

// Samples returns a copy of the samples in order.
func (p *Pattern) Samples() []Sample {
	out := make([]Sample, len(p.samples))
	copy(out, p.samples)
	return out
}

// Duration returns the time one pass through the pattern takes.
func (p *Pattern) Duration() time.Duration {
	var ns int64
	for _, s := range p.samples {
		ns += s.Duration
	}
	return time.Duration(ns)
}

// Last returns the final sample.
func (p *Pattern) Last() Sample {
	return p.samples[len(p.samples)-1]
}

// SquareWave returns npulses repetitions of (high, low), each step lasting
// period ns. It is the default test waveform of the pin tester.
func SquareWave(period int64, high, low float64, npulses int) []Sample {
	samples := make([]Sample, 0, 2*npulses)
	for i := 0; i < npulses; i++ {
		samples = append(samples, Sample{period, high}, Sample{period, low})
	}
	return samples
}
