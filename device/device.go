// Package device provides the interface to a pulse-streaming instrument.
// The Handle interface covers what the tester needs from the vendor
// transport: stream a sequence, force the final state, hold a constant
// output. Two implementations are exported: PulseStreamer talks to real
// hardware over JSON-RPC, and NoHardware emulates an instrument in memory
// for testing and dry runs.
package device

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Indefinite is the repeat count that asks the device to stream until stopped.
const Indefinite int64 = -1

// Capabilities describes the outputs an instrument declares.
type Capabilities struct {
	DigitalChannels int
	AnalogChannels  int
	AnalogMin       float64 // volts
	AnalogMax       float64 // volts
}

// MaxDigitalChannels is the width of the digital mask in the instrument's
// wire format. Channels above it cannot be driven whatever a device declares.
const MaxDigitalChannels = 8

// DigitalCount returns the number of digital channels that can be driven:
// the declared count, at most MaxDigitalChannels.
func (c Capabilities) DigitalCount() int {
	return max(min(c.DigitalChannels, MaxDigitalChannels), 0)
}

// DefaultCapabilities are those of the reference 8 digital / 2 analog instrument.
var DefaultCapabilities = Capabilities{
	DigitalChannels: 8,
	AnalogChannels:  2,
	AnalogMin:       -1.0,
	AnalogMax:       1.0,
}

// Pulse is one step of a device sequence: every output holds its level for
// Duration nanoseconds. Bit i of Digital is digital channel i.
type Pulse struct {
	Duration int64
	Digital  uint32
	Analog   []float64
}

// Sequence is the device-ready list of pulses.
type Sequence struct {
	Pulses []Pulse
}

// Duration returns the length of one pass through the sequence.
func (s *Sequence) Duration() time.Duration {
	var ns int64
	for _, p := range s.Pulses {
		ns += p.Duration
	}
	return time.Duration(ns)
}

// Last returns the final pulse, or a zero Pulse when the sequence is empty.
func (s *Sequence) Last() Pulse {
	if len(s.Pulses) == 0 {
		return Pulse{}
	}
	return s.Pulses[len(s.Pulses)-1]
}

// OutputState is a static setting of every output.
type OutputState struct {
	Digital uint32
	Analog  []float64
}

// Zero returns the all-outputs-off state for an instrument with caps.
func Zero(caps Capabilities) OutputState {
	return OutputState{Analog: make([]float64, caps.AnalogChannels)}
}

// Hold returns the output state equal to pulse p.
func Hold(p Pulse) OutputState {
	analog := make([]float64, len(p.Analog))
	copy(analog, p.Analog)
	return OutputState{Digital: p.Digital, Analog: analog}
}

// Handle is an open connection to one instrument.
type Handle interface {
	Stream(ctx context.Context, seq *Sequence, nRuns int64, final OutputState) error
	ForceFinal(ctx context.Context) error
	Constant(ctx context.Context, state OutputState) error
	Capabilities() Capabilities
	Close() error
}

// Finisher is implemented by handles that can report whether a bounded
// stream has played all of its repetitions.
type Finisher interface {
	HasFinished(ctx context.Context) (bool, error)
}

// SimScheme prefixes addresses that Connect serves with a NoHardware device.
const SimScheme = "sim://"

// Connect opens the instrument at address. Addresses of the form
// "sim://<name>" return a NoHardware emulator with DefaultCapabilities.
func Connect(ctx context.Context, address string) (Handle, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("device.Connect: empty address")
	}
	if strings.HasPrefix(address, SimScheme) {
		return NewNoHardware(DefaultCapabilities), nil
	}
	return DialPulseStreamer(ctx, address)
}

// checkSequence verifies that seq fits the declared capabilities.
func checkSequence(seq *Sequence, caps Capabilities) error {
	if seq == nil || len(seq.Pulses) == 0 {
		return fmt.Errorf("empty sequence")
	}
	levels := make([]float64, 0, len(seq.Pulses)*caps.AnalogChannels)
	for i, p := range seq.Pulses {
		if p.Duration <= 0 {
			return fmt.Errorf("pulse %d has duration %d ns, want > 0", i, p.Duration)
		}
		if p.Digital>>uint(caps.DigitalCount()) != 0 {
			return fmt.Errorf("pulse %d drives digital mask 0x%x beyond %d channels", i, p.Digital, caps.DigitalCount())
		}
		if len(p.Analog) > caps.AnalogChannels {
			return fmt.Errorf("pulse %d has %d analog levels, device has %d channels", i, len(p.Analog), caps.AnalogChannels)
		}
		levels = append(levels, p.Analog...)
	}
	return checkAnalogRange(levels, caps)
}

func checkAnalogRange(levels []float64, caps Capabilities) error {
	if len(levels) == 0 || caps.AnalogMax <= caps.AnalogMin {
		return nil
	}
	if lo := floats.Min(levels); lo < caps.AnalogMin {
		return fmt.Errorf("analog level %.4g V below device minimum %.4g V", lo, caps.AnalogMin)
	}
	if hi := floats.Max(levels); hi > caps.AnalogMax {
		return fmt.Errorf("analog level %.4g V above device maximum %.4g V", hi, caps.AnalogMax)
	}
	return nil
}
