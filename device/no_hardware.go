package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// NoHardware is a drop in replacement for PulseStreamer (implements Handle
// and Finisher) that requires no hardware, for testing.
type NoHardware struct {
	caps      Capabilities
	isOpen    bool
	streaming bool
	sequence  *Sequence
	nRuns     int64
	final     OutputState
	started   time.Time
	outputs   OutputState
	failNext  error

	streamCalls     int
	forceFinalCalls int
	constantCalls   int
	sync.Mutex
}

// NewNoHardware generates and returns a new emulated instrument with the
// given capabilities. All outputs start at zero.
func NewNoHardware(caps Capabilities) *NoHardware {
	return &NoHardware{caps: caps, isOpen: true, outputs: Zero(caps)}
}

// Capabilities returns the emulated instrument's outputs.
func (nh *NoHardware) Capabilities() Capabilities {
	return nh.caps
}

// FailNextStream makes the next call to Stream return err.
func (nh *NoHardware) FailNextStream(err error) {
	nh.Lock()
	defer nh.Unlock()
	nh.failNext = err
}

// Stream errors if closed or if seq does not fit the device, otherwise
// records seq as streaming. A new sequence replaces the one streaming.
func (nh *NoHardware) Stream(ctx context.Context, seq *Sequence, nRuns int64, final OutputState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nh.Lock()
	defer nh.Unlock()
	nh.streamCalls++
	if !nh.isOpen {
		return fmt.Errorf("NoHardware.Stream: device closed")
	}
	if err := nh.failNext; err != nil {
		nh.failNext = nil
		return err
	}
	if err := checkSequence(seq, nh.caps); err != nil {
		return fmt.Errorf("NoHardware.Stream: %w", err)
	}
	if nRuns == 0 || nRuns < Indefinite {
		return fmt.Errorf("NoHardware.Stream: nRuns=%d, want -1 or positive", nRuns)
	}
	nh.streaming = true
	nh.sequence = seq
	nh.nRuns = nRuns
	nh.final = final
	nh.started = time.Now()
	nh.outputs = Hold(seq.Pulses[0])
	return nil
}

// ForceFinal ends any stream and sets the outputs to the final state given
// when the stream was started. Without a previous stream this is the zero
// state.
func (nh *NoHardware) ForceFinal(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nh.Lock()
	defer nh.Unlock()
	nh.forceFinalCalls++
	if !nh.isOpen {
		return fmt.Errorf("NoHardware.ForceFinal: device closed")
	}
	if nh.sequence == nil {
		nh.outputs = Zero(nh.caps)
	} else {
		nh.outputs = nh.final
	}
	nh.streaming = false
	return nil
}

// Constant ends any stream and holds the outputs at state.
func (nh *NoHardware) Constant(ctx context.Context, state OutputState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nh.Lock()
	defer nh.Unlock()
	nh.constantCalls++
	if !nh.isOpen {
		return fmt.Errorf("NoHardware.Constant: device closed")
	}
	if err := checkAnalogRange(state.Analog, nh.caps); err != nil {
		return fmt.Errorf("NoHardware.Constant: %w", err)
	}
	nh.outputs = state
	nh.streaming = false
	return nil
}

// HasFinished reports whether a bounded stream has run out of repetitions.
// An indefinite stream never finishes.
func (nh *NoHardware) HasFinished(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	nh.Lock()
	defer nh.Unlock()
	if !nh.streaming {
		return true, nil
	}
	if nh.nRuns == Indefinite {
		return false, nil
	}
	total := nh.sequence.Duration() * time.Duration(nh.nRuns)
	if time.Since(nh.started) < total {
		return false, nil
	}
	nh.streaming = false
	nh.outputs = nh.final
	return true, nil
}

// IsStreaming reports whether a sequence is playing.
func (nh *NoHardware) IsStreaming() bool {
	nh.Lock()
	defer nh.Unlock()
	return nh.streaming
}

// Outputs returns the present state of every output.
func (nh *NoHardware) Outputs() OutputState {
	nh.Lock()
	defer nh.Unlock()
	return Hold(Pulse{Digital: nh.outputs.Digital, Analog: nh.outputs.Analog})
}

// Calls returns how many times Stream, ForceFinal and Constant were called.
func (nh *NoHardware) Calls() (stream, forceFinal, constant int) {
	nh.Lock()
	defer nh.Unlock()
	return nh.streamCalls, nh.forceFinalCalls, nh.constantCalls
}

// Close errors if already closed
func (nh *NoHardware) Close() error {
	nh.Lock()
	defer nh.Unlock()
	if !nh.isOpen {
		return fmt.Errorf("NoHardware.Close: already closed")
	}
	nh.isOpen = false
	nh.streaming = false
	return nil
}

// Inspect returns a human-readable dump of the emulator state.
func (nh *NoHardware) Inspect() string {
	nh.Lock()
	defer nh.Unlock()
	return spew.Sdump(struct {
		Caps      Capabilities
		Open      bool
		Streaming bool
		NRuns     int64
		Outputs   OutputState
	}{nh.caps, nh.isOpen, nh.streaming, nh.nRuns, nh.outputs})
}
