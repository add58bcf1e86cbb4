package pulsetester

import (
	"context"
	"fmt"

	"github.com/usnistgov/pulsetester/device"
)

// ConnectionError reports an instrument that could not be reached.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to pulse streamer at %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// StreamError reports that the device refused a request or the transport
// failed while making it. Op is "start", "stop" or "wait".
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s failed: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// BusyError reports a Start while another run is streaming. The caller must
// Stop that run first.
type BusyError struct {
	Active string // ID of the streaming run
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("device busy streaming run %s (call Stop first)", e.Active)
}

// Connect opens the instrument at address. Failures are *ConnectionError.
func Connect(ctx context.Context, address string) (device.Handle, error) {
	handle, err := device.Connect(ctx, address)
	if err != nil {
		ProblemLogger.Printf("Connect(%q) failed: %v\n", address, err)
		return nil, &ConnectionError{Address: address, Err: err}
	}
	UpdateLogger.Printf("Connected to pulse streamer at %s\n", address)
	return handle, nil
}
