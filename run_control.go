package pulsetester

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"
	"github.com/usnistgov/pulsetester/device"
)

// RunCount is how many times a sequence repeats. Indefinite (-1) streams
// until Stop. 0 is accepted as a second spelling of Indefinite.
type RunCount int64

// Indefinite is the RunCount that streams until stopped.
const Indefinite RunCount = -1

// Normalize maps both indefinite spellings to Indefinite and rejects counts
// below -1.
func (n RunCount) Normalize() (RunCount, error) {
	switch {
	case n == 0 || n == Indefinite:
		return Indefinite, nil
	case n > 0:
		return n, nil
	}
	return n, fmt.Errorf("run count %d: want -1 (indefinite) or a positive number", int64(n))
}

// IsIndefinite reports whether n streams until stopped.
func (n RunCount) IsIndefinite() bool {
	return n == 0 || n == Indefinite
}

func (n RunCount) String() string {
	if n.IsIndefinite() {
		return "indefinite"
	}
	return strconv.FormatInt(int64(n), 10)
}

// FinalState selects the outputs the device holds once a run ends.
type FinalState int

// Names for the possible values of FinalState
const (
	FinalZero     FinalState = iota // every output at 0
	FinalHoldLast                   // every channel holds its last sample
)

func (f FinalState) String() string {
	switch f {
	case FinalZero:
		return "ZERO"
	case FinalHoldLast:
		return "HOLD_LAST"
	}
	return fmt.Sprintf("FinalState(%d)", int(f))
}

// ParseFinalState accepts "zero" or "hold_last" (also "hold") in any case.
func ParseFinalState(s string) (FinalState, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ZERO", "":
		return FinalZero, nil
	case "HOLD_LAST", "HOLD":
		return FinalHoldLast, nil
	}
	return FinalZero, fmt.Errorf("final state %q is not ZERO or HOLD_LAST", s)
}

// RunRequest asks the RunController to stream a Sequence.
type RunRequest struct {
	Sequence   *Sequence
	RunCount   RunCount
	FinalState FinalState
}

// RunState is the RunController's streaming state.
type RunState int

// Names for the possible values of RunState
const (
	RunIdle RunState = iota
	RunStreaming
)

func (s RunState) String() string {
	if s == RunStreaming {
		return "Streaming"
	}
	return "Idle"
}

// RunHandle identifies one started run. Done is closed when the run ends,
// whether by Stop, by exhausting its run count, or by a device failure.
type RunHandle struct {
	ID       ulid.ULID
	Request  RunRequest
	Started  time.Time
	Expected time.Duration // 0 for indefinite runs

	deviceSeq *device.Sequence
	done      chan struct{}
	endOnce   sync.Once
	stopped   bool
	err       error
}

func newRunHandle(req RunRequest, devSeq *device.Sequence) *RunHandle {
	run := &RunHandle{
		ID:        ulid.Make(),
		Request:   req,
		Started:   time.Now(),
		deviceSeq: devSeq,
		done:      make(chan struct{}),
	}
	if !req.RunCount.IsIndefinite() {
		run.Expected = devSeq.Duration() * time.Duration(req.RunCount)
	}
	return run
}

func (r *RunHandle) end(stopped bool, err error) {
	r.endOnce.Do(func() {
		r.stopped = stopped
		r.err = err
		close(r.done)
	})
}

// Done returns a channel closed when the run has ended.
func (r *RunHandle) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run ends or ctx is done, returning the run's error
// or ctx.Err().
func (r *RunHandle) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped reports whether the run ended by Stop. Only valid after Done.
func (r *RunHandle) Stopped() bool {
	<-r.done
	return r.stopped
}

// Pulses returns the number of device pulses in one pass of the run.
func (r *RunHandle) Pulses() int {
	return len(r.deviceSeq.Pulses)
}

// Err returns the failure that ended the run, if any. Only valid after Done.
func (r *RunHandle) Err() error {
	<-r.done
	return r.err
}

// RunController owns one device handle and the run streaming on it. Start
// and Stop are serialised, so Stop may be called from any goroutine.
type RunController struct {
	handle       device.Handle
	metrics      *Metrics
	pollInterval time.Duration
	Verbose      bool

	active *RunHandle
	mu     sync.Mutex
}

// NewRunController returns a controller for handle. metrics may be nil.
func NewRunController(handle device.Handle, metrics *Metrics) *RunController {
	return &RunController{handle: handle, metrics: metrics, pollInterval: 5 * time.Millisecond}
}

// Handle returns the device handle the controller owns.
func (c *RunController) Handle() device.Handle {
	return c.handle
}

// Capabilities returns those of the controlled device.
func (c *RunController) Capabilities() device.Capabilities {
	return c.handle.Capabilities()
}

// State returns RunStreaming while a run is active, else RunIdle.
func (c *RunController) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return RunStreaming
	}
	return RunIdle
}

// Active returns the streaming run, or nil.
func (c *RunController) Active() *RunHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Start submits req to the device and returns once the device has accepted
// it. Bounded runs return the controller to Idle by themselves when their
// repetitions are done.
func (c *RunController) Start(ctx context.Context, req RunRequest) (*RunHandle, error) {
	if req.Sequence == nil {
		return nil, &ValidationError{Index: -1, Reason: "run request has no sequence"}
	}
	runs, err := req.RunCount.Normalize()
	if err != nil {
		return nil, &ValidationError{Index: -1, Reason: err.Error()}
	}
	req.RunCount = runs

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return nil, &BusyError{Active: c.active.ID.String()}
	}

	devSeq := req.Sequence.DeviceSequence()
	final := finalOutput(req.Sequence, req.FinalState)
	if c.Verbose {
		UpdateLogger.Printf("Streaming device sequence:\n%s", spew.Sdump(devSeq))
	}
	if err := c.handle.Stream(ctx, devSeq, int64(runs), final); err != nil {
		c.metrics.streamError()
		ProblemLogger.Printf("Stream of %v failed: %v\n", req.Sequence.Keys(), err)
		return nil, &StreamError{Op: "start", Err: err}
	}

	run := newRunHandle(req, devSeq)
	c.active = run
	c.metrics.runStarted()
	UpdateLogger.Printf("Run %s started on %v, runs=%s, final=%s\n", run.ID, req.Sequence.Keys(), runs, req.FinalState)
	if !runs.IsIndefinite() {
		go c.watch(run)
	}
	return run, nil
}

// watch waits out a bounded run, then confirms with the device (when it can
// tell) that the run has finished.
func (c *RunController) watch(run *RunHandle) {
	timer := time.NewTimer(run.Expected)
	defer timer.Stop()
	select {
	case <-run.done:
		return
	case <-timer.C:
	}

	finisher, ok := c.handle.(device.Finisher)
	if !ok {
		c.finish(run, nil)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-run.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		finished, err := finisher.HasFinished(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.metrics.streamError()
				c.finish(run, &StreamError{Op: "wait", Err: err})
			}
			return
		}
		if finished {
			c.finish(run, nil)
			return
		}
		select {
		case <-run.done:
			return
		case <-ticker.C:
		}
	}
}

func (c *RunController) finish(run *RunHandle, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != run {
		return
	}
	c.active = nil
	c.metrics.runEnded(false)
	if err != nil {
		ProblemLogger.Printf("Run %s ended with error: %v\n", run.ID, err)
	} else {
		UpdateLogger.Printf("Run %s completed %s repetitions\n", run.ID, run.Request.RunCount)
	}
	run.end(false, err)
}

// Stop forces the device outputs to final and ends the streaming run. When
// nothing is streaming, Stop does nothing and returns nil. If the device
// refuses, the run stays active so Stop can be retried.
func (c *RunController) Stop(ctx context.Context, final FinalState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	run := c.active
	if run == nil {
		return nil
	}
	var err error
	if final == run.Request.FinalState {
		err = c.handle.ForceFinal(ctx)
	} else {
		err = c.handle.Constant(ctx, finalOutput(run.Request.Sequence, final))
	}
	if err != nil {
		c.metrics.streamError()
		ProblemLogger.Printf("Stop of run %s failed: %v\n", run.ID, err)
		return &StreamError{Op: "stop", Err: err}
	}
	c.active = nil
	c.metrics.runEnded(true)
	UpdateLogger.Printf("Run %s stopped, outputs forced to %s\n", run.ID, final)
	run.end(true, nil)
	return nil
}

// Close stops any run with all outputs at zero and closes the device handle.
func (c *RunController) Close(ctx context.Context) error {
	if err := c.Stop(ctx, FinalZero); err != nil {
		return err
	}
	return c.handle.Close()
}

// finalOutput computes the device output state for final on seq's channels.
func finalOutput(seq *Sequence, final FinalState) device.OutputState {
	state := device.Zero(seq.Capabilities())
	if final != FinalHoldLast {
		return state
	}
	for _, a := range seq.entries {
		level := a.Pattern.Last().Level
		switch a.Kind {
		case Digital:
			if level != 0 {
				state.Digital |= 1 << uint(a.Channel)
			}
		case Analog:
			state.Analog[a.Channel] = level
		}
	}
	return state
}
