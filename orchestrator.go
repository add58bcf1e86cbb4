package pulsetester

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/usnistgov/pulsetester/device"
	"github.com/usnistgov/pulsetester/internal/eventqueue"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ChannelTest describes the test of one channel: the raw samples to play
// and how many times to repeat them.
type ChannelTest struct {
	Channel int
	Kind    SignalKind
	Samples []Sample
	Runs    int // repetitions; values below 1 mean 1
}

// Key returns the channel under test.
func (t ChannelTest) Key() ChannelKey {
	return ChannelKey{Channel: t.Channel, Kind: t.Kind}
}

// MinSettle is the smallest margin allowed beyond a run's expected length.
// The controller only starts asking the device whether a run has finished
// once the expected length has passed, so a test needs some slack.
const MinSettle = 50 * time.Millisecond

// OrchestratorConfig holds the settings of an Orchestrator.
type OrchestratorConfig struct {
	Capabilities device.Capabilities // zero value means the controller's device capabilities
	Settle       time.Duration       // margin allowed beyond a run's expected length; at least MinSettle
	Metrics      *Metrics
}

// Orchestrator runs channel tests through a RunController and keeps the
// per-channel state machine Idle -> Testing -> Tested/Error. Every
// transition is announced to subscribers.
type Orchestrator struct {
	ctrl    *RunController
	caps    device.Capabilities
	settle  time.Duration
	metrics *Metrics
	stream  *semaphore.Weighted // the device plays one sequence at a time

	mu          sync.Mutex // guards the fields below
	states      map[ChannelKey]ChannelState
	channelLock map[ChannelKey]*sync.Mutex
	subscribers map[int]*eventqueue.Queue[StateChange]
	nextSub     int
}

// NewOrchestrator returns an Orchestrator driving ctrl.
func NewOrchestrator(ctrl *RunController, config OrchestratorConfig) *Orchestrator {
	caps := config.Capabilities
	if caps == (device.Capabilities{}) {
		caps = ctrl.Capabilities()
	}
	return &Orchestrator{
		ctrl:        ctrl,
		caps:        caps,
		settle:      max(config.Settle, MinSettle),
		metrics:     config.Metrics,
		stream:      semaphore.NewWeighted(1),
		states:      make(map[ChannelKey]ChannelState),
		channelLock: make(map[ChannelKey]*sync.Mutex),
		subscribers: make(map[int]*eventqueue.Queue[StateChange]),
	}
}

// Controller returns the RunController the orchestrator drives.
func (o *Orchestrator) Controller() *RunController {
	return o.ctrl
}

// Capabilities returns the channel counts tests are checked against.
func (o *Orchestrator) Capabilities() device.Capabilities {
	return o.caps
}

// Subscribe returns a channel delivering every later StateChange in order,
// and a function that ends the subscription. Delivery never blocks a test.
func (o *Orchestrator) Subscribe() (<-chan StateChange, func()) {
	q := eventqueue.New[StateChange]()
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = q
	o.mu.Unlock()

	cancel := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if _, ok := o.subscribers[id]; ok {
			delete(o.subscribers, id)
			q.Discard()
		}
	}
	return q.Out(), cancel
}

// Close ends all subscriptions. Subscribers still receive the changes
// already queued, then their channels close.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, q := range o.subscribers {
		q.Close()
		delete(o.subscribers, id)
	}
}

// transition records state for key and notifies subscribers.
func (o *Orchestrator) transition(key ChannelKey, state ChannelState, runID string) {
	change := StateChange{
		Channel: key.Channel,
		Kind:    key.Kind,
		State:   state,
		RunID:   runID,
		Time:    time.Now(),
	}
	o.mu.Lock()
	o.states[key] = state
	for _, q := range o.subscribers {
		q.Push(change)
	}
	o.mu.Unlock()
	if state.Status == ChannelError {
		ProblemLogger.Printf("%s: %s\n", key, state)
	} else {
		UpdateLogger.Printf("%s: %s\n", key, state)
	}
}

func (o *Orchestrator) checkKey(key ChannelKey) error {
	count := o.caps.DigitalCount()
	if key.Kind == Analog {
		count = o.caps.AnalogChannels
	}
	if key.Channel < 0 || key.Channel >= count {
		return &ChannelRangeError{Key: key, Count: count}
	}
	return nil
}

// Register adds key in state Idle. A channel already registered is reset
// to Idle unless a test is running on it.
func (o *Orchestrator) Register(key ChannelKey) error {
	if err := o.checkKey(key); err != nil {
		return err
	}
	lock := o.lockFor(key)
	if !lock.TryLock() {
		return fmt.Errorf("%s is being tested", key)
	}
	defer lock.Unlock()
	o.transition(key, ChannelState{Status: ChannelIdle}, "")
	return nil
}

// RegisterAll registers every digital and analog channel of the device.
func (o *Orchestrator) RegisterAll() []ChannelKey {
	var keys []ChannelKey
	for _, kind := range []SignalKind{Digital, Analog} {
		count := o.caps.DigitalCount()
		if kind == Analog {
			count = o.caps.AnalogChannels
		}
		for ch := 0; ch < count; ch++ {
			key := ChannelKey{Channel: ch, Kind: kind}
			if err := o.Register(key); err == nil {
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// State returns the state of key and whether key is registered.
func (o *Orchestrator) State(key ChannelKey) (ChannelState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.states[key]
	return state, ok
}

// States returns a snapshot of every registered channel's state.
func (o *Orchestrator) States() map[ChannelKey]ChannelState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[ChannelKey]ChannelState, len(o.states))
	for k, v := range o.states {
		out[k] = v
	}
	return out
}

// Keys returns the registered channels, digital first, in channel order.
func (o *Orchestrator) Keys() []ChannelKey {
	o.mu.Lock()
	keys := make([]ChannelKey, 0, len(o.states))
	for k := range o.states {
		keys = append(keys, k)
	}
	o.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].Channel < keys[j].Channel
	})
	return keys
}

func (o *Orchestrator) lockFor(key ChannelKey) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.channelLock[key]
	if !ok {
		lock = new(sync.Mutex)
		o.channelLock[key] = lock
	}
	return lock
}

// TestChannel plays test.Samples on one channel for a bounded number of
// repetitions and returns the final state, Tested or Error. Tests of the
// same channel run one after another. A channel the device does not have
// gets an Error state but is not registered.
func (o *Orchestrator) TestChannel(ctx context.Context, test ChannelTest) ChannelState {
	key := test.Key()
	if err := o.checkKey(key); err != nil {
		ProblemLogger.Printf("%s: %v\n", key, err)
		return ChannelState{Status: ChannelError, Message: fmt.Sprintf("%s: %v", key, err)}
	}
	lock := o.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	o.transition(key, ChannelState{Status: ChannelTesting}, "")
	state, runID := o.runTest(ctx, test)
	o.transition(key, state, runID)
	o.metrics.channelTested(key.Kind, state, time.Since(started))
	return state
}

func (o *Orchestrator) runTest(ctx context.Context, test ChannelTest) (ChannelState, string) {
	key := test.Key()
	fail := func(err error) ChannelState {
		return ChannelState{Status: ChannelError, Message: fmt.Sprintf("%s: %v", key, err)}
	}

	pattern, err := ValidatePattern(test.Samples, test.Kind)
	if err != nil {
		return fail(err), ""
	}
	seq, err := BuildSequence(o.caps, Assignment{Channel: test.Channel, Kind: test.Kind, Pattern: pattern})
	if err != nil {
		return fail(err), ""
	}

	if err := o.stream.Acquire(ctx, 1); err != nil {
		return fail(err), ""
	}
	defer o.stream.Release(1)

	runs := RunCount(max(test.Runs, 1))
	run, err := o.ctrl.Start(ctx, RunRequest{Sequence: seq, RunCount: runs, FinalState: FinalZero})
	if err != nil {
		return fail(err), ""
	}
	runID := run.ID.String()

	limit := run.Expected + o.settle
	waitCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	if err := run.Wait(waitCtx); err != nil {
		select {
		case <-run.Done():
		default:
			stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if stopErr := o.ctrl.Stop(stopCtx, FinalZero); stopErr != nil {
				err = errors.Join(err, stopErr)
			}
			stopCancel()
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("run %s did not finish within %v: %w", runID, limit, err)
		}
		return fail(err), runID
	}
	if run.Stopped() {
		return fail(fmt.Errorf("run %s was stopped before it finished", runID)), runID
	}
	return ChannelState{Status: ChannelTested}, runID
}

// TestAll tests every channel in tests, each on its own goroutine, and
// returns the final state of each. A failing channel does not affect the
// others. The device streams one sequence at a time, so runs take turns.
func (o *Orchestrator) TestAll(ctx context.Context, tests []ChannelTest) map[ChannelKey]ChannelState {
	results := make(map[ChannelKey]ChannelState, len(tests))
	var mu sync.Mutex
	var g errgroup.Group
	for _, test := range tests {
		g.Go(func() error {
			state := o.TestChannel(ctx, test)
			mu.Lock()
			results[test.Key()] = state
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

// Stop ends whatever run is streaming with every output at zero.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.ctrl.Stop(ctx, FinalZero)
}
