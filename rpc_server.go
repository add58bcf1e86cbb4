package pulsetester

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// TesterControl is the sub-server that handles connection to the instrument
// and the operation of channel tests.
type TesterControl struct {
	config        TesterConfig
	metrics       *Metrics
	clientUpdates chan<- ClientUpdate

	address       string
	orch          *Orchestrator
	stopForwarder func()
	mu            sync.Mutex // guards address, orch, stopForwarder
}

// ChannelReport is the state of one channel as reported to clients.
type ChannelReport struct {
	Channel int
	Kind    SignalKind
	State   ChannelState
}

// ServerStatus the status that TesterControl reports to clients.
type ServerStatus struct {
	Connected       bool
	Address         string
	Streaming       bool
	RunID           string
	DigitalChannels int
	AnalogChannels  int
	Channels        []ChannelReport
}

// PatternArgs is the RPC-usable description of a pattern on one channel.
// Text, when given, is parsed with ParsePatternText and wins over Samples.
// Without either, the default square wave for Kind is used.
type PatternArgs struct {
	Channel    int
	Kind       SignalKind
	Text       string
	Samples    []Sample
	Runs       int    // for StartStreaming, -1 or 0 mean indefinite
	FinalState string // ZERO (default) or HOLD_LAST
}

// DefaultSamples returns the waveform the pin tester plays when the operator
// gives none: 100 square pulses of 10 µs on digital channels, and of 1 µs
// between +0.5 V and -0.5 V on analog channels.
func DefaultSamples(kind SignalKind) []Sample {
	if kind == Analog {
		return SquareWave(1000, 0.5, -0.5, 100)
	}
	return SquareWave(10000, 1, 0, 100)
}

func (args *PatternArgs) samples() ([]Sample, error) {
	switch {
	case strings.TrimSpace(args.Text) != "":
		return ParsePatternText(args.Text)
	case len(args.Samples) > 0:
		return args.Samples, nil
	}
	return DefaultSamples(args.Kind), nil
}

func (args *PatternArgs) channelTest() (ChannelTest, error) {
	samples, err := args.samples()
	if err != nil {
		return ChannelTest{}, err
	}
	return ChannelTest{Channel: args.Channel, Kind: args.Kind, Samples: samples, Runs: args.Runs}, nil
}

// NewTesterControl returns a TesterControl that is not yet connected.
func NewTesterControl(config TesterConfig, metrics *Metrics, clientUpdates chan<- ClientUpdate) *TesterControl {
	return &TesterControl{config: config, metrics: metrics, clientUpdates: clientUpdates}
}

func (tc *TesterControl) orchestrator() (*Orchestrator, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.orch == nil {
		return nil, fmt.Errorf("no pulse streamer is connected")
	}
	return tc.orch, nil
}

// Connect opens the instrument at *address (the configured address when
// empty) and registers all its channels as Idle.
func (tc *TesterControl) Connect(address *string, reply *bool) error {
	status, err := tc.connect(*address)
	if err != nil {
		return err
	}
	tc.publishStatus(status)
	*reply = true
	return nil
}

func (tc *TesterControl) connect(address string) (ServerStatus, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.orch != nil {
		return ServerStatus{}, fmt.Errorf("already connected to %s (you should call Disconnect)", tc.address)
	}
	addr := strings.TrimSpace(address)
	if addr == "" {
		addr = tc.config.Address
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	handle, err := Connect(ctx, addr)
	if err != nil {
		return ServerStatus{}, err
	}
	ctrl := NewRunController(handle, tc.metrics)
	ctrl.Verbose = tc.config.Verbose
	tc.orch = NewOrchestrator(ctrl, OrchestratorConfig{
		Capabilities: tc.config.Capabilities(handle.Capabilities()),
		Settle:       tc.config.Settle,
		Metrics:      tc.metrics,
	})
	tc.address = addr
	changes, unsubscribe := tc.orch.Subscribe()
	go ForwardStateChanges(changes, tc.clientUpdates)
	tc.stopForwarder = unsubscribe
	tc.orch.RegisterAll()
	log.Printf("Connected to %s\n", addr)
	return tc.computeStatus(), nil
}

// Disconnect stops any run with outputs at zero and closes the instrument.
func (tc *TesterControl) Disconnect(dummy *string, reply *bool) error {
	status, err := tc.disconnect()
	if status != nil {
		tc.publishStatus(*status)
	}
	*reply = (err == nil)
	return err
}

// disconnect returns the status to publish, or nil when nothing changed.
func (tc *TesterControl) disconnect() (*ServerStatus, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.orch == nil {
		return nil, fmt.Errorf("no pulse streamer is connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := tc.orch.Controller().Close(ctx)
	tc.stopForwarder()
	tc.orch.Close()
	tc.orch = nil
	tc.address = ""
	status := tc.computeStatus()
	return &status, err
}

// TestChannel runs a bounded test of one channel and replies with its
// final state.
func (tc *TesterControl) TestChannel(args *PatternArgs, reply *ChannelState) error {
	orch, err := tc.orchestrator()
	if err != nil {
		return err
	}
	test, err := args.channelTest()
	if err != nil {
		return err
	}
	if test.Runs < 1 {
		test.Runs = tc.config.Runs
	}
	*reply = orch.TestChannel(context.Background(), test)
	return nil
}

// TestAllArgs lists the channels to test. When Tests is empty every
// registered channel is tested with its default waveform.
type TestAllArgs struct {
	Tests []PatternArgs
}

// TestAll tests each requested channel and replies with every final state.
func (tc *TesterControl) TestAll(args *TestAllArgs, reply *[]ChannelReport) error {
	orch, err := tc.orchestrator()
	if err != nil {
		return err
	}
	var tests []ChannelTest
	if len(args.Tests) == 0 {
		for _, key := range orch.Keys() {
			tests = append(tests, ChannelTest{Channel: key.Channel, Kind: key.Kind,
				Samples: DefaultSamples(key.Kind), Runs: tc.config.Runs})
		}
	}
	for i := range args.Tests {
		test, err := args.Tests[i].channelTest()
		if err != nil {
			return fmt.Errorf("test %d: %w", i, err)
		}
		if test.Runs < 1 {
			test.Runs = tc.config.Runs
		}
		tests = append(tests, test)
	}
	results := orch.TestAll(context.Background(), tests)
	*reply = make([]ChannelReport, 0, len(results))
	for _, key := range orch.Keys() {
		if state, ok := results[key]; ok {
			*reply = append(*reply, ChannelReport{Channel: key.Channel, Kind: key.Kind, State: state})
		}
	}
	return nil
}

// StartStreaming streams a pattern on one channel for args.Runs repetitions
// (indefinitely for -1 or 0) and replies with the run ID. The run continues
// until StopStreaming or until its repetitions are done.
func (tc *TesterControl) StartStreaming(args *PatternArgs, reply *string) error {
	orch, err := tc.orchestrator()
	if err != nil {
		return err
	}
	samples, err := args.samples()
	if err != nil {
		return err
	}
	final, err := ParseFinalState(args.FinalState)
	if err != nil {
		return err
	}
	pattern, err := ValidatePattern(samples, args.Kind)
	if err != nil {
		return err
	}
	seq, err := BuildSequence(orch.Capabilities(), Assignment{Channel: args.Channel, Kind: args.Kind, Pattern: pattern})
	if err != nil {
		return err
	}
	run, err := orch.Controller().Start(context.Background(),
		RunRequest{Sequence: seq, RunCount: RunCount(args.Runs), FinalState: final})
	if err != nil {
		return err
	}
	log.Printf("Streaming run %s on %s channel %d\n", run.ID, args.Kind, args.Channel)
	tc.broadcastStatus()
	*reply = run.ID.String()
	return nil
}

// StopStreaming forces the outputs to the final state named by *final
// (ZERO when empty) and ends the streaming run, if any.
func (tc *TesterControl) StopStreaming(final *string, reply *bool) error {
	orch, err := tc.orchestrator()
	if err != nil {
		return err
	}
	state, err := ParseFinalState(*final)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := orch.Controller().Stop(ctx, state); err != nil {
		return err
	}
	tc.broadcastStatus()
	*reply = true
	return nil
}

// Status replies with the current ServerStatus.
func (tc *TesterControl) Status(dummy *string, reply *ServerStatus) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	*reply = tc.computeStatus()
	return nil
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (tc *TesterControl) SendAllStatus(dummy *string, reply *bool) error {
	tc.broadcastStatus()
	*reply = true
	return nil
}

// computeStatus must be called with tc locked.
func (tc *TesterControl) computeStatus() ServerStatus {
	status := ServerStatus{Address: tc.address}
	if tc.orch == nil {
		return status
	}
	status.Connected = true
	caps := tc.orch.Capabilities()
	status.DigitalChannels = caps.DigitalCount()
	status.AnalogChannels = caps.AnalogChannels
	if run := tc.orch.Controller().Active(); run != nil {
		status.Streaming = true
		status.RunID = run.ID.String()
	}
	states := tc.orch.States()
	for _, key := range tc.orch.Keys() {
		status.Channels = append(status.Channels,
			ChannelReport{Channel: key.Channel, Kind: key.Kind, State: states[key]})
	}
	return status
}

// broadcastStatus publishes the current status. It must be called without
// tc locked: the status is computed under the lock and sent after it is
// released, so a slow publisher never blocks other calls.
func (tc *TesterControl) broadcastStatus() {
	tc.mu.Lock()
	status := tc.computeStatus()
	tc.mu.Unlock()
	tc.publishStatus(status)
}

func (tc *TesterControl) publishStatus(status ServerStatus) {
	tc.clientUpdates <- ClientUpdate{"STATUS", status}
}

// LoadTesterConfig reads the "tester" keys key by key, so that command-line
// flags bound to them win over the config file. Keys set nowhere keep the
// values of DefaultTesterConfig.
func LoadTesterConfig() TesterConfig {
	config := DefaultTesterConfig()
	if viper.IsSet("tester.address") {
		config.Address = viper.GetString("tester.address")
	}
	if viper.IsSet("tester.digitalchannels") {
		config.DigitalChannels = viper.GetInt("tester.digitalchannels")
	}
	if viper.IsSet("tester.analogchannels") {
		config.AnalogChannels = viper.GetInt("tester.analogchannels")
	}
	if viper.IsSet("tester.runs") {
		config.Runs = viper.GetInt("tester.runs")
	}
	if viper.IsSet("tester.settle") {
		config.Settle = viper.GetDuration("tester.settle")
	}
	if viper.IsSet("tester.verbose") {
		config.Verbose = viper.GetBool("tester.verbose")
	}
	return config
}

// RunRPCServer sets up and runs a JSON-RPC server on portrpc until abort is
// closed. The "tester" key of the config file is loaded into the
// TesterControl; clients still call Connect themselves.
func RunRPCServer(messageChan chan<- ClientUpdate, portrpc int, metrics *Metrics, abort <-chan struct{}) error {
	// Load stored settings
	config := LoadTesterConfig()
	log.Printf("Pulse tester is using config file %s\n", viper.ConfigFileUsed())
	testerControl := NewTesterControl(config, metrics, messageChan)

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-abort:
				return
			case <-ticker.C:
				var okay bool
				testerControl.SendAllStatus(nil, &okay)
			}
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	if err := server.Register(testerControl); err != nil {
		return err
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	go func() {
		<-abort
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-abort:
				var okay bool
				testerControl.Disconnect(nil, &okay)
				return nil
			default:
				return fmt.Errorf("accept error: %w", err)
			}
		}
		log.Printf("new connection established\n")
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
