package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/usnistgov/pulsetester"
)

// console reads operator lines on its own goroutine so that prompts can be
// abandoned when ctx is cancelled.
type console struct {
	lines <-chan string
	out   io.Writer
}

func newConsole(in io.Reader, out io.Writer) *console {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return &console{lines: lines, out: out}
}

func (c *console) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}

// ask prints prompt and returns the next input line, trimmed.
func (c *console) ask(ctx context.Context, prompt string) (string, error) {
	c.printf("%s", prompt)
	select {
	case line, ok := <-c.lines:
		if !ok {
			return "", io.EOF
		}
		return strings.TrimSpace(line), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// askInt asks until the answer is an integer, or returns def for an empty answer.
func (c *console) askInt(ctx context.Context, prompt string, def int) (int, error) {
	for {
		answer, err := c.ask(ctx, prompt)
		if err != nil {
			return 0, err
		}
		if answer == "" {
			return def, nil
		}
		n, err := strconv.Atoi(answer)
		if err == nil {
			return n, nil
		}
		c.printf("%q is not a whole number\n", answer)
	}
}

// runMenu connects to the configured instrument and offers the channel tests
// until the operator exits, the input ends, or ctx is cancelled.
func runMenu(ctx context.Context, config pulsetester.TesterConfig, in io.Reader, out io.Writer) error {
	con := newConsole(in, out)
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	handle, err := pulsetester.Connect(connectCtx, config.Address)
	cancel()
	if err != nil {
		return err
	}
	ctrl := pulsetester.NewRunController(handle, nil)
	ctrl.Verbose = config.Verbose
	orch := pulsetester.NewOrchestrator(ctrl, pulsetester.OrchestratorConfig{
		Capabilities: config.Capabilities(handle.Capabilities()),
		Settle:       config.Settle,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := ctrl.Close(closeCtx); err != nil {
			pulsetester.ProblemLogger.Printf("closing pulse streamer: %v\n", err)
		}
		orch.Close()
	}()

	changes, unsubscribe := orch.Subscribe()
	defer unsubscribe()
	go func() {
		for change := range changes {
			if change.State.Status == pulsetester.ChannelIdle {
				continue
			}
			con.printf("  %s -> %s\n", change.Key(), change.State)
		}
	}()
	orch.RegisterAll()

	caps := orch.Capabilities()
	con.printf("Connected to pulse streamer at %s\n", config.Address)
	con.printf("Digital channels: 0-%d, analog channels: 0-%d\n", caps.DigitalCount()-1, caps.AnalogChannels-1)
	for {
		con.printf("\n=== Pulse Streamer Channel Tester ===\n")
		con.printf("1. Stream a pattern on one channel\n")
		con.printf("2. Test all channels\n")
		con.printf("3. Show channel states\n")
		con.printf("4. Exit\n")
		choice, err := con.ask(ctx, "Select an option (1-4): ")
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch choice {
		case "1":
			err = streamOneChannel(ctx, con, orch)
		case "2":
			err = testAllChannels(ctx, con, orch, config.Runs)
		case "3":
			showStates(con, orch)
		case "4", "q", "exit":
			return nil
		default:
			con.printf("Invalid choice %q\n", choice)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			con.printf("Error: %v\n", err)
		}
	}
}

// askPattern reads "duration level" lines until an empty line. An empty
// first line selects the default waveform for kind.
func askPattern(ctx context.Context, con *console, kind pulsetester.SignalKind) ([]pulsetester.Sample, error) {
	con.printf("Enter the pattern as 'duration_ns level' lines, ending with an empty line.\n")
	con.printf("An empty first line plays the default square wave.\n")
	var text strings.Builder
	for {
		line, err := con.ask(ctx, "> ")
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		text.WriteString(line)
		text.WriteString("\n")
	}
	if text.Len() == 0 {
		return pulsetester.DefaultSamples(kind), nil
	}
	return pulsetester.ParsePatternText(text.String())
}

// streamOneChannel streams a pattern on one channel until the operator
// presses ENTER or its repetitions are done, then zeroes the outputs.
func streamOneChannel(ctx context.Context, con *console, orch *pulsetester.Orchestrator) error {
	answer, err := con.ask(ctx, "Channel type, (D)igital or (A)nalog: ")
	if err != nil {
		return err
	}
	kind, err := pulsetester.ParseSignalKind(answer)
	if err != nil {
		return err
	}
	channel, err := con.askInt(ctx, "Channel number: ", 0)
	if err != nil {
		return err
	}
	samples, err := askPattern(ctx, con, kind)
	if err != nil {
		return err
	}
	runs, err := con.askInt(ctx, "Repetitions (-1 or empty streams until ENTER): ", -1)
	if err != nil {
		return err
	}

	pattern, err := pulsetester.ValidatePattern(samples, kind)
	if err != nil {
		return err
	}
	seq, err := pulsetester.BuildSequence(orch.Capabilities(),
		pulsetester.Assignment{Channel: channel, Kind: kind, Pattern: pattern})
	if err != nil {
		return err
	}
	run, err := orch.Controller().Start(ctx, pulsetester.RunRequest{
		Sequence:   seq,
		RunCount:   pulsetester.RunCount(runs),
		FinalState: pulsetester.FinalZero,
	})
	if err != nil {
		return err
	}
	con.printf("Streaming on %s channel %d (run %s). Press ENTER to stop.\n", kind, channel, run.ID)

	select {
	case <-run.Done():
		if err := run.Err(); err != nil {
			return err
		}
		con.printf("Run finished its %s repetitions.\n", run.Request.RunCount)
		return nil
	case _, ok := <-con.lines:
		if !ok {
			err = io.EOF
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if stopErr := orch.Stop(stopCtx); stopErr != nil {
		return stopErr
	}
	con.printf("Stopped; all outputs at zero.\n")
	return err
}

// testAllChannels plays the default waveform on every registered channel.
func testAllChannels(ctx context.Context, con *console, orch *pulsetester.Orchestrator, runs int) error {
	var tests []pulsetester.ChannelTest
	for _, key := range orch.Keys() {
		tests = append(tests, pulsetester.ChannelTest{
			Channel: key.Channel,
			Kind:    key.Kind,
			Samples: pulsetester.DefaultSamples(key.Kind),
			Runs:    runs,
		})
	}
	con.printf("Testing %d channels...\n", len(tests))
	results := orch.TestAll(ctx, tests)
	failed := 0
	for _, state := range results {
		if state.Status == pulsetester.ChannelError {
			failed++
		}
	}
	con.printf("%d of %d channels tested without error.\n", len(results)-failed, len(results))
	return ctx.Err()
}

func showStates(con *console, orch *pulsetester.Orchestrator) {
	states := orch.States()
	for _, key := range orch.Keys() {
		con.printf("  %-20s %s\n", key, states[key])
	}
}
