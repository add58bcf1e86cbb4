package pulsetester

import (
	"encoding/json"
	"fmt"
	"log"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleClient() (*rpc.Client, error) {
	serverAddress := fmt.Sprintf("localhost:%d", Ports.RPC)
	retries := 5
	wait := 10 * time.Millisecond
	tries := 1
	for {
		// One command to dial AND set up jsonrpc client:
		client, err := jsonrpc.Dial("tcp", serverAddress)
		tries++
		if err == nil || tries > retries {
			return client, err
		}
		time.Sleep(wait)
		wait = wait * 2
	}
}

func TestServer(t *testing.T) {
	client, err := simpleClient()
	require.NoError(t, err, "Could not connect simpleClient() to RPC server")
	defer client.Close()

	dummy := ""
	var okay bool
	var status ServerStatus
	require.NoError(t, client.Call("TesterControl.Status", &dummy, &status))
	assert.False(t, status.Connected)

	// Calls that need an instrument fail before Connect.
	var state ChannelState
	args := PatternArgs{Channel: 0, Kind: Digital}
	if err := client.Call("TesterControl.TestChannel", &args, &state); err == nil {
		t.Error("expected error calling TesterControl.TestChannel before Connect")
	}
	if err := client.Call("TesterControl.Disconnect", &dummy, &okay); err == nil {
		t.Error("expected error calling TesterControl.Disconnect before Connect")
	}

	// An empty address means the configured one.
	require.NoError(t, client.Call("TesterControl.Connect", &dummy, &okay))
	assert.True(t, okay)
	if err := client.Call("TesterControl.Connect", &dummy, &okay); err == nil {
		t.Error("expected error connecting twice")
	}
	require.NoError(t, client.Call("TesterControl.Status", &dummy, &status))
	assert.True(t, status.Connected)
	assert.Equal(t, "sim://rpctest", status.Address)
	assert.Equal(t, 8, status.DigitalChannels)
	assert.Equal(t, 2, status.AnalogChannels)
	require.Len(t, status.Channels, 10)
	assert.Equal(t, ChannelIdle, status.Channels[0].State.Status)

	// One channel, pattern given as text.
	args = PatternArgs{Channel: 0, Kind: Digital, Text: "1000 1\n1000 0\n", Runs: 2}
	require.NoError(t, client.Call("TesterControl.TestChannel", &args, &state))
	assert.Equal(t, ChannelTested, state.Status)

	args.Text = "1000 1\nabc 0"
	if err := client.Call("TesterControl.TestChannel", &args, &state); err == nil {
		t.Error("expected error for pattern text with a bad line")
	}

	args = PatternArgs{Channel: 9, Kind: Digital}
	require.NoError(t, client.Call("TesterControl.TestChannel", &args, &state))
	assert.Equal(t, ChannelError, state.Status)
	assert.Contains(t, state.Message, "digital channel 9")

	// Every channel with its default waveform.
	var reports []ChannelReport
	require.NoError(t, client.Call("TesterControl.TestAll", &TestAllArgs{}, &reports))
	require.Len(t, reports, 10)
	for _, r := range reports {
		assert.Equal(t, ChannelTested, r.State.Status, "%s channel %d: %s", r.Kind, r.Channel, r.State)
	}

	// Stream until told to stop.
	var runID string
	args = PatternArgs{Channel: 1, Kind: Analog, Samples: []Sample{{1000, 0.5}, {1000, -0.5}}, Runs: -1}
	require.NoError(t, client.Call("TesterControl.StartStreaming", &args, &runID))
	assert.NotEmpty(t, runID)
	require.NoError(t, client.Call("TesterControl.Status", &dummy, &status))
	assert.True(t, status.Streaming)
	assert.Equal(t, runID, status.RunID)
	if err := client.Call("TesterControl.StartStreaming", &args, &runID); err == nil {
		t.Error("expected error starting a second stream")
	}
	final := "bogus"
	if err := client.Call("TesterControl.StopStreaming", &final, &okay); err == nil {
		t.Error("expected error for an unknown final state")
	}
	final = ""
	require.NoError(t, client.Call("TesterControl.StopStreaming", &final, &okay))
	assert.True(t, okay)
	require.NoError(t, client.Call("TesterControl.StopStreaming", &final, &okay), "Stop when idle")
	require.NoError(t, client.Call("TesterControl.Status", &dummy, &status))
	assert.False(t, status.Streaming)

	require.NoError(t, client.Call("TesterControl.SendAllStatus", &dummy, &okay))
	require.NoError(t, client.Call("TesterControl.Disconnect", &dummy, &okay))
	assert.True(t, okay)
	require.NoError(t, client.Call("TesterControl.Status", &dummy, &status))
	assert.False(t, status.Connected)
}

func TestStalledPublisherDoesNotBlockStatus(t *testing.T) {
	updates := make(chan ClientUpdate)
	tc := NewTesterControl(DefaultTesterConfig(), nil, updates)
	dummy := ""
	sent := make(chan struct{})
	go func() {
		var okay bool
		tc.SendAllStatus(&dummy, &okay)
		close(sent)
	}()

	// Nobody reads updates yet, so SendAllStatus is stuck sending.
	replied := make(chan ServerStatus)
	go func() {
		var status ServerStatus
		tc.Status(&dummy, &status)
		replied <- status
	}()
	select {
	case status := <-replied:
		assert.False(t, status.Connected)
	case <-time.After(time.Second):
		t.Fatal("Status blocked behind a stalled status publisher")
	}

	update := <-updates
	assert.Equal(t, "STATUS", update.tag)
	<-sent
}

func TestClientUpdaterPublishes(t *testing.T) {
	sub, err := zmq.NewSocket(zmq.SUB)
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Connect(fmt.Sprintf("tcp://localhost:%d", Ports.Status)))
	require.NoError(t, sub.SetSubscribe("STATUS"))
	require.NoError(t, sub.SetRcvtimeo(5*time.Second))

	// The server broadcasts STATUS periodically, so a late subscriber still
	// hears one.
	msg, err := sub.RecvMessageBytes(0)
	require.NoError(t, err)
	require.Len(t, msg, 2)
	assert.Equal(t, "STATUS", string(msg[0]))
	var status ServerStatus
	assert.NoError(t, json.Unmarshal(msg[1], &status))
}

func TestMain(m *testing.M) {
	viper.Set("tester.address", "sim://rpctest")
	viper.Set("tester.runs", 1)

	// Set up different ports for testing than you'd use otherwise
	SetPortnumbers(33700)
	messageChan := make(chan ClientUpdate)
	go RunClientUpdater(messageChan, Ports.Status)
	go RunRPCServer(messageChan, Ports.RPC, nil, make(chan struct{}))
	// set log to write to a file
	f, err := os.Create("pulsetestertestlogfile")
	if err != nil {
		log.Fatalf("error opening file: %v", err)
	}
	defer f.Close()
	log.SetOutput(f)

	// run tests
	os.Exit(m.Run())
}
