package pulsetester

// Contain the ClientUpdater object, which publishes JSON-encoded messages
// giving the latest tester state.

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// frames returns the two ZMQ frames of the update: its tag and its state
// as JSON.
func (u ClientUpdate) frames() ([]byte, []byte, error) {
	message, err := json.Marshal(u.state)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot encode %s update: %w", u.tag, err)
	}
	return []byte(u.tag), message, nil
}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket to publish any information that clients need to know.
// It returns when messages is closed.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int) error {
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("could not bind client updater to %s: %w", hostname, err)
	}

	for update := range messages {
		tag, message, err := update.frames()
		if err != nil {
			ProblemLogger.Println(err)
			continue
		}
		if _, err := pubSocket.SendMessage(tag, message); err != nil {
			ProblemLogger.Printf("client updater could not publish %s: %v\n", tag, err)
		}
	}
	return nil
}

// ForwardStateChanges turns channel state notifications into CHANNELSTATE
// client updates until changes is closed.
func ForwardStateChanges(changes <-chan StateChange, updates chan<- ClientUpdate) {
	for change := range changes {
		updates <- ClientUpdate{tag: "CHANNELSTATE", state: change}
	}
}
