package pulsetester

import (
	"fmt"
	"time"
)

// ChannelStatus is the step a channel has reached in its test.
type ChannelStatus int

// Names for the possible values of ChannelStatus
const (
	ChannelIdle    ChannelStatus = iota // registered, not tested
	ChannelTesting                      // a test is running
	ChannelTested                       // the last test passed
	ChannelError                        // the last test failed; see Message
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelIdle:
		return "Idle"
	case ChannelTesting:
		return "Testing"
	case ChannelTested:
		return "Tested"
	case ChannelError:
		return "Error"
	}
	return fmt.Sprintf("ChannelStatus(%d)", int(s))
}

// MarshalText makes statuses readable in JSON client updates.
func (s ChannelStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the names written by MarshalText.
func (s *ChannelStatus) UnmarshalText(text []byte) error {
	for _, status := range []ChannelStatus{ChannelIdle, ChannelTesting, ChannelTested, ChannelError} {
		if string(text) == status.String() {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown channel status %q", text)
}

// ChannelState is the test state of one channel. Message is set only for
// ChannelError.
type ChannelState struct {
	Status  ChannelStatus
	Message string `json:",omitempty"`
}

func (cs ChannelState) String() string {
	if cs.Status == ChannelError {
		return fmt.Sprintf("Error(%s)", cs.Message)
	}
	return cs.Status.String()
}

// IsFinal reports whether the state ends a test.
func (cs ChannelState) IsFinal() bool {
	return cs.Status == ChannelTested || cs.Status == ChannelError
}

// StateChange is the notification sent to subscribers after every
// transition of a channel.
type StateChange struct {
	Channel int
	Kind    SignalKind
	State   ChannelState
	RunID   string `json:",omitempty"`
	Time    time.Time
}

// Key returns the channel that changed.
func (sc StateChange) Key() ChannelKey {
	return ChannelKey{Channel: sc.Channel, Kind: sc.Kind}
}

// MarshalText makes signal kinds readable in JSON client updates.
func (k SignalKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the names written by MarshalText.
func (k *SignalKind) UnmarshalText(text []byte) error {
	kind, err := ParseSignalKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}
