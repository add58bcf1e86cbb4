package pulsetester

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/usnistgov/pulsetester/device"
)

// ChannelKey identifies one output line of the instrument.
type ChannelKey struct {
	Channel int
	Kind    SignalKind
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("%s channel %d", k.Kind, k.Channel)
}

// Assignment places a Pattern on one channel.
type Assignment struct {
	Channel int
	Kind    SignalKind
	Pattern *Pattern
}

// Key returns the channel the assignment targets.
func (a Assignment) Key() ChannelKey {
	return ChannelKey{Channel: a.Channel, Kind: a.Kind}
}

// DuplicateChannelError reports a channel assigned more than once.
type DuplicateChannelError struct {
	Key ChannelKey
}

func (e *DuplicateChannelError) Error() string {
	return fmt.Sprintf("%s is assigned more than one pattern", e.Key)
}

// ChannelRangeError reports a channel index the instrument does not have.
type ChannelRangeError struct {
	Key   ChannelKey
	Count int // channels of that kind on the instrument
}

func (e *ChannelRangeError) Error() string {
	return fmt.Sprintf("%s is out of range: device has %d %s channels [0,%d)",
		e.Key, e.Count, e.Key.Kind, e.Count)
}

// IsBuildError reports whether err means BuildSequence could not place the
// assignments on the instrument's channels.
func IsBuildError(err error) bool {
	var dup *DuplicateChannelError
	var rng *ChannelRangeError
	return errors.As(err, &dup) || errors.As(err, &rng)
}

// Sequence is a complete, immutable set of channel patterns for one run.
type Sequence struct {
	caps    device.Capabilities
	entries []Assignment // sorted by kind, then channel
}

// BuildSequence checks that every assignment names a distinct channel that
// exists on an instrument with caps, and bundles them into a Sequence.
func BuildSequence(caps device.Capabilities, assignments ...Assignment) (*Sequence, error) {
	if len(assignments) == 0 {
		return nil, &ValidationError{Index: -1, Reason: "sequence has no channel assignments"}
	}
	seen := make(map[ChannelKey]bool)
	seq := &Sequence{caps: caps, entries: make([]Assignment, 0, len(assignments))}
	for _, a := range assignments {
		key := a.Key()
		if a.Pattern == nil {
			return nil, &ValidationError{Kind: a.Kind, Index: -1, Reason: fmt.Sprintf("%s has no pattern", key)}
		}
		if a.Pattern.Kind() != a.Kind {
			return nil, &ValidationError{Kind: a.Kind, Index: -1,
				Reason: fmt.Sprintf("%s pattern assigned to %s", a.Pattern.Kind(), key)}
		}
		count := caps.DigitalCount()
		if a.Kind == Analog {
			count = caps.AnalogChannels
		}
		if a.Channel < 0 || a.Channel >= count {
			return nil, &ChannelRangeError{Key: key, Count: count}
		}
		if seen[key] {
			return nil, &DuplicateChannelError{Key: key}
		}
		seen[key] = true
		seq.entries = append(seq.entries, a)
	}
	sort.Slice(seq.entries, func(i, j int) bool {
		a, b := seq.entries[i], seq.entries[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Channel < b.Channel
	})
	return seq, nil
}

// Capabilities returns the instrument description the sequence was built for.
func (s *Sequence) Capabilities() device.Capabilities {
	return s.caps
}

// Len returns the number of channels in the sequence.
func (s *Sequence) Len() int {
	return len(s.entries)
}

// Entries returns the channel assignments, digital before analog and each
// kind in channel order.
func (s *Sequence) Entries() []Assignment {
	out := make([]Assignment, len(s.entries))
	copy(out, s.entries)
	return out
}

// Keys returns the channels the sequence drives, in Entries order.
func (s *Sequence) Keys() []ChannelKey {
	keys := make([]ChannelKey, len(s.entries))
	for i, a := range s.entries {
		keys[i] = a.Key()
	}
	return keys
}

// Pattern returns the pattern placed on key, if any.
func (s *Sequence) Pattern(key ChannelKey) (*Pattern, bool) {
	for _, a := range s.entries {
		if a.Key() == key {
			return a.Pattern, true
		}
	}
	return nil, false
}

// Duration returns the length of one pass: that of the longest pattern.
func (s *Sequence) Duration() time.Duration {
	var longest time.Duration
	for _, a := range s.entries {
		if d := a.Pattern.Duration(); d > longest {
			longest = d
		}
	}
	return longest
}

// cursor walks one channel's samples during DeviceSequence.
type cursor struct {
	key       ChannelKey
	samples   []Sample
	index     int
	remaining int64
}

func (c *cursor) done() bool {
	return c.index >= len(c.samples)
}

func (c *cursor) level() float64 {
	if c.done() {
		return 0
	}
	return c.samples[c.index].Level
}

func (c *cursor) advance(ns int64) {
	c.remaining -= ns
	if c.remaining == 0 {
		c.index++
		if !c.done() {
			c.remaining = c.samples[c.index].Duration
		}
	}
}

// DeviceSequence merges the per-channel patterns onto one timeline of
// pulses. A new pulse begins wherever any channel changes sample; channels
// whose pattern ended early read 0 until the longest pattern ends.
// Consecutive pulses with identical outputs are joined.
func (s *Sequence) DeviceSequence() *device.Sequence {
	cursors := make([]*cursor, len(s.entries))
	for i, a := range s.entries {
		samples := a.Pattern.samples
		cursors[i] = &cursor{key: a.Key(), samples: samples, remaining: samples[0].Duration}
	}

	out := &device.Sequence{}
	for {
		var step int64
		for _, c := range cursors {
			if !c.done() && (step == 0 || c.remaining < step) {
				step = c.remaining
			}
		}
		if step == 0 {
			break
		}
		pulse := device.Pulse{Duration: step, Analog: make([]float64, s.caps.AnalogChannels)}
		for _, c := range cursors {
			switch c.key.Kind {
			case Digital:
				if c.level() != 0 {
					pulse.Digital |= 1 << uint(c.key.Channel)
				}
			case Analog:
				pulse.Analog[c.key.Channel] = c.level()
			}
			if !c.done() {
				c.advance(step)
			}
		}
		if n := len(out.Pulses); n > 0 && sameOutputs(out.Pulses[n-1], pulse) {
			out.Pulses[n-1].Duration += step
			continue
		}
		out.Pulses = append(out.Pulses, pulse)
	}
	return out
}

func sameOutputs(a, b device.Pulse) bool {
	if a.Digital != b.Digital || len(a.Analog) != len(b.Analog) {
		return false
	}
	for i := range a.Analog {
		if a.Analog[i] != b.Analog[i] {
			return false
		}
	}
	return true
}
